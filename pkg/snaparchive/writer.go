package snaparchive

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/minio/sha256-simd"
)

var (
	errWriterClosed     = errors.New("archive writer already closed")
	errNotInSegment     = errors.New("not inside a segment")
	errAlreadyInSegment = errors.New("previous segment not ended")
)

// encodes an archive incrementally. memory use is one document plus a fixed-size write buffer,
// regardless of how many documents are written.
type Writer struct {
	output       *bufio.Writer
	digest       hash.Hash
	seenSegments map[string]bool
	inSegment    bool
	segmentName  string
	segmentCount int64
	trailer      Trailer
	compacted    bytes.Buffer
	closed       bool
}

// writes the header right away
func NewWriter(output io.Writer, header Header) (*Writer, error) {
	digest := sha256.New()

	w := &Writer{
		output:       bufio.NewWriterSize(io.MultiWriter(output, digest), 256*1024),
		digest:       digest,
		seenSegments: map[string]bool{},
	}

	if header.Version == 0 {
		header.Version = CurrentVersion
	}

	if _, err := w.output.WriteString(makeControlLine(lineHeader, header)); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Writer) BeginSegment(name string) error {
	if w.closed {
		return errWriterClosed
	}
	if w.inSegment {
		return errAlreadyInSegment
	}
	if name == "" {
		return snaptypes.Wrap(snaptypes.ErrValidation, errors.New("segment name cannot be empty"))
	}
	if w.seenSegments[name] {
		return snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("duplicate segment name: %s", name))
	}

	w.seenSegments[name] = true
	w.inSegment = true
	w.segmentName = name
	w.segmentCount = 0

	_, err := w.output.WriteString(makeControlLine(lineSegment, segmentStart{Name: name}))
	return err
}

func (w *Writer) WriteDocument(doc snaptypes.Document) error {
	if !w.inSegment {
		return errNotInSegment
	}

	w.compacted.Reset()

	// also validates, and guarantees that the document occupies exactly one line
	if err := json.Compact(&w.compacted, doc); err != nil {
		return snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("document #%d: %w", w.segmentCount+1, err))
	}

	if w.compacted.Len() == 0 || w.compacted.Bytes()[0] != '{' {
		return snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("document #%d is not a JSON object", w.segmentCount+1))
	}

	if w.compacted.Len() > MaxLineLength {
		return snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("document #%d too large: %d bytes", w.segmentCount+1, w.compacted.Len()))
	}

	w.compacted.WriteByte('\n')

	if _, err := w.output.Write(w.compacted.Bytes()); err != nil {
		return err
	}

	w.segmentCount++

	return nil
}

// returns the number of documents written to the segment
func (w *Writer) EndSegment() (int64, error) {
	if !w.inSegment {
		return 0, errNotInSegment
	}

	if _, err := w.output.WriteString(makeControlLine(lineEnd, segmentEnd{
		Name:  w.segmentName,
		Count: w.segmentCount,
	})); err != nil {
		return 0, err
	}

	w.inSegment = false
	w.trailer.Segments++
	w.trailer.Documents += w.segmentCount

	return w.segmentCount, nil
}

// writes the trailer and flushes. does not close the underlying writer.
func (w *Writer) Close() (*Trailer, error) {
	if w.closed {
		return nil, errWriterClosed
	}
	if w.inSegment {
		return nil, fmt.Errorf("segment %s not ended", w.segmentName)
	}

	w.closed = true

	// digest must cover everything before the trailer line
	if err := w.output.Flush(); err != nil {
		return nil, err
	}

	w.trailer.Sha256 = hex.EncodeToString(w.digest.Sum(nil))

	if _, err := w.output.WriteString(makeControlLine(lineEOF, w.trailer)); err != nil {
		return nil, err
	}

	if err := w.output.Flush(); err != nil {
		return nil, err
	}

	trailer := w.trailer
	return &trailer, nil
}
