package snaparchive

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"io"

	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/minio/sha256-simd"
)

// decodes an archive incrementally, segment by segment. structural problems are reported as
// snaptypes.ErrCorruptArchive, errors from the underlying stream are passed through as-is.
// after the first error the reader is unusable and keeps returning that error.
type Reader struct {
	scanner      *bufio.Scanner
	digest       hash.Hash
	header       Header
	legacy       *legacyDecoder
	seenSegments map[string]bool
	current      *Segment
	segments     int
	documents    int64
	finished     bool
	err          error
}

type Segment struct {
	Name     string
	reader   *Reader
	observed int64
	declared int64
	hasCount bool
	ended    bool
}

// reads the header. also accepts a plain JSON mapping of {"collection": [documents..]}, which
// is what snapshot tools preceding this format produced.
func NewReader(input io.Reader) (*Reader, error) {
	buffered := bufio.NewReaderSize(input, 64*1024)

	first, err := peekFirstNonSpace(buffered)
	if err != nil {
		if err == io.EOF {
			return nil, corruptf("archive is empty")
		}
		return nil, err
	}

	r := &Reader{
		seenSegments: map[string]bool{},
	}

	switch first {
	case '{':
		r.legacy = &legacyDecoder{json.NewDecoder(buffered)}

		if err := r.legacy.begin(); err != nil {
			return nil, err
		}

		return r, nil
	case '#':
		// our format
	default:
		return nil, corruptf("archive starts with unexpected byte %q", first)
	}

	r.digest = sha256.New()
	r.scanner = bufio.NewScanner(buffered)

	// by default craps out on lines > 64k
	r.scanner.Buffer(make([]byte, 0, 64*1024), MaxLineLength+1024)

	line, err := r.nextLine()
	if err != nil {
		if err == io.EOF {
			return nil, corruptf("archive is empty")
		}
		return nil, err
	}

	kind, details, err := parseControlLine(string(line))
	if err != nil {
		return nil, err
	}
	if kind != lineHeader {
		return nil, corruptf("expecting archive header; got %s", kind)
	}

	if err := json.Unmarshal(details, &r.header); err != nil {
		return nil, corruptf("archive header: %v", err)
	}

	if r.header.Version < 1 || r.header.Version > CurrentVersion {
		return nil, corruptf("unsupported archive version %d", r.header.Version)
	}

	return r, nil
}

// zero value for legacy archives
func (r *Reader) Header() Header {
	return r.header
}

func (r *Reader) IsLegacy() bool {
	return r.legacy != nil
}

// returns io.EOF once all segments were read and the archive was verified to be complete
func (r *Reader) NextSegment() (*Segment, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.finished {
		return nil, io.EOF
	}

	// skip over unread documents of previous segment
	if r.current != nil {
		for !r.current.ended {
			if _, err := r.current.Next(); err != nil && err != io.EOF {
				return nil, err
			}
		}

		r.current = nil
	}

	if r.legacy != nil {
		name, err := r.legacy.nextSegment()
		if err != nil {
			if err == io.EOF {
				r.finished = true
				return nil, io.EOF
			}
			return nil, r.fail(err)
		}

		return r.startSegment(name)
	}

	line, err := r.nextLine()
	if err != nil {
		if err == io.EOF {
			return nil, r.fail(corruptf("archive truncated: eof trailer missing"))
		}
		return nil, r.fail(err)
	}

	kind, details, err := parseControlLine(string(line))
	if err != nil {
		return nil, r.fail(err)
	}

	switch kind {
	case lineSegment:
		start := segmentStart{}
		if err := json.Unmarshal(details, &start); err != nil {
			return nil, r.fail(corruptf("segment header: %v", err))
		}

		return r.startSegment(start.Name)
	case lineEOF:
		if err := r.verifyTrailer(details); err != nil {
			return nil, r.fail(err)
		}

		r.finished = true

		return nil, io.EOF
	default:
		return nil, r.fail(corruptf("expecting segment or eof; got %s", kind))
	}
}

// returns io.EOF at the end of segment
func (s *Segment) Next() (snaptypes.Document, error) {
	r := s.reader

	if r.err != nil {
		return nil, r.err
	}
	if s.ended {
		return nil, io.EOF
	}

	if r.legacy != nil {
		doc, err := r.legacy.nextDocument()
		if err != nil {
			if err == io.EOF {
				s.ended = true
				r.segments++
				return nil, io.EOF
			}
			return nil, r.fail(err)
		}

		s.observed++
		r.documents++

		return doc, nil
	}

	line, err := r.nextLine()
	if err != nil {
		if err == io.EOF {
			return nil, r.fail(corruptf("archive truncated inside segment %s", s.Name))
		}
		return nil, r.fail(err)
	}

	if line[0] == '{' {
		if !json.Valid(line) {
			return nil, r.fail(corruptf("segment %s: document #%d is not valid JSON", s.Name, s.observed+1))
		}

		s.observed++
		r.documents++

		return snaptypes.DocumentFrom(line), nil
	}

	kind, details, err := parseControlLine(string(line))
	if err != nil {
		return nil, r.fail(err)
	}
	if kind != lineEnd {
		return nil, r.fail(corruptf("segment %s: expecting document or end; got %s", s.Name, kind))
	}

	end := segmentEnd{}
	if err := json.Unmarshal(details, &end); err != nil {
		return nil, r.fail(corruptf("segment %s end: %v", s.Name, err))
	}
	if end.Name != s.Name {
		return nil, r.fail(corruptf("segment %s closed by end of %s", s.Name, end.Name))
	}

	s.declared = end.Count
	s.hasCount = true
	s.ended = true
	r.segments++

	return nil, io.EOF
}

// documents read from this segment so far
func (s *Segment) Observed() int64 {
	return s.observed
}

// count the archive declares for this segment. only known after Next() returned io.EOF, and
// never for legacy archives.
func (s *Segment) DeclaredCount() (int64, bool) {
	return s.declared, s.hasCount
}

func (r *Reader) startSegment(name string) (*Segment, error) {
	if name == "" {
		return nil, r.fail(corruptf("segment with empty name"))
	}
	if r.seenSegments[name] {
		return nil, r.fail(corruptf("duplicate segment %s", name))
	}
	r.seenSegments[name] = true

	r.current = &Segment{
		Name:   name,
		reader: r,
	}

	return r.current, nil
}

func (r *Reader) verifyTrailer(details []byte) error {
	trailer := Trailer{}
	if err := json.Unmarshal(details, &trailer); err != nil {
		return corruptf("eof trailer: %v", err)
	}

	if actual := hex.EncodeToString(r.digest.Sum(nil)); trailer.Sha256 != actual {
		return corruptf("digest mismatch: trailer says %s, content is %s", trailer.Sha256, actual)
	}

	if trailer.Segments != r.segments || trailer.Documents != r.documents {
		return corruptf(
			"trailer says %d segment(s) / %d document(s); read %d / %d",
			trailer.Segments,
			trailer.Documents,
			r.segments,
			r.documents)
	}

	// anything after the trailer means someone concatenated or appended to the archive
	for r.scanner.Scan() {
		if len(bytes.TrimSpace(r.scanner.Bytes())) > 0 {
			return corruptf("content after eof trailer")
		}
	}

	return r.scanErr()
}

// digests every line except the trailer. blank lines are skipped (but digested).
// returned slice is valid until next call.
func (r *Reader) nextLine() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()

		if !bytes.HasPrefix(line, []byte("# "+lineEOF+"{")) {
			_, _ = r.digest.Write(line)
			_, _ = r.digest.Write([]byte{'\n'})
		}

		if len(line) == 0 {
			continue
		}

		return line, nil
	}

	if err := r.scanErr(); err != nil {
		return nil, err
	}

	return nil, io.EOF
}

func (r *Reader) scanErr() error {
	err := r.scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		return corruptf("line exceeds %d bytes", MaxLineLength)
	}
	return err
}

func (r *Reader) fail(err error) error {
	r.err = err
	return err
}

func peekFirstNonSpace(input *bufio.Reader) (byte, error) {
	for {
		b, err := input.ReadByte()
		if err != nil {
			return 0, err
		}

		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}

		return b, input.UnreadByte()
	}
}
