package snaparchive

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/function61/docsnap/pkg/snaptypes"
)

// streams {"collection": [doc, ..], ..} token by token, so a big legacy dump is never held in
// memory as a whole either
type legacyDecoder struct {
	dec *json.Decoder
}

func (l *legacyDecoder) begin() error {
	return l.expectDelim('{')
}

// returns io.EOF when the mapping ends
func (l *legacyDecoder) nextSegment() (string, error) {
	if !l.dec.More() {
		if err := l.expectDelim('}'); err != nil {
			return "", err
		}

		if _, err := l.dec.Token(); err != io.EOF {
			if err == nil {
				return "", corruptf("legacy archive: content after top-level object")
			}
			return "", l.classify(err)
		}

		return "", io.EOF
	}

	tok, err := l.dec.Token()
	if err != nil {
		return "", l.classify(err)
	}

	name, ok := tok.(string)
	if !ok {
		return "", corruptf("legacy archive: expecting collection name; got %v", tok)
	}

	if err := l.expectDelim('['); err != nil {
		return "", err
	}

	return name, nil
}

// returns io.EOF when the collection's array ends
func (l *legacyDecoder) nextDocument() (snaptypes.Document, error) {
	if !l.dec.More() {
		if err := l.expectDelim(']'); err != nil {
			return nil, err
		}

		return nil, io.EOF
	}

	raw := json.RawMessage{}
	if err := l.dec.Decode(&raw); err != nil {
		return nil, l.classify(err)
	}

	if len(raw) == 0 || raw[0] != '{' {
		return nil, corruptf("legacy archive: document is not a JSON object")
	}

	return snaptypes.Document(raw), nil
}

func (l *legacyDecoder) expectDelim(expected json.Delim) error {
	tok, err := l.dec.Token()
	if err != nil {
		return l.classify(err)
	}

	if delim, ok := tok.(json.Delim); !ok || delim != expected {
		return corruptf("legacy archive: expecting %v; got %v", expected, tok)
	}

	return nil
}

// parse problems mean corrupt archive, but errors from the stream itself are passed through
func (l *legacyDecoder) classify(err error) error {
	var syntaxErr *json.SyntaxError
	switch {
	case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF):
		return corruptf("legacy archive truncated")
	case errors.As(err, &syntaxErr):
		return corruptf("legacy archive: %v", err)
	default:
		return err
	}
}
