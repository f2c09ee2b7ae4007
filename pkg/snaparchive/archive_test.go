package snaparchive

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/assert"
)

var testCreated = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type testSegment struct {
	name string
	docs []string
}

func writeArchive(t *testing.T, segments ...testSegment) string {
	t.Helper()

	buf := &bytes.Buffer{}

	w, err := NewWriter(buf, Header{Created: testCreated, Source: "test"})
	assert.Assert(t, err == nil)

	for _, seg := range segments {
		assert.Assert(t, w.BeginSegment(seg.name) == nil)

		for _, doc := range seg.docs {
			assert.Assert(t, w.WriteDocument(snaptypes.Document(doc)) == nil)
		}

		count, err := w.EndSegment()
		assert.Assert(t, err == nil)
		assert.Assert(t, count == int64(len(seg.docs)))
	}

	_, err = w.Close()
	assert.Assert(t, err == nil)

	return buf.String()
}

// reads whole archive into a "<segment>: doc doc | <segment>: .." summary
func readArchive(input string) (string, error) {
	return readArchiveFrom(strings.NewReader(input))
}

func readArchiveFrom(input io.Reader) (string, error) {
	r, err := NewReader(input)
	if err != nil {
		return "", err
	}

	summary := []string{}

	for {
		seg, err := r.NextSegment()
		if err != nil {
			if err == io.EOF {
				return strings.Join(summary, " | "), nil
			}
			return strings.Join(summary, " | "), err
		}

		docs := []string{}
		for {
			doc, err := seg.Next()
			if err != nil {
				if err == io.EOF {
					break
				}
				return strings.Join(summary, " | "), err
			}

			docs = append(docs, string(doc))
		}

		if declared, has := seg.DeclaredCount(); has && declared != seg.Observed() {
			return "", errors.New("count mismatch")
		}

		summary = append(summary, seg.Name+": "+strings.Join(docs, " "))
	}
}

func TestWriteFormat(t *testing.T) {
	archive := writeArchive(t, testSegment{"users", []string{`{ "name":  "Joonas",
		"age": 37 }`}})

	lines := strings.Split(archive, "\n")

	assert.EqualString(t, lines[0], `# docsnap-archive{"version":1,"created":"2026-10-19T10:00:00Z","source":"test"}`)
	assert.EqualString(t, lines[1], `# segment{"name":"users"}`)
	assert.EqualString(t, lines[2], `{"name":"Joonas","age":37}`)
	assert.EqualString(t, lines[3], `# end{"name":"users","count":1}`)
	assert.Assert(t, strings.HasPrefix(lines[4], `# eof{"segments":1,"documents":1,"sha256":"`))
	assert.EqualString(t, lines[5], "")
	assert.Assert(t, len(lines) == 6)
}

func TestRoundTrip(t *testing.T) {
	archive := writeArchive(t,
		testSegment{"users", []string{`{"_id":1}`, `{"_id":2,"tags":["a","b"]}`}},
		testSegment{"empty", nil},
		testSegment{"# tricky\nname", []string{`{"text":"line1\nline2"}`}})

	summary, err := readArchive(archive)
	assert.Assert(t, err == nil)
	assert.EqualString(t, summary, `users: {"_id":1} {"_id":2,"tags":["a","b"]} | empty:  | # tricky
name: {"text":"line1\nline2"}`)
}

func TestEmptyArchive(t *testing.T) {
	archive := writeArchive(t)

	r, err := NewReader(strings.NewReader(archive))
	assert.Assert(t, err == nil)
	assert.EqualString(t, r.Header().Source, "test")
	assert.Assert(t, r.Header().Created.Equal(testCreated))

	_, err = r.NextSegment()
	assert.Assert(t, err == io.EOF)

	// stays at EOF
	_, err = r.NextSegment()
	assert.Assert(t, err == io.EOF)
}

func TestUnreadDocumentsAreSkipped(t *testing.T) {
	archive := writeArchive(t,
		testSegment{"first", []string{`{"a":1}`, `{"a":2}`}},
		testSegment{"second", []string{`{"b":1}`}})

	r, err := NewReader(strings.NewReader(archive))
	assert.Assert(t, err == nil)

	first, err := r.NextSegment()
	assert.Assert(t, err == nil)
	assert.EqualString(t, first.Name, "first")

	second, err := r.NextSegment()
	assert.Assert(t, err == nil)
	assert.EqualString(t, second.Name, "second")

	doc, err := second.Next()
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(doc), `{"b":1}`)

	_, err = r.NextSegment()
	assert.Assert(t, err == io.EOF)
}

func TestWriterValidation(t *testing.T) {
	w, err := NewWriter(io.Discard, Header{})
	assert.Assert(t, err == nil)

	assert.Assert(t, w.WriteDocument(snaptypes.Document(`{}`)) == errNotInSegment)

	assert.Assert(t, errors.Is(w.BeginSegment(""), snaptypes.ErrValidation))

	assert.Assert(t, w.BeginSegment("users") == nil)
	assert.Assert(t, w.BeginSegment("other") == errAlreadyInSegment)

	assert.Assert(t, errors.Is(w.WriteDocument(snaptypes.Document(`[1,2]`)), snaptypes.ErrValidation))
	assert.Assert(t, errors.Is(w.WriteDocument(snaptypes.Document(`{"broken`)), snaptypes.ErrValidation))

	_, err = w.Close()
	assert.EqualString(t, err.Error(), "segment users not ended")

	_, err = w.EndSegment()
	assert.Assert(t, err == nil)

	err = w.BeginSegment("users")
	assert.EqualString(t, err.Error(), "validation: duplicate segment name: users")

	_, err = w.Close()
	assert.Assert(t, err == nil)

	_, err = w.Close()
	assert.Assert(t, err == errWriterClosed)
}

func TestCorruption(t *testing.T) {
	valid := writeArchive(t,
		testSegment{"users", []string{`{"_id":1}`, `{"_id":2}`}},
		testSegment{"orders", []string{`{"_id":3}`}})

	lines := strings.Split(valid, "\n")

	for _, tc := range []struct {
		name          string
		archive       string
		expectedError string
	}{
		{
			"empty",
			"",
			"corrupt archive: archive is empty",
		},
		{
			"garbage",
			"hello world",
			"corrupt archive: archive starts with unexpected byte 'h'",
		},
		{
			"truncated inside segment",
			strings.Join(lines[0:3], "\n") + "\n",
			"corrupt archive: archive truncated inside segment users",
		},
		{
			"trailer missing",
			strings.Join(lines[0:8], "\n") + "\n",
			"corrupt archive: archive truncated: eof trailer missing",
		},
		{
			"document tampered",
			strings.Replace(valid, `{"_id":3}`, `{"_id":4}`, 1),
			"corrupt archive: digest mismatch",
		},
		{
			"document not JSON",
			strings.Replace(valid, `{"_id":2}`, `{"_id":`, 1),
			"corrupt archive: segment users: document #2 is not valid JSON",
		},
		{
			"content after trailer",
			valid + `{"_id":5}` + "\n",
			"corrupt archive: content after eof trailer",
		},
		{
			"segment closed by wrong end",
			strings.Replace(valid, `# end{"name":"users"`, `# end{"name":"orders"`, 1),
			"corrupt archive: segment users closed by end of orders",
		},
		{
			"unknown control line",
			strings.Replace(valid, `# segment{"name":"orders"}`, `# chapter{"name":"orders"}`, 1),
			"corrupt archive: expecting segment or eof; got chapter",
		},
		{
			"duplicate segment",
			strings.Replace(valid, `"orders"`, `"users"`, -1),
			"corrupt archive: duplicate segment users",
		},
		{
			"unsupported version",
			strings.Replace(valid, `"version":1`, `"version":2`, 1),
			"corrupt archive: unsupported archive version 2",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := readArchive(tc.archive)
			assert.Assert(t, err != nil)
			assert.Assert(t, errors.Is(err, snaptypes.ErrCorruptArchive))
			assert.Assert(t, strings.HasPrefix(err.Error(), tc.expectedError))
		})
	}
}

func TestTamperedCountIsVisibleToCaller(t *testing.T) {
	valid := writeArchive(t, testSegment{"users", []string{`{"_id":1}`, `{"_id":2}`}})

	r, err := NewReader(strings.NewReader(strings.Replace(valid, `"count":2`, `"count":3`, 1)))
	assert.Assert(t, err == nil)

	seg, err := r.NextSegment()
	assert.Assert(t, err == nil)

	for {
		if _, err := seg.Next(); err != nil {
			assert.Assert(t, err == io.EOF)
			break
		}
	}

	declared, has := seg.DeclaredCount()
	assert.Assert(t, has)
	assert.Assert(t, declared == 3)
	assert.Assert(t, seg.Observed() == 2)

	// the digest catches it at the end as well
	_, err = r.NextSegment()
	assert.Assert(t, errors.Is(err, snaptypes.ErrCorruptArchive))
}

func TestUnderlyingReadErrorIsPassedThrough(t *testing.T) {
	valid := writeArchive(t, testSegment{"users", []string{`{"_id":1}`}})

	failing := io.MultiReader(strings.NewReader(valid[0:60]), &failingReader{io.ErrClosedPipe})

	_, err := readArchiveFrom(failing)
	assert.Assert(t, errors.Is(err, io.ErrClosedPipe))
	assert.Assert(t, !errors.Is(err, snaptypes.ErrCorruptArchive))
}

func TestLegacyArchive(t *testing.T) {
	summary, err := readArchive(`
		{
			"users": [{"_id": "5f1d7f3e", "name": "Joonas"}, {"_id": "5f1d7f3f"}],
			"empty": [],
			"logs": [{"msg": "hello"}]
		}
	`)
	assert.Assert(t, err == nil)
	assert.EqualString(t, summary, `users: {"_id": "5f1d7f3e", "name": "Joonas"} {"_id": "5f1d7f3f"} | empty:  | logs: {"msg": "hello"}`)
}

func TestLegacyArchiveCorruption(t *testing.T) {
	for _, tc := range []struct {
		name          string
		archive       string
		expectedError string
	}{
		{"truncated", `{"users": [{"_id": 1}`, "corrupt archive: legacy archive truncated"},
		{"not array", `{"users": {"_id": 1}}`, "corrupt archive: legacy archive: expecting ["},
		{"not object doc", `{"users": [1, 2]}`, "corrupt archive: legacy archive: document is not a JSON object"},
		{"duplicate", `{"users": [], "users": []}`, "corrupt archive: duplicate segment users"},
		{"trailing", `{"users": []} {}`, "corrupt archive: legacy archive: content after top-level object"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := readArchive(tc.archive)
			assert.Assert(t, errors.Is(err, snaptypes.ErrCorruptArchive))
			assert.Assert(t, strings.HasPrefix(err.Error(), tc.expectedError))
		})
	}
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}
