// Self-delimiting, line-oriented archive format for database snapshots.
//
//	# docsnap-archive{"version":1,"created":"2026-10-19T10:00:00Z","source":"mongodb"}
//	# segment{"name":"users"}
//	{"_id":{"$oid":"5f1d7f3e9d1b2c0001a1b2c3"},"name":"Joonas"}
//	# end{"name":"users","count":1}
//	# eof{"segments":1,"documents":1,"sha256":"..."}
//
// One segment per collection, one document per line. Documents are always JSON objects, so a
// data line starts with "{" and a control line with "# ". The eof trailer carries the SHA-256 of
// every byte preceding it, which lets the reader tell a truncated or tampered archive apart from
// a complete one.
package snaparchive

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/function61/docsnap/pkg/snaptypes"
)

const (
	CurrentVersion = 1

	// MongoDB caps BSON documents at 16 MiB, but Extended JSON of binary-heavy documents is larger
	MaxLineLength = 64 * 1024 * 1024
)

type Header struct {
	Version int       `json:"version"`
	Created time.Time `json:"created"`
	Source  string    `json:"source,omitempty"`
}

type Trailer struct {
	Segments  int    `json:"segments"`
	Documents int64  `json:"documents"`
	Sha256    string `json:"sha256"`
}

type segmentStart struct {
	Name string `json:"name"`
}

type segmentEnd struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

const (
	lineHeader  = "docsnap-archive"
	lineSegment = "segment"
	lineEnd     = "end"
	lineEOF     = "eof"
)

func makeControlLine(kind string, details interface{}) string {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		panic(err) // all our control structs are marshalable
	}

	return "# " + kind + string(detailsJSON) + "\n"
}

var controlLineRe = regexp.MustCompile(`^# ([a-z-]+)(\{.*\})$`)

// returns kind and details (JSON)
func parseControlLine(line string) (string, []byte, error) {
	matches := controlLineRe.FindStringSubmatch(line)
	if matches == nil {
		return "", nil, corruptf("unrecognized control line: %.64q", line)
	}

	return matches[1], []byte(matches[2]), nil
}

func corruptf(format string, args ...interface{}) error {
	return snaptypes.Wrap(snaptypes.ErrCorruptArchive, fmt.Errorf(format, args...))
}
