// Types shared by the snapshot engine, its archive format and the storage/database adapters
package snaptypes

import (
	"time"
)

// opaque schemaless record. carried as the bytes of exactly one JSON object. the engine never
// looks inside, only the DocumentSource that produced (or consumes) it knows the dialect
// (MongoDB Extended JSON, plain JSON, ..)
type Document []byte

// returns a copy, because cursors are allowed to reuse their buffers
func DocumentFrom(raw []byte) Document {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp
}

// produced by a successful backup. immutable.
type BackupHandle struct {
	StorageID string    `json:"storage_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	SizeHint  int64     `json:"size_hint,omitempty"` // 0 = unknown
	Sha256    string    `json:"sha256,omitempty"`    // hex
	Segments  int       `json:"segments"`
	Documents int64     `json:"documents"`
}

type RestorePlan struct {
	// drop each archived collection just before re-creating it
	ResetFirst bool `json:"reset_first"`
	// drop every collection the database has before restoring anything
	DropAllFirst bool `json:"drop_all_first"`
}

type ObjectKind string

const (
	ObjectKindFile      ObjectKind = "file"
	ObjectKindContainer ObjectKind = "container"
)

// one entry in object store listing
type ObjectInfo struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Kind    ObjectKind `json:"kind"`
	Created time.Time  `json:"created"`
	Size    int64      `json:"size"` // 0 if not known (containers, some backends)
}

func (o ObjectInfo) IsContainer() bool {
	return o.Kind == ObjectKindContainer
}
