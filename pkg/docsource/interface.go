// Interface for writing adapters for the databases that are snapshotted
package docsource

import (
	"context"

	"github.com/function61/docsnap/pkg/snaptypes"
)

// forward-only, not restartable
type Cursor interface {
	// returns io.EOF after the last document
	Next(ctx context.Context) (snaptypes.Document, error)
	Close(ctx context.Context) error
}

type Source interface {
	// order is arbitrary. internal/system collections are not included.
	ListCollections(ctx context.Context) ([]string, error)

	StreamDocuments(ctx context.Context, collection string) (Cursor, error)

	// errors: snaptypes.ErrAlreadyExists, snaptypes.ErrConnectivity
	CreateCollection(ctx context.Context, collection string) error

	// errors: snaptypes.ErrNotFound, snaptypes.ErrConnectivity
	DropCollection(ctx context.Context, collection string) error

	// returns number of documents inserted, which is also meaningful with an error (documents
	// before the failing one may have been inserted)
	// errors: snaptypes.ErrValidation, snaptypes.ErrConnectivity
	InsertBatch(ctx context.Context, collection string, docs []snaptypes.Document) (int, error)

	// short name of the database kind ("mongodb", ..), recorded in archive headers
	Kind() string

	Close(ctx context.Context) error
}
