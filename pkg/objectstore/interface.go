// Interface for writing object store adapters that snapshots are kept in
package objectstore

import (
	"context"
	"io"

	"github.com/function61/docsnap/pkg/snaptypes"
)

// listings are a single page of at most this many entries
const ListLimit = 1000

// MIME type that archives are stored with
const ArchiveContentType = "application/json"

type Store interface {
	// consumes "content" until io.EOF. if reading "content" fails the upload is aborted and no
	// object must become visible under "name". containerID is a backend-specific parent
	// (folder ID, key prefix) and may be empty.
	// errors: snaptypes.ErrConnectivity, snaptypes.ErrQuotaExceeded
	Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error)

	// the returned stream is lazy: bytes are fetched as they are read
	// errors: snaptypes.ErrNotFound, snaptypes.ErrConnectivity
	Read(ctx context.Context, id string) (io.ReadCloser, error)

	// errors: snaptypes.ErrNotFound
	Delete(ctx context.Context, id string) error

	// containerID scopes the listing when the backend supports it (empty = everything visible)
	List(ctx context.Context, includeContainers bool, containerID string) ([]snaptypes.ObjectInfo, error)

	// permanently purges soft-deleted objects. no-op for backends without a trash.
	EmptyTrash(ctx context.Context) error
}
