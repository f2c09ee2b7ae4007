// Keeps snapshots in Google Cloud Storage
package gcsobjectstore

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const partialMarker = ".partial-"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

type Config struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"` // "" or "path/"
	// service account key. empty = application default credentials
	CredentialsJSON string `json:"credentials_json,omitempty"`
}

type gcsStore struct {
	bucket *gcs.BucketHandle
	prefix string
	logl   *logex.Leveled
}

var _ objectstore.Store = (*gcsStore)(nil)

func New(ctx context.Context, conf Config, logger *log.Logger) (*gcsStore, error) {
	if conf.Bucket == "" {
		return nil, errors.New("gcs: bucket not set")
	}
	if conf.Prefix != "" && !strings.HasSuffix(conf.Prefix, "/") {
		return nil, fmt.Errorf("gcs: prefix must end in '/'; got %s", conf.Prefix)
	}

	opts := []option.ClientOption{}
	if conf.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(conf.CredentialsJSON)))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}

	return &gcsStore{
		bucket: client.Bucket(conf.Bucket),
		prefix: conf.Prefix,
		logl:   logex.Levels(logex.NonNil(logger)),
	}, nil
}

// uploads to a temporary object, then copies to the final name. a failed upload never shows
// up under the final name.
func (g *gcsStore) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("invalid object name: %s", name))
	}

	id := name
	if containerID != "" {
		id = strings.TrimSuffix(containerID, "/") + "/" + name
	}

	tmpObj := g.bucket.Object(g.prefix + id + partialMarker + uuid.New().String())
	obj := g.bucket.Object(g.prefix + id)

	// cancelling the writer's ctx is the only way to abort an upload
	uploadCtx, cancelUpload := context.WithCancel(ctx)
	defer cancelUpload()

	w := tmpObj.NewWriter(uploadCtx)
	w.ContentType = objectstore.ArchiveContentType
	// upload along the way instead of buffering the whole thing
	w.ChunkSize = 8 * 1024 * 1024

	localCrc := crc32.New(castagnoliTable)

	if _, err := io.Copy(io.MultiWriter(w, localCrc), content); err != nil {
		cancelUpload()
		_ = w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gcs upload: %w", classifyError(err))
	}

	defer g.deleteWithFreshCtx(tmpObj)

	if gcsCrc := w.Attrs().CRC32C; gcsCrc != localCrc.Sum32() {
		return nil, snaptypes.Wrap(snaptypes.ErrConnectivity, fmt.Errorf(
			"gcs upload: CRC32C mismatch (local %d, gcs %d)",
			localCrc.Sum32(),
			gcsCrc))
	}

	copier := obj.CopierFrom(tmpObj)
	copier.ContentType = objectstore.ArchiveContentType

	attrs, err := copier.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs copy: %w", classifyError(err))
	}

	info := g.toObjectInfo(attrs)
	return &info, nil
}

func (g *gcsStore) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	reader, err := g.bucket.Object(g.prefix + id).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read: %w", classifyError(err))
	}

	return reader, nil
}

func (g *gcsStore) Delete(ctx context.Context, id string) error {
	if err := g.bucket.Object(g.prefix + id).Delete(ctx); err != nil {
		return fmt.Errorf("gcs delete: %w", classifyError(err))
	}

	return nil
}

func (g *gcsStore) List(ctx context.Context, includeContainers bool, containerID string) ([]snaptypes.ObjectInfo, error) {
	// direct children only, like a Drive folder
	query := &gcs.Query{Prefix: g.prefix, Delimiter: "/"}
	if containerID != "" {
		query.Prefix = g.prefix + strings.TrimSuffix(containerID, "/") + "/"
	}

	infos := []snaptypes.ObjectInfo{}

	it := g.bucket.Objects(ctx, query)
	for len(infos) < objectstore.ListLimit {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list: %w", classifyError(err))
		}

		if attrs.Prefix != "" { // synthetic "directory" entry
			if !includeContainers {
				continue
			}

			id := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, g.prefix), "/")

			infos = append(infos, snaptypes.ObjectInfo{
				ID:   id,
				Name: id[strings.LastIndex(id, "/")+1:],
				Kind: snaptypes.ObjectKindContainer,
			})
			continue
		}

		if strings.Contains(attrs.Name, partialMarker) {
			continue
		}

		infos = append(infos, g.toObjectInfo(attrs))
	}

	return infos, nil
}

// GCS has no trash (soft delete / object versioning is bucket policy)
func (g *gcsStore) EmptyTrash(ctx context.Context) error {
	return nil
}

func (g *gcsStore) deleteWithFreshCtx(obj *gcs.ObjectHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := obj.Delete(ctx); err != nil && err != gcs.ErrObjectNotExist {
		g.logl.Error.Printf("failed to delete temporary object %s: %v", obj.ObjectName(), err)
	}
}

func (g *gcsStore) toObjectInfo(attrs *gcs.ObjectAttrs) snaptypes.ObjectInfo {
	id := strings.TrimPrefix(attrs.Name, g.prefix)

	return snaptypes.ObjectInfo{
		ID:      id,
		Name:    id[strings.LastIndex(id, "/")+1:],
		Kind:    snaptypes.ObjectKindFile,
		Created: attrs.Created,
		Size:    attrs.Size,
	}
}

func classifyError(err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return snaptypes.Wrap(snaptypes.ErrNotFound, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return snaptypes.Wrap(snaptypes.ErrNotFound, err)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
		}
	}

	return err
}
