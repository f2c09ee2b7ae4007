// Keeps snapshots in Google Drive, authenticated as a service account. Share the backup folder
// with the service account's email address.
package googledriveobjectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"

	// resumable upload in chunks of this size, so memory use is bounded regardless of archive size
	uploadChunkSize = 8 * 1024 * 1024

	// uploads are created under a temporary name and renamed once complete
	partialMarker = ".partial-"

	fileFields = "id, name, mimeType, createdTime, size, parents"
)

type googledrive struct {
	srv  *drive.Service
	logl *logex.Leveled
}

var _ objectstore.Store = (*googledrive)(nil)

// "credentialsJSON" is the service account key file downloaded from Google Cloud console
func New(ctx context.Context, credentialsJSON []byte, logger *log.Logger) (*googledrive, error) {
	jwtConf, err := google.JWTConfigFromJSON(credentialsJSON, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("googledrive: service account credentials: %w", err)
	}

	// token refreshes happen long after "ctx" (usually a startup ctx) is gone
	srv, err := drive.NewService(ctx, option.WithHTTPClient(jwtConf.Client(context.Background())))
	if err != nil {
		return nil, fmt.Errorf("googledrive: %w", err)
	}

	return NewWithService(srv, logger), nil
}

func NewWithService(srv *drive.Service, logger *log.Logger) *googledrive {
	return &googledrive{
		srv:  srv,
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

func (g *googledrive) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	parents := []string{}
	if containerID != "" {
		parents = append(parents, containerID)
	}

	// Drive happily accepts many files with the same name, so an upload that dies half-way
	// must not be visible under the final name
	tempName := name + partialMarker + uuid.New().String()

	file, err := g.srv.Files.Create(&drive.File{
		Name:     tempName,
		Parents:  parents,
		MimeType: objectstore.ArchiveContentType,
	}).Media(
		content,
		googleapi.ContentType(objectstore.ArchiveContentType),
		googleapi.ChunkSize(uploadChunkSize),
	).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		// resumable uploads only materialize a file when they complete, but be sure
		g.cleanupPartial(tempName)

		return nil, fmt.Errorf("googledrive Create: %w", classifyError(err))
	}

	renamed, err := g.srv.Files.Update(file.Id, &drive.File{
		Name: name,
	}).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		g.deleteWithFreshCtx(file.Id)

		return nil, fmt.Errorf("googledrive rename: %w", classifyError(err))
	}

	info := toObjectInfo(renamed)
	return &info, nil
}

func (g *googledrive) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	res, err := g.srv.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("googledrive Get: %w", classifyError(err))
	}

	return res.Body, nil
}

func (g *googledrive) Delete(ctx context.Context, id string) error {
	if err := g.srv.Files.Delete(id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("googledrive Delete: %w", classifyError(err))
	}

	return nil
}

func (g *googledrive) List(ctx context.Context, includeContainers bool, containerID string) ([]snaptypes.ObjectInfo, error) {
	res, err := g.srv.Files.List().PageSize(objectstore.ListLimit).
		Fields("files(" + fileFields + ")").
		Q(listQuery(includeContainers, containerID)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("googledrive List: %w", classifyError(err))
	}

	return lo.FilterMap(res.Files, func(file *drive.File, _ int) (snaptypes.ObjectInfo, bool) {
		return toObjectInfo(file), !strings.Contains(file.Name, partialMarker)
	}), nil
}

func (g *googledrive) EmptyTrash(ctx context.Context) error {
	if err := g.srv.Files.EmptyTrash().Context(ctx).Do(); err != nil {
		return fmt.Errorf("googledrive EmptyTrash: %w", classifyError(err))
	}

	return nil
}

func (g *googledrive) cleanupPartial(tempName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := g.srv.Files.List().PageSize(10).
		Fields("files(id, name)").
		Q(fmt.Sprintf("name = '%s' and trashed = false", escapeQueryValue(tempName))).
		Context(ctx).
		Do()
	if err != nil {
		g.logl.Error.Printf("cleanupPartial: list %s: %v", tempName, err)
		return
	}

	for _, file := range res.Files {
		if err := g.srv.Files.Delete(file.Id).Context(ctx).Do(); err != nil {
			g.logl.Error.Printf("cleanupPartial: delete %s: %v", file.Id, err)
		}
	}
}

// original ctx may be the reason we're cleaning up
func (g *googledrive) deleteWithFreshCtx(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := g.srv.Files.Delete(id).Context(ctx).Do(); err != nil {
		g.logl.Error.Printf("failed to delete partial upload %s: %v", id, err)
	}
}

func listQuery(includeContainers bool, containerID string) string {
	clauses := []string{}

	if !includeContainers {
		clauses = append(clauses, fmt.Sprintf("mimeType != '%s'", folderMimeType))
	}

	clauses = append(clauses, "trashed = false")

	if containerID != "" {
		clauses = append(clauses, fmt.Sprintf("'%s' in parents", escapeQueryValue(containerID)))
	}

	return strings.Join(clauses, " and ")
}

// https://developers.google.com/drive/api/guides/search-files#query_string_examples
func escapeQueryValue(val string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(val)
}

func toObjectInfo(file *drive.File) snaptypes.ObjectInfo {
	kind := snaptypes.ObjectKindFile
	if file.MimeType == folderMimeType {
		kind = snaptypes.ObjectKindContainer
	}

	created, _ := time.Parse(time.RFC3339, file.CreatedTime) // zero if not given

	return snaptypes.ObjectInfo{
		ID:      file.Id,
		Name:    file.Name,
		Kind:    kind,
		Created: created,
		Size:    file.Size,
	}
}

func classifyError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return snaptypes.Wrap(snaptypes.ErrNotFound, err)
		case apiErr.Code == http.StatusForbidden && hasReason(apiErr, "storageQuotaExceeded", "quotaExceeded"):
			return snaptypes.Wrap(snaptypes.ErrQuotaExceeded, err)
		case apiErr.Code == http.StatusForbidden && hasReason(apiErr, "rateLimitExceeded", "userRateLimitExceeded"):
			return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
		default:
			return err
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
	}

	return err
}

func hasReason(apiErr *googleapi.Error, reasons ...string) bool {
	for _, item := range apiErr.Errors {
		if lo.Contains(reasons, item.Reason) {
			return true
		}
	}

	return false
}
