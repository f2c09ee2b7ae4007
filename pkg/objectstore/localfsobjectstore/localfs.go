// Keeps snapshots as files in a local directory (or a mounted network share)
package localfsobjectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
)

// deleted files are moved here, EmptyTrash() purges it
const trashDirName = ".trash"

// atomicfilewrite's in-progress files
const partialSuffix = ".part"

func New(path string, logger *log.Logger) *localFs {
	return &localFs{
		path: path,
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

type localFs struct {
	path string
	logl *logex.Leveled
}

var _ objectstore.Store = (*localFs)(nil)

// IDs are slash-separated paths relative to the root, containerID is a subdirectory
func (l *localFs) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	id := name
	if containerID != "" {
		id = containerID + "/" + name
	}

	filename, err := l.resolve(id)
	if err != nil {
		return nil, err
	}

	// does not error if already exists
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, snaptypes.Wrap(snaptypes.ErrConnectivity, err)
	}

	// temp file + rename so an aborted write never shows up under the final name
	if err := atomicfilewrite.Write(filename, func(writer io.Writer) error {
		_, err := io.Copy(writer, &ctxReader{ctx, content})
		return err
	}); err != nil {
		return nil, err
	}

	info, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}

	objInfo := toObjectInfo(id, info)
	return &objInfo, nil
}

func (l *localFs) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	filename, err := l.resolve(id)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, snaptypes.Wrap(snaptypes.ErrNotFound, err)
		}
		return nil, err
	}

	return file, nil
}

func (l *localFs) Delete(ctx context.Context, id string) error {
	filename, err := l.resolve(id)
	if err != nil {
		return err
	}

	exists, err := fileexists.Exists(filename)
	if err != nil {
		return err
	}
	if !exists {
		return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("%s", id))
	}

	trashDir := filepath.Join(l.path, trashDirName)

	if err := os.MkdirAll(trashDir, 0755); err != nil {
		return err
	}

	// flattened + timestamped so same name can be trashed many times
	trashName := strings.ReplaceAll(id, "/", "_") + "." + strconv.FormatInt(time.Now().UnixNano(), 10)

	return os.Rename(filename, filepath.Join(trashDir, trashName))
}

func (l *localFs) List(ctx context.Context, includeContainers bool, containerID string) ([]snaptypes.ObjectInfo, error) {
	root := l.path
	if containerID != "" {
		var err error
		root, err = l.resolve(containerID)
		if err != nil {
			return nil, err
		}
	}

	infos := []snaptypes.ObjectInfo{}

	errLimitReached := errors.New("limit reached")

	if err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == root {
			return nil
		}

		// only direct children, like a Drive folder listing. also keeps us from listing
		// a folder's content after the folder itself, which would confuse DeleteAll.
		descend := error(nil)
		if entry.IsDir() {
			descend = filepath.SkipDir

			if entry.Name() == trashDirName || !includeContainers {
				return descend
			}
		} else if strings.HasSuffix(entry.Name(), partialSuffix) {
			return nil // write in progress
		}

		rel, err := filepath.Rel(l.path, path)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		infos = append(infos, toObjectInfo(filepath.ToSlash(rel), info))

		if len(infos) >= objectstore.ListLimit {
			return errLimitReached
		}

		return descend
	}); err != nil && err != errLimitReached {
		if os.IsNotExist(err) {
			return nil, snaptypes.Wrap(snaptypes.ErrNotFound, err)
		}
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos, nil
}

func (l *localFs) EmptyTrash(ctx context.Context) error {
	trashDir := filepath.Join(l.path, trashDirName)

	entries, err := os.ReadDir(trashDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing ever deleted
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(trashDir, entry.Name())); err != nil {
			return err
		}
	}

	l.logl.Debug.Printf("purged %d file(s) from trash", len(entries))

	return nil
}

// maps ID to a path inside our root. IDs come from outside, so don't let them escape.
func (l *localFs) resolve(id string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(id))

	if id == "" || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("invalid ID: %s", id))
	}

	if cleaned == trashDirName || strings.HasPrefix(cleaned, trashDirName+string(filepath.Separator)) {
		return "", snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("%s is in trash", id))
	}

	return filepath.Join(l.path, cleaned), nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasSuffix(name, partialSuffix) {
		return snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("invalid object name: %s", name))
	}

	return nil
}

func toObjectInfo(id string, info os.FileInfo) snaptypes.ObjectInfo {
	// https://unix.stackexchange.com/questions/2802/what-is-the-difference-between-modify-and-change-in-stat-command-context
	allTimes := times.Get(info)

	maybeCreationTime := info.ModTime()
	if allTimes.HasBirthTime() {
		maybeCreationTime = allTimes.BirthTime()
	}

	kind := snaptypes.ObjectKindFile
	size := info.Size()
	if info.IsDir() {
		kind = snaptypes.ObjectKindContainer
		size = 0
	}

	return snaptypes.ObjectInfo{
		ID:      id,
		Name:    info.Name(),
		Kind:    kind,
		Created: maybeCreationTime,
		Size:    size,
	}
}

// makes a long io.Copy() interruptible
type ctxReader struct {
	ctx context.Context
	io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.Reader.Read(p)
}
