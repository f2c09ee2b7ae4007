package snapengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/function61/docsnap/pkg/snaparchive"
	"github.com/function61/docsnap/pkg/snaptypes"
)

// producer sees this when the store stopped consuming the archive before it was complete
var errUploadEnded = errors.New("upload ended before archive was complete")

// snapshots every collection into one archive object. empty "requestedName" gets a
// timestamp-based default name.
//
// on failure the error is *snaptypes.BackupFailedError and no object is left behind.
func (e *Engine) Backup(ctx context.Context, requestedName string) (*snaptypes.BackupHandle, error) {
	handle, err := e.backup(ctx, requestedName)

	if e.opts.Observer != nil {
		e.opts.Observer.BackupFinished(handle, err)
	}

	return handle, err
}

func (e *Engine) backup(ctx context.Context, requestedName string) (*snaptypes.BackupHandle, error) {
	started := e.opts.Now()
	name := snaptypes.BackupName(requestedName, started)

	collections, err := e.source.ListCollections(ctx)
	if err != nil {
		return nil, &snaptypes.BackupFailedError{Cause: fmt.Errorf("listCollections: %w", err)}
	}

	e.logl.Info.Printf("backing up %d collection(s) to %s", len(collections), name)

	// producer and upload must not outlive each other
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	archiveReader, archiveWriter := io.Pipe()

	type produceResult struct {
		trailer *snaparchive.Trailer
		err     error
	}

	produced := make(chan produceResult, 1)

	go func() {
		trailer, err := e.produceArchive(ctx, archiveWriter, collections, started)

		// nil error = clean io.EOF for the store. otherwise the store's read fails, which
		// aborts the upload.
		archiveWriter.CloseWithError(err)

		produced <- produceResult{trailer, err}
	}()

	obj, createErr := e.store.Create(ctx, name, archiveReader, e.opts.DefaultContainerID)

	// unblocks the producer if the store bailed out early
	archiveReader.CloseWithError(errUploadEnded)

	result := <-produced

	switch {
	case result.err != nil && !errors.Is(result.err, errUploadEnded):
		// collection read (or encode) failed. the store saw the same error and should have
		// aborted, but not all stores can guarantee that
		if obj != nil {
			e.removeLeftover(obj)
		}

		return nil, result.err
	case createErr != nil:
		return nil, &snaptypes.BackupFailedError{Cause: createErr}
	case result.err != nil:
		// store reported success without consuming the whole archive
		e.removeLeftover(obj)

		return nil, result.err
	}

	handle := &snaptypes.BackupHandle{
		StorageID: obj.ID,
		Name:      obj.Name,
		CreatedAt: started,
		SizeHint:  obj.Size,
		Sha256:    result.trailer.Sha256,
		Segments:  result.trailer.Segments,
		Documents: result.trailer.Documents,
	}

	e.logl.Info.Printf(
		"backup %s (%s) done: %d collection(s), %d document(s)",
		handle.Name,
		handle.StorageID,
		handle.Segments,
		handle.Documents)

	return handle, nil
}

// writes the archive into "sink". runs in its own goroutine, the pipe being the only thing
// shared with the upload.
func (e *Engine) produceArchive(
	ctx context.Context,
	sink io.Writer,
	collections []string,
	created time.Time,
) (*snaparchive.Trailer, error) {
	archive, err := snaparchive.NewWriter(sink, snaparchive.Header{
		Created: created.UTC(),
		Source:  e.source.Kind(),
	})
	if err != nil {
		return nil, &snaptypes.BackupFailedError{Cause: err}
	}

	for _, collection := range collections {
		count, err := e.backupCollection(ctx, archive, collection)
		if err != nil {
			return nil, &snaptypes.BackupFailedError{Collection: collection, Cause: err}
		}

		e.logl.Debug.Printf("%s: %d document(s)", collection, count)
	}

	trailer, err := archive.Close()
	if err != nil {
		return nil, &snaptypes.BackupFailedError{Cause: err}
	}

	return trailer, nil
}

func (e *Engine) backupCollection(ctx context.Context, archive *snaparchive.Writer, collection string) (int64, error) {
	cursor, err := e.source.StreamDocuments(ctx, collection)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(context.Background())

	if err := archive.BeginSegment(collection); err != nil {
		return 0, err
	}

	for {
		doc, err := cursor.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}

			return 0, err
		}

		if err := archive.WriteDocument(doc); err != nil {
			return 0, err
		}
	}

	return archive.EndSegment()
}

// best-effort: our ctx might be the reason we're failing
func (e *Engine) removeLeftover(obj *snaptypes.ObjectInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.store.Delete(ctx, obj.ID); err != nil {
		e.logl.Error.Printf("removing partial backup %s (%s): %v", obj.Name, obj.ID, err)
	}
}
