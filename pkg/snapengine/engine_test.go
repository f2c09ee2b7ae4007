package snapengine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/function61/docsnap/pkg/docsource"
	"github.com/function61/docsnap/pkg/docsource/memdocsource"
	"github.com/function61/docsnap/pkg/objectstore/memobjectstore"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/assert"
	"github.com/minio/sha256-simd"
)

var t0 = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newTestEngine(store *memobjectstore.Store, source *memdocsource.Source) *Engine {
	return New(store, source, Options{
		Now: func() time.Time { return t0 },
	}, nil)
}

func seededSource() *memdocsource.Source {
	source := memdocsource.New()
	source.Seed("users", `{"_id":1,"name":"Alice"}`, `{"_id":2,"name":"Bob"}`)
	source.Seed("orders", `{"_id":"o1","items":[1,2,3]}`)
	source.Seed("empty")
	return source
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()
	source := seededSource()

	handle, err := newTestEngine(store, source).Backup(ctx, "")
	assert.Assert(t, err == nil)
	assert.EqualString(t, handle.Name, "2026-10-19T10:00:00.000Z-backup.json")
	assert.Assert(t, handle.Segments == 3)
	assert.Assert(t, handle.Documents == 3)
	assert.Assert(t, handle.SizeHint > 0)
	assert.Assert(t, len(handle.Sha256) == 64)
	assert.Assert(t, handle.CreatedAt.Equal(t0))

	target := memdocsource.New()

	report, err := newTestEngine(store, target).Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
	assert.Assert(t, err == nil)
	assert.Assert(t, report.State == RestoreDone)
	assert.Assert(t, !report.Legacy)
	assert.Assert(t, report.Documents == 3)
	assert.Assert(t, len(report.Segments) == 3)

	assert.EqualString(t, dump(target), dump(source))
}

func TestStoredArchiveFormat(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()
	source := memdocsource.New()
	source.Seed("users", `{ "_id": 1,  "name": "Alice" }`)

	handle, err := newTestEngine(store, source).Backup(ctx, "users")
	assert.Assert(t, err == nil)

	lines := strings.Split(readObject(t, store, handle.StorageID), "\n")

	assert.EqualString(t, strings.Join(lines[0:4], "\n"), `# docsnap-archive{"version":1,"created":"2026-10-19T10:00:00Z","source":"memory"}
# segment{"name":"users"}
{"_id":1,"name":"Alice"}
# end{"name":"users","count":1}`)
	assert.EqualString(t, lines[4], `# eof{"segments":1,"documents":1,"sha256":"`+handle.Sha256+`"}`)
}

func TestEmptyDatabase(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()

	handle, err := newTestEngine(store, memdocsource.New()).Backup(ctx, "nothing")
	assert.Assert(t, err == nil)
	assert.Assert(t, handle.Segments == 0)
	assert.Assert(t, handle.Documents == 0)

	target := seededSource()

	report, err := newTestEngine(store, target).Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
	assert.Assert(t, err == nil)
	assert.Assert(t, report.State == RestoreDone)
	assert.Assert(t, len(report.Segments) == 0)

	// no-op
	assert.EqualString(t, dump(target), dump(seededSource()))
	assert.Assert(t, len(target.Dropped) == 0)
}

func TestRestoreWithResetIsIdempotent(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()

	handle, err := newTestEngine(store, seededSource()).Backup(ctx, "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()
	engine := newTestEngine(store, target)

	_, err = engine.Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
	assert.Assert(t, err == nil)
	afterFirst := dump(target)

	_, err = engine.Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
	assert.Assert(t, err == nil)

	assert.EqualString(t, dump(target), afterFirst)
	assert.EqualString(t, strings.Join(target.Dropped, ","), "empty,orders,users")
}

func TestRestoreWithoutResetMerges(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()

	handle, err := newTestEngine(store, seededSource()).Backup(ctx, "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()
	target.Seed("users", `{"_id":9,"name":"Existing"}`)
	target.Seed("unrelated", `{"_id":1}`)

	_, err = newTestEngine(store, target).Restore(ctx, handle.StorageID, snaptypes.RestorePlan{})
	assert.Assert(t, err == nil)

	assert.EqualString(t, dump(target), `empty:
orders: {"_id":"o1","items":[1,2,3]}
unrelated: {"_id":1}
users: {"_id":9,"name":"Existing"} {"_id":1,"name":"Alice"} {"_id":2,"name":"Bob"}`)
	assert.Assert(t, len(target.Dropped) == 0)
}

func TestRestoreDropAllFirst(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()

	handle, err := newTestEngine(store, seededSource()).Backup(ctx, "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()
	target.Seed("stale", `{"_id":1}`)

	_, err = newTestEngine(store, target).Restore(ctx, handle.StorageID, snaptypes.RestorePlan{DropAllFirst: true})
	assert.Assert(t, err == nil)

	assert.EqualString(t, dump(target), dump(seededSource()))
	assert.EqualString(t, strings.Join(target.Dropped, ","), "stale")
}

func TestRestoreStopsAtFailingSegment(t *testing.T) {
	ctx := context.Background()

	source := memdocsource.New()
	source.Seed("a", `{"_id":1}`)
	source.Seed("b", `{"_id":2}`)
	source.Seed("c", `{"_id":3}`)

	store := memobjectstore.New()

	handle, err := newTestEngine(store, source).Backup(ctx, "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()
	target.FailInsert["b"] = snaptypes.Wrap(snaptypes.ErrValidation, errors.New("document failed validation"))

	report, err := newTestEngine(store, target).Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
	assert.EqualString(t, err.Error(), "restore failed while applying segment b: validation: document failed validation")
	assert.Assert(t, errors.Is(err, snaptypes.ErrValidation))

	var restoreFailed *snaptypes.RestoreFailedError
	assert.Assert(t, errors.As(err, &restoreFailed))
	assert.EqualString(t, restoreFailed.Segment, "b")

	assert.Assert(t, report.State == RestoreFailed)
	assert.Assert(t, len(report.Segments) == 2)

	assert.EqualString(t, dump(target), `a: {"_id":1}
b:`)
	assert.Assert(t, target.InsertAttempts["c"] == 0)
}

func TestRestoreMissingArchive(t *testing.T) {
	report, err := newTestEngine(memobjectstore.New(), memdocsource.New()).Restore(
		context.Background(),
		"obj-404",
		snaptypes.RestorePlan{ResetFirst: true})

	assert.EqualString(t, err.Error(), "restore failed while fetching: not found: object obj-404")
	assert.Assert(t, errors.Is(err, snaptypes.ErrNotFound))
	assert.Assert(t, report.State == RestoreFailed)
}

func TestRestoreCorruptArchive(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()

	source := memdocsource.New()
	source.Seed("a", `{"_id":1}`)
	source.Seed("b", `{"_id":2}`, `{"_id":3}`)

	handle, err := newTestEngine(store, source).Backup(ctx, "")
	assert.Assert(t, err == nil)

	archive := readObject(t, store, handle.StorageID)

	truncateAfter := func(marker string) []byte {
		idx := strings.Index(archive, marker)
		assert.Assert(t, idx != -1)
		return []byte(archive[:idx+len(marker)])
	}

	for _, tc := range []struct {
		name          string
		content       []byte
		expectedError string
		expectedDump  string
	}{
		{
			"truncated inside second segment",
			truncateAfter(`{"_id":2}` + "\n"),
			"restore failed while parsing segment b: corrupt archive: archive truncated inside segment b",
			"",
		},
		{
			"trailer missing",
			truncateAfter(`# end{"name":"b","count":2}` + "\n"),
			"restore failed while parsing: corrupt archive: archive truncated: eof trailer missing",
			"",
		},
		{
			"garbage",
			[]byte("hello"),
			"restore failed while fetching: corrupt archive: archive starts with unexpected byte 'h'",
			"",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store.Replace(handle.StorageID, tc.content)

			target := memdocsource.New()

			_, err := newTestEngine(store, target).Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
			assert.Assert(t, errors.Is(err, snaptypes.ErrCorruptArchive))
			assert.EqualString(t, err.Error(), tc.expectedError)
			assert.EqualString(t, dump(target), tc.expectedDump)
		})
	}
}

func TestRestoreAppliesNothingFromCorruptSegment(t *testing.T) {
	ctx := context.Background()

	source := memdocsource.New()
	source.Seed("a", `{"_id":1}`, `{"_id":2}`, `{"_id":3}`)

	store := memobjectstore.New()

	handle, err := newTestEngine(store, source).Backup(ctx, "")
	assert.Assert(t, err == nil)

	store.Replace(handle.StorageID, []byte(strings.Replace(
		readObject(t, store, handle.StorageID),
		`{"_id":3}`,
		`{"_id":3`,
		1)))

	target := memdocsource.New()
	target.Seed("a", `{"_id":"existing"}`)

	// batch size 1 would flush the first documents before the third one is parsed
	engine := New(store, target, Options{BatchSize: 1}, nil)

	report, err := engine.Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true, DropAllFirst: true})
	assert.EqualString(t, err.Error(), "restore failed while parsing segment a: corrupt archive: segment a: document #3 is not valid JSON")
	assert.Assert(t, errors.Is(err, snaptypes.ErrCorruptArchive))
	assert.Assert(t, report.State == RestoreFailed)
	assert.Assert(t, len(report.Segments) == 0)

	// database untouched
	assert.EqualString(t, dump(target), `a: {"_id":"existing"}`)
	assert.Assert(t, len(target.Dropped) == 0)
	assert.Assert(t, target.InsertAttempts["a"] == 0)
}

func TestRestoreRejectsArchiveDisagreeingWithItself(t *testing.T) {
	body := `# docsnap-archive{"version":1,"created":"2026-10-19T10:00:00Z","source":"memory"}
# segment{"name":"a"}
{"_id":1}
# end{"name":"a","count":2}
`
	digest := sha256.Sum256([]byte(body))

	archive := body + `# eof{"segments":1,"documents":1,"sha256":"` + hex.EncodeToString(digest[:]) + `"}` + "\n"

	store := memobjectstore.New()
	obj, err := store.Create(context.Background(), "handmade.json", strings.NewReader(archive), "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()

	report, err := newTestEngine(store, target).Restore(context.Background(), obj.ID, snaptypes.RestorePlan{ResetFirst: true})
	assert.EqualString(t, err.Error(), "restore failed while parsing: segment count mismatch: a (declared 2, observed 1)")
	assert.Assert(t, errors.Is(err, snaptypes.ErrSegmentCountMismatch))
	assert.Assert(t, report.State == RestoreFailed)
	assert.EqualString(t, dump(target), "")
}

func TestRestoreCountMismatchAppliesRemainingSegments(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()

	handle, err := newTestEngine(store, seededSource()).Backup(ctx, "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()
	target.SkipInserts["orders"] = 1 // database silently drops a document

	report, err := newTestEngine(store, target).Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
	assert.Assert(t, errors.Is(err, snaptypes.ErrSegmentCountMismatch))
	assert.EqualString(t, err.Error(), "segment count mismatch: orders (declared 1, observed 0)")

	assert.Assert(t, report.State == RestoreDone)
	assert.Assert(t, len(report.Segments) == 3)
	assert.Assert(t, report.Segments[1].Declared == 1)
	assert.Assert(t, report.Segments[1].Inserted == 0)

	// segment after the mismatching one still got restored
	assert.Assert(t, len(target.Dump()["users"]) == 2)
}

func TestRestoreInsertsInBatches(t *testing.T) {
	ctx := context.Background()

	source := memdocsource.New()
	for i := 0; i < 5; i++ {
		source.Seed("numbers", fmt.Sprintf(`{"n":%d}`, i))
	}

	store := memobjectstore.New()

	handle, err := newTestEngine(store, source).Backup(ctx, "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()

	engine := New(store, target, Options{BatchSize: 2}, nil)

	_, err = engine.Restore(ctx, handle.StorageID, snaptypes.RestorePlan{})
	assert.Assert(t, err == nil)

	assert.Assert(t, target.InsertAttempts["numbers"] == 3)
	assert.EqualString(t, dump(target), dump(source))
}

func TestRestoreLegacyArchive(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()

	obj, err := store.Create(ctx, "old.json", strings.NewReader(`{
	"users": [{"_id":1,"name":"Alice"}, {"_id":2}],
	"empty": []
}`), "")
	assert.Assert(t, err == nil)

	target := memdocsource.New()

	report, err := newTestEngine(store, target).Restore(ctx, obj.ID, snaptypes.RestorePlan{ResetFirst: true})
	assert.Assert(t, err == nil)
	assert.Assert(t, report.Legacy)
	assert.Assert(t, report.Segments[0].Declared == -1)

	assert.EqualString(t, dump(target), `empty:
users: {"_id":1,"name":"Alice"} {"_id":2}`)
}

func TestBackupNaming(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()
	engine := newTestEngine(store, seededSource())

	for _, tc := range []struct {
		requested string
		expected  string
	}{
		{"mydump", "mydump.json"},
		{"mydump.ndjson", "mydump.ndjson"},
		{"", "2026-10-19T10:00:00.000Z-backup.json"},
	} {
		tc := tc
		t.Run(tc.requested, func(t *testing.T) {
			handle, err := engine.Backup(ctx, tc.requested)
			assert.Assert(t, err == nil)
			assert.EqualString(t, handle.Name, tc.expected)
		})
	}
}

func TestBackupCollectionReadFails(t *testing.T) {
	store := memobjectstore.New()

	source := seededSource()
	source.FailStream["users"] = snaptypes.Wrap(snaptypes.ErrConnectivity, io.ErrUnexpectedEOF)

	handle, err := newTestEngine(store, source).Backup(context.Background(), "")
	assert.Assert(t, handle == nil)
	assert.EqualString(t, err.Error(), "backup failed at collection users: connectivity: unexpected EOF")
	assert.Assert(t, errors.Is(err, snaptypes.ErrConnectivity))

	var backupFailed *snaptypes.BackupFailedError
	assert.Assert(t, errors.As(err, &backupFailed))
	assert.EqualString(t, backupFailed.Collection, "users")

	// nothing was left behind, not even in trash
	assert.Assert(t, store.Count() == 0)
}

func TestBackupStoreFails(t *testing.T) {
	store := memobjectstore.New()
	store.FailCreate = snaptypes.Wrap(snaptypes.ErrQuotaExceeded, errors.New("storage full"))

	_, err := newTestEngine(store, seededSource()).Backup(context.Background(), "")
	assert.EqualString(t, err.Error(), "backup failed: quota exceeded: storage full")
	assert.Assert(t, errors.Is(err, snaptypes.ErrQuotaExceeded))
}

func TestBackupCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := memobjectstore.New()

	_, err := newTestEngine(store, seededSource()).Backup(ctx, "")
	assert.Assert(t, errors.Is(err, context.Canceled))
	assert.Assert(t, store.Count() == 0)
}

// counts documents handed out by cursors
type countingSource struct {
	*memdocsource.Source
	streamed int64
}

func (c *countingSource) StreamDocuments(ctx context.Context, collection string) (docsource.Cursor, error) {
	cursor, err := c.Source.StreamDocuments(ctx, collection)
	if err != nil {
		return nil, err
	}

	return &countingCursor{cursor, &c.streamed}, nil
}

type countingCursor struct {
	docsource.Cursor
	streamed *int64
}

func (c *countingCursor) Next(ctx context.Context) (snaptypes.Document, error) {
	doc, err := c.Cursor.Next(ctx)
	if err == nil {
		atomic.AddInt64(c.streamed, 1)
	}
	return doc, err
}

// store that inspects the situation after receiving the first chunk of the archive
type firstChunkStore struct {
	*memobjectstore.Store
	afterFirstChunk func()
}

func (f *firstChunkStore) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	firstChunk := make([]byte, 4096)
	n, err := io.ReadFull(content, firstChunk)
	if err != nil {
		return nil, err
	}

	f.afterFirstChunk()

	return f.Store.Create(ctx, name, io.MultiReader(bytes.NewReader(firstChunk[:n]), content), containerID)
}

const bigCollectionSize = 20000

// ~2.5 MB of archive, about ten times the archive writer's buffer
func bigSource() *countingSource {
	docs := []string{}
	for i := 0; i < bigCollectionSize; i++ {
		docs = append(docs, fmt.Sprintf(`{"_id":%d,"padding":"%s"}`, i, strings.Repeat("x", 100)))
	}

	source := memdocsource.New()
	source.Seed("big", docs...)

	return &countingSource{Source: source}
}

func TestBackupStreamsWhileUploading(t *testing.T) {
	source := bigSource()

	streamedWhenUploadStarted := int64(-1)

	store := &firstChunkStore{
		Store: memobjectstore.New(),
		afterFirstChunk: func() {
			// producer is now blocked on the pipe until we read more
			streamedWhenUploadStarted = atomic.LoadInt64(&source.streamed)
		},
	}

	handle, err := New(store, source, Options{}, nil).Backup(context.Background(), "big")
	assert.Assert(t, err == nil)
	assert.Assert(t, handle.Documents == bigCollectionSize)
	assert.Assert(t, handle.SizeHint > 2*1024*1024)

	assert.Assert(t, streamedWhenUploadStarted > 0)
	assert.Assert(t, streamedWhenUploadStarted < bigCollectionSize/4)
	assert.Assert(t, atomic.LoadInt64(&source.streamed) == bigCollectionSize)
}

func TestBackupCancelledMidUpload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := bigSource()

	mem := memobjectstore.New()
	store := &firstChunkStore{
		Store:           mem,
		afterFirstChunk: cancel,
	}

	_, err := New(store, source, Options{}, nil).Backup(ctx, "big")
	assert.Assert(t, errors.Is(err, context.Canceled))

	var backupFailed *snaptypes.BackupFailedError
	assert.Assert(t, errors.As(err, &backupFailed))

	assert.Assert(t, mem.Count() == 0)
	assert.Assert(t, atomic.LoadInt64(&source.streamed) < bigCollectionSize)
}

// store that claims success without reading the whole archive
type lazyStore struct {
	*memobjectstore.Store
}

func (l *lazyStore) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	return l.Store.Create(ctx, name, io.LimitReader(content, 10), containerID)
}

func TestBackupStoreDoesNotConsumeEverything(t *testing.T) {
	mem := memobjectstore.New()

	engine := New(&lazyStore{mem}, seededSource(), Options{}, nil)

	_, err := engine.Backup(context.Background(), "")
	assert.EqualString(t, err.Error(), "backup failed: upload ended before archive was complete")

	listing, err := mem.List(context.Background(), false, "")
	assert.Assert(t, err == nil)
	assert.Assert(t, len(listing) == 0)
}

func TestListAndDeleteAllScopedToContainer(t *testing.T) {
	ctx := context.Background()

	store := memobjectstore.New()
	folder := store.CreateContainer("backups")

	_, err := store.Create(ctx, "outside.json", strings.NewReader("{}"), "")
	assert.Assert(t, err == nil)

	engine := New(store, seededSource(), Options{DefaultContainerID: folder}, nil)

	_, err = engine.Backup(ctx, "one")
	assert.Assert(t, err == nil)
	two, err := engine.Backup(ctx, "two")
	assert.Assert(t, err == nil)

	listing, err := engine.List(ctx, false)
	assert.Assert(t, err == nil)
	assert.EqualString(t, names(listing), "one.json two.json")

	assert.Assert(t, engine.Delete(ctx, two.StorageID) == nil)
	assert.Assert(t, errors.Is(engine.Delete(ctx, two.StorageID), snaptypes.ErrNotFound))

	deleted, err := engine.DeleteAll(ctx, false)
	assert.Assert(t, err == nil)
	assert.Assert(t, deleted == 1)

	// trash was emptied, object outside our folder + the folder itself remain
	assert.Assert(t, store.Count() == 2)

	everything, err := store.List(ctx, true, "")
	assert.Assert(t, err == nil)
	assert.EqualString(t, names(everything), "backups outside.json")
}

// store whose deletes fail for some objects
type stubbornStore struct {
	*memobjectstore.Store
	undeletable string
}

func (s *stubbornStore) Delete(ctx context.Context, id string) error {
	if id == s.undeletable {
		return errors.New("permission denied")
	}
	return s.Store.Delete(ctx, id)
}

func TestDeleteAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()

	mem := memobjectstore.New()
	for _, name := range []string{"a.json", "b.json", "c.json"} {
		_, err := mem.Create(ctx, name, strings.NewReader("{}"), "")
		assert.Assert(t, err == nil)
	}

	listing, err := mem.List(ctx, false, "")
	assert.Assert(t, err == nil)

	engine := New(&stubbornStore{mem, listing[1].ID}, memdocsource.New(), Options{}, nil)

	deleted, err := engine.DeleteAll(ctx, false)
	assert.EqualString(t, err.Error(), "delete b.json: permission denied")
	assert.Assert(t, deleted == 2)

	remaining, err := mem.List(ctx, false, "")
	assert.Assert(t, err == nil)
	assert.EqualString(t, names(remaining), "b.json")
	assert.Assert(t, mem.Count() == 1) // trash got emptied regardless
}

type recordingObserver struct {
	events []string
}

func (r *recordingObserver) BackupFinished(handle *snaptypes.BackupHandle, err error) {
	if err != nil {
		r.events = append(r.events, "backup failed")
		return
	}
	r.events = append(r.events, fmt.Sprintf("backup %d", handle.Documents))
}

func (r *recordingObserver) RestoreFinished(documents int64, err error) {
	r.events = append(r.events, fmt.Sprintf("restore %d err=%v", documents, err != nil))
}

func TestObserver(t *testing.T) {
	ctx := context.Background()

	observer := &recordingObserver{}

	store := memobjectstore.New()
	engine := New(store, seededSource(), Options{Observer: observer}, nil)

	handle, err := engine.Backup(ctx, "")
	assert.Assert(t, err == nil)

	_, err = engine.Restore(ctx, handle.StorageID, snaptypes.RestorePlan{ResetFirst: true})
	assert.Assert(t, err == nil)

	_, err = engine.Restore(ctx, "nonexistent", snaptypes.RestorePlan{})
	assert.Assert(t, err != nil)

	assert.EqualString(t, strings.Join(observer.events, ", "), "backup 3, restore 3 err=false, restore 0 err=true")
}

// "collection: doc doc" lines, sorted by collection
func dump(source *memdocsource.Source) string {
	collections := source.Dump()

	names := []string{}
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{}
	for _, name := range names {
		lines = append(lines, strings.TrimSpace(name+": "+strings.Join(collections[name], " ")))
	}

	return strings.Join(lines, "\n")
}

func names(objects []snaptypes.ObjectInfo) string {
	objectNames := []string{}
	for _, obj := range objects {
		objectNames = append(objectNames, obj.Name)
	}
	return strings.Join(objectNames, " ")
}

func readObject(t *testing.T, store *memobjectstore.Store, id string) string {
	t.Helper()

	content, err := store.Read(context.Background(), id)
	assert.Assert(t, err == nil)
	defer content.Close()

	buf := &bytes.Buffer{}
	_, err = io.Copy(buf, content)
	assert.Assert(t, err == nil)

	return buf.String()
}
