// Embedded document database on top of bbolt: one bucket per collection, JSON documents keyed
// by their "_id" (or an auto-increment if the document has none)
package boltdocsource

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/function61/docsnap/pkg/docsource"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

// documents per read transaction while streaming
const defaultPageSize = 500

type boltSource struct {
	db       *bbolt.DB
	pageSize int
	logl     *logex.Leveled
}

var _ docsource.Source = (*boltSource)(nil)

func Open(path string, logger *log.Logger) (*boltSource, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open %s: %w", path, err)
	}

	return New(db, logger), nil
}

func New(db *bbolt.DB, logger *log.Logger) *boltSource {
	return &boltSource{
		db:       db,
		pageSize: defaultPageSize,
		logl:     logex.Levels(logex.NonNil(logger)),
	}
}

func (b *boltSource) Kind() string {
	return "bbolt"
}

func (b *boltSource) ListCollections(ctx context.Context) ([]string, error) {
	names := []string{}

	if err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return names, nil
}

func (b *boltSource) StreamDocuments(ctx context.Context, collection string) (docsource.Cursor, error) {
	if err := b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(collection)) == nil {
			return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", collection))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return &pagedCursor{
		db:         b.db,
		bucketName: []byte(collection),
		pageSize:   b.pageSize,
	}, nil
}

func (b *boltSource) CreateCollection(ctx context.Context, collection string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucket([]byte(collection)); err != nil {
			if err == bbolt.ErrBucketExists {
				return snaptypes.Wrap(snaptypes.ErrAlreadyExists, fmt.Errorf("collection %s", collection))
			}
			return snaptypes.Wrap(snaptypes.ErrValidation, err) // name invalid
		}
		return nil
	})
}

func (b *boltSource) DropCollection(ctx context.Context, collection string) error {
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(collection)); err != nil {
			if err == bbolt.ErrBucketNotFound {
				return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", collection))
			}
			return err
		}
		return nil
	}); err != nil {
		return err
	}

	b.logl.Debug.Printf("dropped %s", collection)

	return nil
}

// all-or-nothing per batch: on error nothing of the batch is kept
func (b *boltSource) InsertBatch(ctx context.Context, collection string, docs []snaptypes.Document) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", collection))
		}

		for idx, doc := range docs {
			key, err := documentKey(doc, bucket)
			if err != nil {
				return snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("document #%d: %w", idx+1, err))
			}

			if bucket.Get(key) != nil {
				return snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("document #%d: duplicate _id %s", idx+1, key))
			}

			if err := bucket.Put(key, compact(doc)); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		return 0, err
	}

	return len(docs), nil
}

func (b *boltSource) Close(ctx context.Context) error {
	return b.db.Close()
}

type idOnly struct {
	ID json.RawMessage `json:"_id"`
}

// "_id" in its JSON form, so string "1" and number 1 are different keys
func documentKey(doc snaptypes.Document, bucket *bbolt.Bucket) ([]byte, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("not a JSON object")
	}

	id := idOnly{}
	if err := json.Unmarshal(trimmed, &id); err != nil {
		return nil, err
	}

	if len(id.ID) > 0 {
		return compact(snaptypes.Document(id.ID)), nil
	}

	seq, err := bucket.NextSequence()
	if err != nil {
		return nil, err
	}

	// big endian so that cursor order = insertion order
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key, nil
}

func compact(doc []byte) []byte {
	buf := &bytes.Buffer{}
	if err := json.Compact(buf, doc); err != nil {
		return doc // validated before
	}
	return buf.Bytes()
}

// reads in pages, each in its own short read transaction, so that a long backup doesn't
// keep the database from reclaiming pages. the result is not a point-in-time snapshot of the
// collection if it's written to concurrently.
type pagedCursor struct {
	db         *bbolt.DB
	bucketName []byte
	pageSize   int
	page       []snaptypes.Document
	lastKey    []byte
	exhausted  bool
}

func (p *pagedCursor) Next(ctx context.Context) (snaptypes.Document, error) {
	if len(p.page) == 0 {
		if p.exhausted {
			return nil, io.EOF
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := p.fetchPage(); err != nil {
			return nil, err
		}

		if len(p.page) == 0 {
			return nil, io.EOF
		}
	}

	doc := p.page[0]
	p.page = p.page[1:]

	return doc, nil
}

func (p *pagedCursor) fetchPage() error {
	return p.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(p.bucketName)
		if bucket == nil { // dropped while we were reading
			return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", p.bucketName))
		}

		all := bucket.Cursor()

		key, value := all.First()
		if p.lastKey != nil {
			key, value = all.Seek(p.lastKey)
			if key != nil && bytes.Equal(key, p.lastKey) {
				key, value = all.Next()
			}
		}

		for ; key != nil && len(p.page) < p.pageSize; key, value = all.Next() {
			// values are only valid for the life of the transaction
			p.page = append(p.page, snaptypes.DocumentFrom(value))
			p.lastKey = append(p.lastKey[:0], key...)
		}

		if key == nil {
			p.exhausted = true
		}

		return nil
	})
}

func (p *pagedCursor) Close(ctx context.Context) error {
	p.page = nil
	return nil
}
