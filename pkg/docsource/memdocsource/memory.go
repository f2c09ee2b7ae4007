// In-memory document database, with failure injection. Only useful for testing.
package memdocsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/function61/docsnap/pkg/docsource"
	"github.com/function61/docsnap/pkg/snaptypes"
)

type Source struct {
	mu          sync.Mutex
	collections map[string][]snaptypes.Document

	// collection name => error returned while streaming it (after first document)
	FailStream map[string]error
	// collection name => error returned from InsertBatch()
	FailInsert map[string]error
	// collection name => number of documents to silently not insert (reported as not inserted)
	SkipInserts map[string]int
	// if set, every insert is rejected unless the document is a valid JSON object
	ValidateJSON bool

	// observability for tests
	InsertAttempts map[string]int
	Dropped        []string
}

var _ docsource.Source = (*Source)(nil)

func New() *Source {
	return &Source{
		collections:    map[string][]snaptypes.Document{},
		FailStream:     map[string]error{},
		FailInsert:     map[string]error{},
		SkipInserts:    map[string]int{},
		InsertAttempts: map[string]int{},
	}
}

// test helper
func (m *Source) Seed(collection string, docs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.collections[collection]
	if existing == nil {
		existing = []snaptypes.Document{}
	}

	for _, doc := range docs {
		existing = append(existing, snaptypes.Document(doc))
	}

	m.collections[collection] = existing
}

// collection name => documents (as strings, in insertion order)
func (m *Source) Dump() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dump := map[string][]string{}
	for name, docs := range m.collections {
		docStrs := []string{}
		for _, doc := range docs {
			docStrs = append(docStrs, string(doc))
		}
		dump[name] = docStrs
	}

	return dump
}

func (m *Source) Kind() string {
	return "memory"
}

func (m *Source) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := []string{}
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (m *Source) StreamDocuments(ctx context.Context, collection string) (docsource.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, found := m.collections[collection]
	if !found {
		return nil, snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", collection))
	}

	// snapshot semantics
	docsCopy := append([]snaptypes.Document{}, docs...)

	return &cursor{docs: docsCopy, failAfterFirst: m.FailStream[collection]}, nil
}

func (m *Source) CreateCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[collection]; exists {
		return snaptypes.Wrap(snaptypes.ErrAlreadyExists, fmt.Errorf("collection %s", collection))
	}

	m.collections[collection] = []snaptypes.Document{}

	return nil
}

func (m *Source) DropCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[collection]; !exists {
		return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", collection))
	}

	delete(m.collections, collection)
	m.Dropped = append(m.Dropped, collection)

	return nil
}

func (m *Source) InsertBatch(ctx context.Context, collection string, docs []snaptypes.Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InsertAttempts[collection]++

	if err := m.FailInsert[collection]; err != nil {
		return 0, err
	}

	existing, exists := m.collections[collection]
	if !exists {
		return 0, snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", collection))
	}

	inserted := 0
	for _, doc := range docs {
		if m.ValidateJSON {
			obj := map[string]interface{}{}
			if err := json.Unmarshal(doc, &obj); err != nil {
				m.collections[collection] = existing
				return inserted, snaptypes.Wrap(snaptypes.ErrValidation, err)
			}
		}

		if m.SkipInserts[collection] > 0 {
			m.SkipInserts[collection]--
			continue
		}

		existing = append(existing, snaptypes.DocumentFrom(doc))
		inserted++
	}

	m.collections[collection] = existing

	return inserted, nil
}

func (m *Source) Close(ctx context.Context) error {
	return nil
}

type cursor struct {
	docs           []snaptypes.Document
	pos            int
	failAfterFirst error
}

func (c *cursor) Next(ctx context.Context) (snaptypes.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.failAfterFirst != nil && c.pos > 0 {
		return nil, c.failAfterFirst
	}

	if c.pos >= len(c.docs) {
		if c.failAfterFirst != nil { // empty collection would never fail otherwise
			return nil, c.failAfterFirst
		}
		return nil, io.EOF
	}

	doc := c.docs[c.pos]
	c.pos++

	return doc, nil
}

func (c *cursor) Close(ctx context.Context) error {
	return nil
}
