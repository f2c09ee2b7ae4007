// Object store that keeps everything in RAM. Mainly useful for testing code built on top of
// objectstore.Store.
package memobjectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/snaptypes"
)

type object struct {
	info    snaptypes.ObjectInfo
	parent  string
	data    []byte
	trashed bool
}

type Store struct {
	mu      sync.Mutex
	objects map[string]*object
	nextID  int
	now     func() time.Time

	// failure injection for tests
	FailCreate error
	FailRead   error
}

var _ objectstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		objects: map[string]*object{},
		now:     time.Now,
	}
}

func (m *Store) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	if m.FailCreate != nil {
		return nil, m.FailCreate
	}

	// reading fully before committing gives us the "nothing visible on failure" behaviour
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++

	obj := &object{
		info: snaptypes.ObjectInfo{
			ID:      "obj-" + strconv.Itoa(m.nextID),
			Name:    name,
			Kind:    snaptypes.ObjectKindFile,
			Created: m.now(),
			Size:    int64(len(data)),
		},
		parent: containerID,
		data:   data,
	}

	m.objects[obj.info.ID] = obj

	info := obj.info
	return &info, nil
}

// containers are modeled as objects without data
func (m *Store) CreateContainer(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++

	id := "container-" + strconv.Itoa(m.nextID)

	m.objects[id] = &object{
		info: snaptypes.ObjectInfo{
			ID:      id,
			Name:    name,
			Kind:    snaptypes.ObjectKindContainer,
			Created: m.now(),
		},
	}

	return id
}

func (m *Store) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	if m.FailRead != nil {
		return nil, m.FailRead
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, found := m.objects[id]
	if !found || obj.trashed || obj.info.IsContainer() {
		return nil, snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("object %s", id))
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// soft-deletes, like Drive's trash
func (m *Store) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, found := m.objects[id]
	if !found || obj.trashed {
		return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("object %s", id))
	}

	obj.trashed = true

	return nil
}

func (m *Store) List(ctx context.Context, includeContainers bool, containerID string) ([]snaptypes.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := []snaptypes.ObjectInfo{}
	for _, obj := range m.objects {
		if obj.trashed || (obj.info.IsContainer() && !includeContainers) {
			continue
		}

		if containerID != "" && obj.parent != containerID {
			continue
		}

		infos = append(infos, obj.info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})

	if len(infos) > objectstore.ListLimit {
		infos = infos[:objectstore.ListLimit]
	}

	return infos, nil
}

func (m *Store) EmptyTrash(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, obj := range m.objects {
		if obj.trashed {
			delete(m.objects, id)
		}
	}

	return nil
}

// includes trashed objects
func (m *Store) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.objects)
}

// test helper for tampering with stored archives
func (m *Store) Replace(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[id].data = data
}

func (m *Store) SetClock(now func() time.Time) {
	m.now = now
}
