package resource

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memTable struct {
	name string
	rows Grid
}

type memResource struct {
	id     string
	name   string
	tables []*memTable
	seq    int64
}

// MemoryStore is a mutex-guarded in-memory Store used by tests and dry
// runs.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*memResource
	defaultID string
	seq       int64
}

// NewMemoryStore creates a store holding a single ambient resource with
// the given name.
func NewMemoryStore(defaultName string) *MemoryStore {
	s := &MemoryStore{resources: make(map[string]*memResource)}
	id := newID()
	s.resources[id] = &memResource{id: id, name: defaultName}
	s.defaultID = id
	return s
}

func newID() string {
	u, _ := uuid.NewV7()
	return u.String()
}

func (s *MemoryStore) DefaultResource() string { return s.defaultID }

func (s *MemoryStore) ResourceExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resources[id]
	return ok, nil
}

func (s *MemoryStore) CreateResource(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := newID()
	s.seq++
	s.resources[id] = &memResource{id: id, name: name, seq: s.seq}
	return id, nil
}

func (s *MemoryStore) CopyResource(ctx context.Context, id, copyName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.resources[id]
	if !ok {
		return "", ErrResourceNotFound
	}

	copyID := newID()
	s.seq++
	cp := &memResource{id: copyID, name: copyName, seq: s.seq}
	for _, t := range src.tables {
		cp.tables = append(cp.tables, &memTable{name: t.name, rows: cloneGrid(t.rows)})
	}
	s.resources[copyID] = cp
	return copyID, nil
}

func (s *MemoryStore) RenameResource(ctx context.Context, id, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[id]
	if !ok {
		return ErrResourceNotFound
	}
	res.name = newName
	return nil
}

func (s *MemoryStore) DeleteResource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[id]; !ok {
		return ErrResourceNotFound
	}
	delete(s.resources, id)
	return nil
}

func (s *MemoryStore) FindResourceByName(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *memResource
	for _, res := range s.resources {
		if res.name != name {
			continue
		}
		if found == nil || res.seq > found.seq {
			found = res
		}
	}
	if found == nil {
		return "", ErrResourceNotFound
	}
	return found.id, nil
}

func (s *MemoryStore) table(id, name string) (*memResource, *memTable, error) {
	res, ok := s.resources[id]
	if !ok {
		return nil, nil, ErrResourceNotFound
	}
	for _, t := range res.tables {
		if t.name == name {
			return res, t, nil
		}
	}
	return res, nil, ErrTableNotFound
}

func (s *MemoryStore) TableExists(ctx context.Context, resourceID, table string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, t, err := s.table(resourceID, table)
	if err == ErrTableNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

func (s *MemoryStore) CreateTable(ctx context.Context, resourceID, table string, pos int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, existing, err := s.table(resourceID, table)
	if err != nil && err != ErrTableNotFound {
		return err
	}
	if existing != nil {
		return ErrTableExists
	}

	t := &memTable{name: table}
	if pos < 0 || pos >= len(res.tables) {
		res.tables = append(res.tables, t)
		return nil
	}
	res.tables = append(res.tables[:pos], append([]*memTable{t}, res.tables[pos:]...)...)
	return nil
}

func (s *MemoryStore) DeleteTable(ctx context.Context, resourceID, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, t, err := s.table(resourceID, table)
	if err != nil {
		return err
	}
	for i, cand := range res.tables {
		if cand == t {
			res.tables = append(res.tables[:i], res.tables[i+1:]...)
			return nil
		}
	}
	return ErrTableNotFound
}

func (s *MemoryStore) ClearTable(ctx context.Context, resourceID, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, t, err := s.table(resourceID, table)
	if err != nil {
		return err
	}
	t.rows = nil
	return nil
}

func (s *MemoryStore) TablePosition(ctx context.Context, resourceID, table string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, t, err := s.table(resourceID, table)
	if err != nil {
		return 0, err
	}
	for i, cand := range res.tables {
		if cand == t {
			return i, nil
		}
	}
	return 0, ErrTableNotFound
}

func (s *MemoryStore) Dims(ctx context.Context, resourceID, table string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, t, err := s.table(resourceID, table)
	if err != nil {
		return 0, 0, err
	}
	return t.rows.Rows(), t.rows.Cols(), nil
}

func (s *MemoryStore) ReadGrid(ctx context.Context, resourceID, table string) (Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, t, err := s.table(resourceID, table)
	if err != nil {
		return nil, err
	}
	return cloneGrid(t.rows), nil
}

func (s *MemoryStore) ReadRow(ctx context.Context, resourceID, table string, row int) ([]Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, t, err := s.table(resourceID, table)
	if err != nil {
		return nil, err
	}
	if row < 0 || row >= len(t.rows) {
		return nil, nil
	}
	return append([]Value(nil), t.rows[row]...), nil
}

func (s *MemoryStore) WriteRows(ctx context.Context, resourceID, table string, startRow int, rows Grid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, t, err := s.table(resourceID, table)
	if err != nil {
		return err
	}

	for i, row := range rows {
		idx := startRow + i
		for len(t.rows) <= idx {
			t.rows = append(t.rows, nil)
		}
		t.rows[idx] = append([]Value(nil), row...)
	}
	return nil
}

func (s *MemoryStore) CopyTableFormatted(ctx context.Context, srcResource, srcTable, dstResource, dstTable string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, src, err := s.table(srcResource, srcTable)
	if err != nil {
		return err
	}

	res, dst, err := s.table(dstResource, dstTable)
	if err == ErrTableNotFound {
		dst = &memTable{name: dstTable}
		res.tables = append(res.tables, dst)
	} else if err != nil {
		return err
	}

	dst.rows = cloneGrid(src.rows)
	return nil
}

func (s *MemoryStore) Close() {}

func cloneGrid(g Grid) Grid {
	if g == nil {
		return nil
	}
	out := make(Grid, len(g))
	for i, row := range g {
		out[i] = append([]Value(nil), row...)
	}
	return out
}
