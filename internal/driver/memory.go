package driver

import (
	"context"
	"sort"
	"sync"
)

// FaultFunc lets callers inject failures into a Memory container. attempt counts calls per record, starting at 1.
type FaultFunc func(op string, rec Record, attempt int) error

// Memory is an in-process container. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]Record
	order    []string
	attempts map[string]int
	fault    FaultFunc
	creates  int
}

// NewMemory creates a container holding recs
func NewMemory(recs ...Record) *Memory {
	m := &Memory{
		records:  make(map[string]Record),
		attempts: make(map[string]int),
	}
	for _, rec := range recs {
		m.put(rec)
	}
	return m
}

// SetFault installs a fault injector for Exists, Create and Upsert
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Creates returns the number of successful Create and Upsert calls
func (m *Memory) Creates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creates
}

// Has reports whether rec is stored
func (m *Memory) Has(rec Record) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[rec.Ref()]
	return ok
}

// IDs returns the stored ids in sorted order
func (m *Memory) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for _, rec := range m.records {
		ids = append(ids, rec.ID)
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *Memory) ReadAll(ctx context.Context, pageSize int) (<-chan Record, <-chan error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	recCh := make(chan Record, pageSize)
	errCh := make(chan error, 1)

	m.mu.RLock()
	snapshot := make([]Record, 0, len(m.order))
	for _, ref := range m.order {
		if rec, ok := m.records[ref]; ok {
			snapshot = append(snapshot, rec)
		}
	}
	m.mu.RUnlock()

	go func() {
		defer close(recCh)
		defer close(errCh)

		for _, rec := range snapshot {
			select {
			case recCh <- rec:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return recCh, errCh
}

func (m *Memory) Exists(ctx context.Context, rec Record) (bool, error) {
	if err := m.inject("exists", rec); err != nil {
		return false, err
	}
	return m.Has(rec), nil
}

func (m *Memory) Create(ctx context.Context, rec Record) error {
	if err := m.inject("create", rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Ref()]; ok {
		return ErrConflict
	}
	m.putLocked(rec)
	m.creates++
	return nil
}

func (m *Memory) Upsert(ctx context.Context, rec Record) error {
	if err := m.inject("upsert", rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
	m.creates++
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}

func (m *Memory) inject(op string, rec Record) error {
	m.mu.Lock()
	fn := m.fault
	key := op + "\x00" + rec.Ref()
	m.attempts[key]++
	attempt := m.attempts[key]
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(op, rec, attempt)
}

func (m *Memory) put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
}

func (m *Memory) putLocked(rec Record) {
	ref := rec.Ref()
	if _, ok := m.records[ref]; !ok {
		m.order = append(m.order, ref)
	}
	m.records[ref] = rec
}
