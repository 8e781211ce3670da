package versioning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memTxKey struct{}

// MemoryStore is a Store held in process memory. Transactions are serialised and roll back by
// restoring a snapshot, which is enough for tests and dry runs.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	rows map[string][]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Record)}
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) == m {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snapshot := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.mu.Lock()
		m.rows = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) FindLive(_ context.Context, kind Kind, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows[kind.Name] {
		if r.Key == key && r.Live() {
			rec := r.clone()
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindLiveReferencing(_ context.Context, kind Kind, field, id string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.rows[kind.Name] {
		if r.Live() && idString(r.Fields[field]) == id {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

// LockLive needs no lock of its own: transactions are already serialised.
func (m *MemoryStore) LockLive(_ context.Context, kind Kind, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows[kind.Name] {
		if r.ID == id {
			return r.Live(), nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Insert(_ context.Context, kind Kind, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Live() {
		for _, r := range m.rows[kind.Name] {
			if r.Key == rec.Key && r.Live() {
				return fmt.Errorf("%w: %s %s already has a live row", ErrConflict, kind.Name, rec.Key)
			}
		}
	}
	m.rows[kind.Name] = append(m.rows[kind.Name], rec.clone())
	return nil
}

func (m *MemoryStore) Supersede(_ context.Context, kind Kind, id string, version time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[kind.Name]
	for i := range rows {
		if rows[i].ID != id {
			continue
		}
		if !rows[i].Live() {
			return fmt.Errorf("%w: %s %s is already superseded", ErrConflict, kind.Name, id)
		}
		v := version
		rows[i].Version = &v
		return nil
	}
	return fmt.Errorf("%w: %s %s not found", ErrConflict, kind.Name, id)
}

func (m *MemoryStore) History(_ context.Context, kind Kind, key string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.rows[kind.Name] {
		if r.Key == key {
			out = append(out, r.clone())
		}
	}
	sortHistory(out)
	return out, nil
}

// Rows returns a copy of every row of kind in insertion order.
func (m *MemoryStore) Rows(kind string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.rows[kind]))
	for _, r := range m.rows[kind] {
		out = append(out, r.clone())
	}
	return out
}

func (m *MemoryStore) snapshot() map[string][]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]Record, len(m.rows))
	for kind, rows := range m.rows {
		copied := make([]Record, len(rows))
		for i, r := range rows {
			copied[i] = r.clone()
		}
		out[kind] = copied
	}
	return out
}

// sortHistory orders the live row first, then superseded rows newest version first.
func sortHistory(rows []Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Live() != b.Live() {
			return a.Live()
		}
		if a.Live() {
			return false
		}
		if !a.Version.Equal(*b.Version) {
			return a.Version.After(*b.Version)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
