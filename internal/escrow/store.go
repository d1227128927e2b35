package escrow

import (
	"context"
	"sort"
	"sync"
)

// Store persists holds.
type Store interface {
	// Create inserts h, failing with ErrHoldExists if (record, leg) is taken.
	Create(ctx context.Context, h Hold) error

	// Get returns the hold or ErrHoldNotFound.
	Get(ctx context.Context, recordID, leg string) (Hold, error)

	// Swap replaces the hold if its stored status is still from, otherwise
	// it fails with ErrStatusRace.
	Swap(ctx context.Context, h Hold, from Status) error

	// ListByRecord returns every hold of a record ordered by leg.
	ListByRecord(ctx context.Context, recordID string) ([]Hold, error)

	// ListOpen returns holds whose status is Open.
	ListOpen(ctx context.Context) ([]Hold, error)
}

type holdKey struct{ record, leg string }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	holds map[holdKey]Hold
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: make(map[holdKey]Hold)}
}

func (s *MemoryStore) Create(_ context.Context, h Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := holdKey{h.RecordID, h.Leg}
	if _, ok := s.holds[k]; ok {
		return ErrHoldExists
	}
	s.holds[k] = cloneHold(h)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, recordID, leg string) (Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[holdKey{recordID, leg}]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return cloneHold(h), nil
}

func (s *MemoryStore) Swap(_ context.Context, h Hold, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := holdKey{h.RecordID, h.Leg}
	cur, ok := s.holds[k]
	if !ok {
		return ErrHoldNotFound
	}
	if cur.Status != from {
		return ErrStatusRace
	}
	s.holds[k] = cloneHold(h)
	return nil
}

func (s *MemoryStore) ListByRecord(_ context.Context, recordID string) ([]Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Hold
	for k, h := range s.holds {
		if k.record == recordID {
			out = append(out, cloneHold(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Leg < out[j].Leg })
	return out, nil
}

func (s *MemoryStore) ListOpen(_ context.Context) ([]Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Hold
	for _, h := range s.holds {
		if h.Status.Open() {
			out = append(out, cloneHold(h))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordID != out[j].RecordID {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].Leg < out[j].Leg
	})
	return out, nil
}

func cloneHold(h Hold) Hold {
	h.Items = h.Items.Clone()
	return h
}
