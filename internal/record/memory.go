package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/exchange-core/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	if target := contestTarget(rec); target != "" {
		for _, other := range s.records {
			if contestTarget(other) == target && !other.Terminal() {
				return fmt.Errorf("%w: %s is already being contested", model.ErrAlreadyActive, target)
			}
		}
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s", model.ErrRecordNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s", model.ErrRecordNotFound, rec.ID)
	}
	if cur.Version != rec.Version {
		return model.Record{}, fmt.Errorf("%w: %s at version %d, have %d",
			model.ErrConcurrentModification, rec.ID, cur.Version, rec.Version)
	}
	if cur.Terminal() {
		return model.Record{}, fmt.Errorf("%w: %s is %s", model.ErrInvalidState, rec.ID, cur.State)
	}

	next := rec.Clone()
	next.Version++
	s.records[rec.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ActiveByParticipant(_ context.Context, userID string) ([]model.Record, error) {
	return s.filter(func(r model.Record) bool {
		return !r.Terminal() && r.HasParticipant(userID)
	}), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]model.Record, error) {
	return s.filter(func(r model.Record) bool { return !r.Terminal() }), nil
}

func (s *MemoryStore) RecentByParticipant(_ context.Context, userID string, kind model.Kind, since time.Time) ([]model.Record, error) {
	out := s.filter(func(r model.Record) bool {
		return r.Kind == kind && r.HasParticipant(userID) &&
			r.ArchivedAt != nil && !r.ArchivedAt.Before(since)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArchivedAt.After(*out[j].ArchivedAt) })
	return out, nil
}

func (s *MemoryStore) Archive(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrRecordNotFound, id)
	}
	if !rec.Terminal() {
		return fmt.Errorf("%w: cannot archive %s while %s", model.ErrInvalidState, id, rec.State)
	}
	if rec.ArchivedAt != nil {
		return nil
	}
	rec.ArchivedAt = &at
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) filter(keep func(model.Record) bool) []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func contestTarget(r model.Record) string {
	if r.Kind != model.KindContest || r.Contest == nil {
		return ""
	}
	return r.Contest.Target
}
