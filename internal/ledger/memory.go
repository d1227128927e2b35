package ledger

import (
	"context"
	"sync"

	"github.com/rickgao/exchange-core/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	entries  map[string]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.Account),
		entries:  make(map[string]Entry),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id), nil
}

func (s *MemoryStore) Apply(_ context.Context, e Entry) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.Key]; ok {
		return s.get(e.AccountID), nil
	}

	next, err := ApplyDelta(s.get(e.AccountID), e.Delta, e.MaxBalance)
	if err != nil {
		return model.Account{}, err
	}
	next.ID = e.AccountID
	next.UpdatedAt = e.At

	s.accounts[e.AccountID] = next
	s.entries[e.Key] = e
	return copyAccount(next), nil
}

func (s *MemoryStore) Applied(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok, nil
}

// EntryCount returns the number of applied entries.
func (s *MemoryStore) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) get(id string) model.Account {
	acct, ok := s.accounts[id]
	if !ok {
		return model.Account{ID: id}
	}
	return copyAccount(acct)
}

func copyAccount(a model.Account) model.Account {
	a.Inventory = a.Inventory.Clone()
	return a
}
