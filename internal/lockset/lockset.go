// Package lockset provides per-key mutual exclusion.
//
// Keys are always acquired in ascending order, so two callers locking the same
// pair of accounts in opposite argument order cannot deadlock.
package lockset

import (
	"sort"
	"sync"
)

// Set is a collection of lazily created, reference-counted mutexes.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty Set.
func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock acquires every key (duplicates and empty keys ignored) in ascending
// order and returns a function that releases them.
func (s *Set) Lock(keys ...string) (unlock func()) {
	ordered := normalize(keys)

	held := make([]*entry, 0, len(ordered))
	for _, k := range ordered {
		e := s.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				s.release(ordered[i])
			}
		})
	}
}

// Len returns the number of keys currently locked or waited on.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Set) acquire(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	return e
}

func (s *Set) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
}

func normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
