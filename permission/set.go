package permission

import "sync"

// Confirmations is the capability the dispatcher needs from the pending set.
type Confirmations interface {
	Has(id string) bool
	// Add inserts id and reports whether it was absent. The check and the
	// insert happen in one critical section.
	Add(id string) bool
}

// Set records unified request ids already surfaced to the user during one
// conversation. Entries are never removed individually; Clear is for teardown.
type Set struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

var _ Confirmations = (*Set)(nil)

func NewSet() *Set {
	return &Set{ids: make(map[string]struct{})}
}

func (s *Set) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Set) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *Set) Clear() {
	s.mu.Lock()
	s.ids = make(map[string]struct{})
	s.mu.Unlock()
}
