// Package session keeps live login sessions in process memory.
package session

import (
	"context"
	"sync"
	"time"

	"helpdesk.org/internal/auth"
)

type entry struct {
	sess     *auth.Session
	lastSeen time.Time
}

// Store maps session ids to their security markers. Entries idle for longer than the
// TTL are cleared and dropped on access and by Sweep.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// NewStore returns a store with the given idle TTL; now nil means time.Now.
func NewStore(ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{entries: make(map[string]*entry), ttl: ttl, now: now}
}

// Put registers sess under its id.
func (s *Store) Put(sess *auth.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sess.ID] = &entry{sess: sess, lastSeen: s.now()}
}

// Get returns the live session and refreshes its idle timer.
func (s *Store) Get(id string) (*auth.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	now := s.now()
	if s.expired(e, now) {
		e.sess.Clear()
		delete(s.entries, id)
		return nil, false
	}
	e.lastSeen = now
	return e.sess, true
}

// Delete drops the session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Len reports how many sessions are held, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			e.sess.Clear()
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.lastSeen) > s.ttl
}
