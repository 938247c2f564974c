// Package alerts keeps recent high-risk alerts in memory for the API.
package alerts

import (
	"sync"
	"time"

	"safetrail/internal/model"
)

const defaultLimit = 500

// Store is a fixed-size ring of alerts; once full, each Add overwrites the
// oldest entry.
type Store struct {
	mu   sync.RWMutex
	ring []model.Alert
	next int
	size int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Store{ring: make([]model.Alert, limit)}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = alert
	s.next = (s.next + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

// List returns up to limit alerts, newest last. limit <= 0 returns all.
func (s *Store) List(limit int) []model.Alert {
	return s.Since(time.Time{}, limit)
}

// Since returns alerts raised at or after ts, newest last, keeping only the
// newest limit entries when limit > 0.
func (s *Store) Since(ts time.Time, limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0, s.size)
	for i := 0; i < s.size; i++ {
		a := s.at(i)
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *Store) Latest() (model.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return model.Alert{}, false
	}
	return s.at(s.size - 1), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.next, s.size = 0, 0
}

// at returns the i-th oldest alert. Callers hold mu.
func (s *Store) at(i int) model.Alert {
	start := (s.next - s.size + len(s.ring)) % len(s.ring)
	return s.ring[(start+i)%len(s.ring)]
}
