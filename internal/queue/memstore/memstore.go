// Package memstore provides an in-memory implementation of queue.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/frontdesk/internal/queue"
)

// Store holds case records in memory. Suitable for dev/testing.
type Store struct {
	mu    sync.RWMutex
	cases map[string]*queue.Case // user ID -> latest case
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{cases: make(map[string]*queue.Case)}
}

// Put stores a copy of c unless the stored record is newer.
func (s *Store) Put(_ context.Context, c *queue.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cases[c.UserID]; ok && newer(cur, c) {
		return nil
	}
	s.cases[c.UserID] = copyCase(c)
	return nil
}

// Get retrieves the case for userID. Returns a copy.
func (s *Store) Get(_ context.Context, userID string) (*queue.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[userID]
	if !ok {
		return nil, false, nil
	}
	return copyCase(c), true, nil
}

// ListActive returns copies of PENDING and IN_PROGRESS cases ordered by
// level, then submission time.
func (s *Store) ListActive(_ context.Context) ([]*queue.Case, error) {
	s.mu.RLock()
	out := make([]*queue.Case, 0, len(s.cases))
	for _, c := range s.cases {
		if c.Status.Active() {
			out = append(out, copyCase(c))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UrgencyLevel != out[j].UrgencyLevel {
			return out[i].UrgencyLevel < out[j].UrgencyLevel
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// newer reports whether cur should win over an incoming write.
func newer(cur, in *queue.Case) bool {
	if cur.ID == in.ID {
		return cur.Version >= in.Version
	}
	return cur.SubmittedAt.After(in.SubmittedAt)
}

func copyCase(c *queue.Case) *queue.Case {
	cp := *c
	cp.DetectedSignals = append([]string(nil), c.DetectedSignals...)
	if c.DispatchedAt != nil {
		t := *c.DispatchedAt
		cp.DispatchedAt = &t
	}
	return &cp
}
