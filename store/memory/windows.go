// Package memory provides in-process stores for quotaguard.
//
// All stores guard their state with a single mutex, which makes every
// operation atomic within one process. They are intended for tests and
// single-node deployments; use the redis and postgres packages when several
// engine instances share state.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/quotaguard"
)

// WindowStore is an in-memory quotaguard.WindowStore.
type WindowStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
}

type windowCounter struct {
	anchor    time.Time
	count     int64
	expiresAt time.Time
}

var _ quotaguard.WindowStore = (*WindowStore)(nil)

// NewWindowStore creates a new in-memory window store.
func NewWindowStore() *WindowStore {
	return &WindowStore{counters: make(map[string]*windowCounter)}
}

func counterKey(key quotaguard.WindowKey, kind quotaguard.WindowKind) string {
	return key.String() + ":" + string(kind)
}

// current returns the count for the window containing now. A counter with a
// different anchor belongs to a past window and counts as zero.
func (s *WindowStore) current(k string, kind quotaguard.WindowKind, now time.Time) int64 {
	c, ok := s.counters[k]
	if !ok || !c.anchor.Equal(kind.Anchor(now)) {
		return 0
	}
	return c.count
}

// Admit increments every window if all of them have room.
func (s *WindowStore) Admit(_ context.Context, key quotaguard.WindowKey, limits []quotaguard.WindowLimit, now time.Time) ([]quotaguard.WindowCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make([]int64, len(limits))
	granted := true
	for i, l := range limits {
		counts[i] = s.current(counterKey(key, l.Kind), l.Kind, now)
		if counts[i] >= l.Limit {
			granted = false
		}
	}

	checks := make([]quotaguard.WindowCheck, len(limits))
	for i, l := range limits {
		if granted {
			k := counterKey(key, l.Kind)
			counts[i]++
			s.counters[k] = &windowCounter{
				anchor:    l.Kind.Anchor(now),
				count:     counts[i],
				expiresAt: l.Kind.Anchor(now).Add(l.Kind.TTL(now)),
			}
		}
		checks[i] = quotaguard.NewWindowCheck(l.Kind, l.Limit, counts[i], granted || counts[i] < l.Limit, now)
	}
	return checks, nil
}

// Release decrements windows whose anchor is unchanged.
func (s *WindowStore) Release(_ context.Context, key quotaguard.WindowKey, checks []quotaguard.WindowCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range checks {
		c, ok := s.counters[counterKey(key, ch.Kind)]
		if !ok || !c.anchor.Equal(ch.Anchor) || c.count == 0 {
			continue
		}
		c.count--
	}
	return nil
}

// Peek returns current counts.
func (s *WindowStore) Peek(_ context.Context, key quotaguard.WindowKey, kinds []quotaguard.WindowKind, now time.Time) ([]quotaguard.WindowCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checks := make([]quotaguard.WindowCheck, len(kinds))
	for i, kind := range kinds {
		n := s.current(counterKey(key, kind), kind, now)
		checks[i] = quotaguard.NewWindowCheck(kind, 0, n, true, now)
	}
	return checks, nil
}

// Sweep drops counters past their TTL and returns how many were removed.
func (s *WindowStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
			n++
		}
	}
	return n
}

// Len returns the number of live counters.
func (s *WindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
