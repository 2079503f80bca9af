package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/quotaguard"
)

// QuotaStore is an in-memory quotaguard.QuotaStore.
type QuotaStore struct {
	mu     sync.RWMutex
	quotas map[quotaguard.QuotaKey]quotaguard.QuotaConfig
	now    func() time.Time
}

var _ quotaguard.QuotaStore = (*QuotaStore)(nil)

// NewQuotaStore creates an empty quota store.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		quotas: make(map[quotaguard.QuotaKey]quotaguard.QuotaConfig),
		now:    time.Now,
	}
}

func (s *QuotaStore) GetQuota(_ context.Context, feature, plan string) (quotaguard.QuotaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotas[quotaguard.QuotaKey{Feature: feature, Plan: plan}]
	if !ok {
		return quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	return q, nil
}

func (s *QuotaStore) CreateQuota(_ context.Context, q quotaguard.QuotaConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quotas[q.Key()]; ok {
		return quotaguard.ErrQuotaExists
	}
	q.UpdatedAt = s.now().UTC()
	s.quotas[q.Key()] = q
	return nil
}

func (s *QuotaStore) UpdateQuota(_ context.Context, feature, plan string, patch quotaguard.QuotaPatch) (before, after quotaguard.QuotaConfig, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaguard.QuotaKey{Feature: feature, Plan: plan}
	before, ok := s.quotas[key]
	if !ok {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	after = patch.Apply(before)
	after.UpdatedAt = s.now().UTC()
	s.quotas[key] = after
	return before, after, nil
}

func (s *QuotaStore) DeleteQuota(_ context.Context, feature, plan string) (quotaguard.QuotaConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaguard.QuotaKey{Feature: feature, Plan: plan}
	q, ok := s.quotas[key]
	if !ok {
		return quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	delete(s.quotas, key)
	return q, nil
}

// ListQuotas returns all configs ordered by feature, then plan.
func (s *QuotaStore) ListQuotas(_ context.Context) ([]quotaguard.QuotaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]quotaguard.QuotaConfig, 0, len(s.quotas))
	for _, q := range s.quotas {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Feature != out[j].Feature {
			return out[i].Feature < out[j].Feature
		}
		return out[i].Plan < out[j].Plan
	})
	return out, nil
}
