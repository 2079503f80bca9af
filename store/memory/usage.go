package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/quotaguard"
)

// UsageLog is an in-memory append-only quotaguard.UsageLog.
type UsageLog struct {
	mu      sync.RWMutex
	records []quotaguard.UsageRecord
}

var _ quotaguard.UsageLog = (*UsageLog)(nil)

// NewUsageLog creates an empty usage log.
func NewUsageLog() *UsageLog {
	return &UsageLog{}
}

func (l *UsageLog) Append(_ context.Context, rec quotaguard.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	return nil
}

func (l *UsageLog) ProviderUsage(_ context.Context, provider string, since time.Time) (quotaguard.UsageTotals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var t quotaguard.UsageTotals
	for _, r := range l.records {
		if r.Provider != provider || r.BYOK || r.Timestamp.Before(since) {
			continue
		}
		t.Requests++
		t.CostMicros += r.CostMicros
	}
	return t, nil
}

func (l *UsageLog) IdentityUsage(_ context.Context, id quotaguard.Identity, since time.Time) (quotaguard.UsageTotals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var t quotaguard.UsageTotals
	for _, r := range l.records {
		if r.Identity != id || r.Timestamp.Before(since) {
			continue
		}
		t.Requests++
		t.CostMicros += r.CostMicros
	}
	return t, nil
}

// Records returns a copy of every record in append order.
func (l *UsageLog) Records() []quotaguard.UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]quotaguard.UsageRecord, len(l.records))
	copy(out, l.records)
	return out
}
