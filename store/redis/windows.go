// Package redis provides Redis-backed stores for quotaguard.
//
// Window counters and daily allowances live in Redis keys mutated only by
// Lua scripts, so every admission and debit is atomic across any number of
// engine instances. Keys of one identity share a hash tag, which keeps
// multi-window scripts valid on Redis Cluster.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaguard"
)

// WindowStore is a Redis-backed quotaguard.WindowStore.
type WindowStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ quotaguard.WindowStore = (*WindowStore)(nil)

// Option configures the Redis stores.
type Option func(*options)

type options struct {
	keyPrefix string
	now       func() time.Time
}

// WithKeyPrefix sets the Redis key prefix (default "quotaguard:").
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithClock overrides time.Now for sources that read the clock themselves.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{keyPrefix: "quotaguard:", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewWindowStore creates a window store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewWindowStore(client goredis.Cmdable, opts ...Option) *WindowStore {
	o := buildOptions(opts)
	return &WindowStore{client: client, keyPrefix: o.keyPrefix}
}

func (s *WindowStore) counterKey(key quotaguard.WindowKey, kind quotaguard.WindowKind) string {
	return s.keyPrefix + "win:{" + key.String() + "}:" + string(kind)
}

// admitScript checks every window and increments all of them only if each
// has room.
// KEYS[i]         = counter hash of window i
// ARGV[3(i-1)+1]  = limit
// ARGV[3(i-1)+2]  = anchor (unix ms)
// ARGV[3(i-1)+3]  = ttl (ms)
//
// Returns {granted, count_1, ..., count_n}; counts are post-increment when
// granted.
var admitScript = goredis.NewScript(`
local n = #KEYS
local counts = {}
local granted = 1

for i = 1, n do
    local limit = tonumber(ARGV[(i - 1) * 3 + 1])
    local anchor = ARGV[(i - 1) * 3 + 2]
    local count = 0
    -- A counter from a past window counts as zero.
    if redis.call("HGET", KEYS[i], "anchor") == anchor then
        count = tonumber(redis.call("HGET", KEYS[i], "count") or "0")
    end
    counts[i] = count
    if count >= limit then
        granted = 0
    end
end

if granted == 1 then
    for i = 1, n do
        local anchor = ARGV[(i - 1) * 3 + 2]
        local ttl = tonumber(ARGV[(i - 1) * 3 + 3])
        counts[i] = counts[i] + 1
        redis.call("HSET", KEYS[i], "anchor", anchor, "count", counts[i])
        redis.call("PEXPIRE", KEYS[i], ttl)
    end
end

local out = {granted}
for i = 1, n do
    out[i + 1] = counts[i]
end
return out
`)

// releaseScript undoes one admission for windows whose anchor is unchanged.
// KEYS[i] = counter hash of window i
// ARGV[i] = anchor of the admission (unix ms)
var releaseScript = goredis.NewScript(`
for i = 1, #KEYS do
    if redis.call("HGET", KEYS[i], "anchor") == ARGV[i] then
        local count = tonumber(redis.call("HGET", KEYS[i], "count") or "0")
        if count > 0 then
            redis.call("HINCRBY", KEYS[i], "count", -1)
        end
    end
end
return 1
`)

// Admit runs the admission script.
func (s *WindowStore) Admit(ctx context.Context, key quotaguard.WindowKey, limits []quotaguard.WindowLimit, now time.Time) ([]quotaguard.WindowCheck, error) {
	keys := make([]string, len(limits))
	args := make([]any, 0, 3*len(limits))
	for i, l := range limits {
		keys[i] = s.counterKey(key, l.Kind)
		args = append(args,
			l.Limit,
			anchorArg(l.Kind.Anchor(now)),
			l.Kind.TTL(now).Milliseconds(),
		)
	}

	out, err := admitScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("quotaguard/redis: admit: %w", err)
	}
	if len(out) != len(limits)+1 {
		return nil, fmt.Errorf("quotaguard/redis: admit: unexpected result length %d", len(out))
	}

	granted := out[0] == 1
	checks := make([]quotaguard.WindowCheck, len(limits))
	for i, l := range limits {
		count := out[i+1]
		checks[i] = quotaguard.NewWindowCheck(l.Kind, l.Limit, count, granted || count < l.Limit, now)
	}
	return checks, nil
}

// Release runs the release script.
func (s *WindowStore) Release(ctx context.Context, key quotaguard.WindowKey, checks []quotaguard.WindowCheck) error {
	if len(checks) == 0 {
		return nil
	}
	keys := make([]string, len(checks))
	args := make([]any, len(checks))
	for i, c := range checks {
		keys[i] = s.counterKey(key, c.Kind)
		args[i] = anchorArg(c.Anchor)
	}
	if err := releaseScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("quotaguard/redis: release: %w", err)
	}
	return nil
}

// Peek reads counters without mutating them.
func (s *WindowStore) Peek(ctx context.Context, key quotaguard.WindowKey, kinds []quotaguard.WindowKind, now time.Time) ([]quotaguard.WindowCheck, error) {
	checks := make([]quotaguard.WindowCheck, len(kinds))
	for i, kind := range kinds {
		vals, err := s.client.HMGet(ctx, s.counterKey(key, kind), "anchor", "count").Result()
		if err != nil {
			return nil, fmt.Errorf("quotaguard/redis: peek: %w", err)
		}

		var count int64
		if a, ok := vals[0].(string); ok && a == anchorArg(kind.Anchor(now)) {
			if c, ok := vals[1].(string); ok {
				count, _ = strconv.ParseInt(c, 10, 64)
			}
		}
		checks[i] = quotaguard.NewWindowCheck(kind, 0, count, true, now)
	}
	return checks, nil
}

func anchorArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
