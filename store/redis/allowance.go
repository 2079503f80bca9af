package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaguard"
)

// DailyAllowance is a Redis-backed pooled credit source that grants every
// identity an allowance per UTC day.
type DailyAllowance struct {
	client    goredis.Cmdable
	keyPrefix string
	allowance quotaguard.AllowanceFunc
	now       func() time.Time
}

var _ quotaguard.CreditSource = (*DailyAllowance)(nil)

// NewDailyAllowance creates a daily allowance source.
func NewDailyAllowance(client goredis.Cmdable, allowance quotaguard.AllowanceFunc, opts ...Option) *DailyAllowance {
	o := buildOptions(opts)
	return &DailyAllowance{
		client:    client,
		keyPrefix: o.keyPrefix,
		allowance: allowance,
		now:       o.now,
	}
}

func (a *DailyAllowance) Name() string { return "daily_allowance" }

func (a *DailyAllowance) spentKey(id quotaguard.Identity, day time.Time) string {
	return a.keyPrefix + "allow:{" + id.Key() + "}:" + day.Format(time.DateOnly)
}

// spendScript spends from today's allowance if enough is left.
// KEYS[1] = spent counter of the day
// ARGV[1] = allowance
// ARGV[2] = amount
// ARGV[3] = ttl (ms)
//
// Returns {granted, left}.
var spendScript = goredis.NewScript(`
local spent = tonumber(redis.call("GET", KEYS[1]) or "0")
local allowance = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])

if allowance - spent < amount then
    return {0, allowance - spent}
end

spent = redis.call("INCRBY", KEYS[1], amount)
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]))
return {1, allowance - spent}
`)

// Balance returns what is left of today's allowance.
func (a *DailyAllowance) Balance(ctx context.Context, id quotaguard.Identity) (int64, error) {
	total, err := a.allowance(ctx, id)
	if err != nil {
		return 0, err
	}
	now := a.now()
	v, err := a.client.Get(ctx, a.spentKey(id, quotaguard.WindowDay.Anchor(now))).Result()
	if err == goredis.Nil {
		return total, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quotaguard/redis: allowance balance: %w", err)
	}
	spent, _ := strconv.ParseInt(v, 10, 64)
	return max(total-spent, 0), nil
}

// Debit spends amount from today's allowance.
func (a *DailyAllowance) Debit(ctx context.Context, id quotaguard.Identity, amount int64) (quotaguard.DebitResult, error) {
	if amount <= 0 {
		return quotaguard.DebitResult{}, quotaguard.ErrInvalidAmount
	}
	total, err := a.allowance(ctx, id)
	if err != nil {
		return quotaguard.DebitResult{}, err
	}
	if total <= 0 {
		return quotaguard.DebitResult{Granted: false}, nil
	}

	now := a.now()
	out, err := spendScript.Run(ctx, a.client,
		[]string{a.spentKey(id, quotaguard.WindowDay.Anchor(now))},
		total, amount, quotaguard.WindowDay.TTL(now).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/redis: allowance debit: %w", err)
	}
	if len(out) != 2 {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/redis: allowance debit: unexpected result length %d", len(out))
	}

	res := quotaguard.DebitResult{Granted: out[0] == 1, NewBalance: max(out[1], 0)}
	if res.Granted {
		res.Source = a.Name()
	}
	return res, nil
}
