package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/admin"
	"github.com/ineyio/quotaguard/store/memory"
	"github.com/ineyio/quotaguard/store/postgres"
	redisstore "github.com/ineyio/quotaguard/store/redis"
	"github.com/ineyio/quotaguard/store/sqlite"
)

// durableStore is what the postgres and sqlite backends provide.
type durableStore interface {
	quotaguard.CreditLedger
	quotaguard.TransactionLister
	quotaguard.UsageLog
	quotaguard.QuotaStore
}

// stack is the engine with the stores it was built from.
type stack struct {
	engine       *quotaguard.Engine
	ledger       quotaguard.CreditLedger
	transactions quotaguard.TransactionLister
	sweepers     []admin.Sweeper
	closers      []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack wires the stores selected by cfg.Storage into an engine.
func buildStack(ctx context.Context, cfg quotaguard.Config, m quotaguard.Meter, logger *slog.Logger) (*stack, error) {
	st := &stack{}

	var store durableStore
	switch cfg.Storage.Driver {
	case "", "memory":
		store = newMemoryStore()
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st.closers = append(st.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		pg := postgres.New(pool, postgres.WithTablePrefix(cfg.Storage.TablePrefix))
		if err := pg.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
		store = pg
	case "sqlite":
		lite, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, sqlite.WithTablePrefix(cfg.Storage.TablePrefix))
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { lite.Close() })
		store = lite
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	st.ledger = store
	st.transactions = store

	plans := memory.NewPlans(cfg.DefaultPlan)
	for user, plan := range cfg.UserPlans {
		plans.Set(user, plan)
	}
	allowance := quotaguard.PlanAllowance(plans, cfg.AnonymousPlan, cfg.DailyAllowance)

	var windows quotaguard.WindowStore
	var pooled quotaguard.CreditSource
	if cfg.Storage.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		st.closers = append(st.closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			st.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		windows = redisstore.NewWindowStore(client, redisstore.WithKeyPrefix(cfg.Storage.KeyPrefix))
		if len(cfg.DailyAllowance) > 0 {
			pooled = redisstore.NewDailyAllowance(client, allowance, redisstore.WithKeyPrefix(cfg.Storage.KeyPrefix))
		}
	} else {
		mw := memory.NewWindowStore()
		windows = mw
		st.sweepers = append(st.sweepers, mw.Sweep)
		if len(cfg.DailyAllowance) > 0 {
			pooled = memory.NewDailyAllowance(allowance)
		}
	}

	engine, err := quotaguard.NewEngine(cfg,
		quotaguard.WithQuotaStore(store),
		quotaguard.WithWindowStore(windows),
		quotaguard.WithCredits(quotaguard.NewCreditChain(store, pooled)),
		quotaguard.WithUsageLog(store),
		quotaguard.WithPlanLookup(plans),
		quotaguard.WithHealthTracker(quotaguard.NewHealthTracker(cfg.Breaker)),
		quotaguard.WithMeter(m),
		quotaguard.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.engine = engine

	if err := seedQuotas(ctx, engine.Registry(), cfg.Quotas, logger); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newMemoryStore() durableStore {
	return struct {
		*memory.Ledger
		*memory.UsageLog
		*memory.QuotaStore
	}{memory.NewLedger(), memory.NewUsageLog(), memory.NewQuotaStore()}
}

// seedQuotas creates configured quotas that do not exist yet. Existing rows
// win: the store is authoritative once written.
func seedQuotas(ctx context.Context, registry *quotaguard.QuotaRegistry, quotas []quotaguard.QuotaConfig, logger *slog.Logger) error {
	for _, q := range quotas {
		err := registry.Create(ctx, q)
		switch {
		case errors.Is(err, quotaguard.ErrQuotaExists):
			logger.Debug("quota already present, keeping stored value",
				"feature", q.Feature,
				"plan", q.Plan,
			)
		case err != nil:
			return fmt.Errorf("seed quota %s/%s: %w", q.Feature, q.Plan, err)
		default:
			logger.Info("quota seeded",
				"feature", q.Feature,
				"plan", q.Plan,
				"limit", q.Limit,
				"window", q.Window,
			)
		}
	}
	return nil
}
