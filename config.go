package quotaguard

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	AnonymousPlan string `yaml:"anonymous_plan"`
	// DefaultPlan and UserPlans back the static plan lookup used when no
	// billing integration is wired.
	DefaultPlan    string            `yaml:"default_plan"`
	UserPlans      map[string]string `yaml:"user_plans"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	CommitTimeout  time.Duration     `yaml:"commit_timeout"`
	QuotaCacheTTL  time.Duration     `yaml:"quota_cache_ttl"`
	BudgetCacheTTL time.Duration     `yaml:"budget_cache_ttl"`

	Features []FeatureConfig `yaml:"features"`
	// MinuteLimits adds a per-minute burst window for a plan (0 = none).
	MinuteLimits map[string]int64 `yaml:"minute_limits"`
	// DailyAllowance grants pooled credits per plan per UTC day, spent
	// before purchased credits.
	DailyAllowance map[string]int64 `yaml:"daily_allowance"`
	Budgets        []BudgetPolicy   `yaml:"budgets"`
	Policies       Policies         `yaml:"policies"`
	Breaker        BreakerConfig    `yaml:"breaker"`
	// Quotas are seeded into the quota store on startup when missing.
	Quotas []QuotaConfig `yaml:"quotas"`

	Storage StorageConfig `yaml:"storage"`
	Admin   AdminConfig   `yaml:"admin"`
}

// FeatureConfig describes a metered feature.
type FeatureConfig struct {
	Name string `yaml:"name"`
	// CreditCost is debited per request; 0 means the feature is not
	// charged against the credit ledger.
	CreditCost int64 `yaml:"credit_cost"`
	// Provider is the pooled provider used when the request names none.
	Provider string `yaml:"provider"`
}

// StorageConfig selects and locates the backing stores.
type StorageConfig struct {
	// Driver is "memory", "postgres" or "sqlite".
	Driver      string `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	SQLitePath  string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	TablePrefix string `yaml:"table_prefix" envconfig:"TABLE_PREFIX"`
	// RedisURL enables the Redis window store and daily allowance.
	RedisURL  string `yaml:"redis_url" envconfig:"REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Listen string `yaml:"listen" envconfig:"ADMIN_LISTEN"`
	Token  string `yaml:"token" envconfig:"ADMIN_TOKEN"`
	// RefreshSchedule is a cron expression for periodic cache refresh.
	RefreshSchedule string `yaml:"refresh_schedule" envconfig:"REFRESH_SCHEDULE"`
}

// EnvPrefix is the prefix of environment overrides (QUOTAGUARD_DATABASE_URL...).
const EnvPrefix = "QUOTAGUARD"

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		AnonymousPlan:  "anonymous",
		DefaultPlan:    "free",
		RequestTimeout: 300 * time.Millisecond,
		CommitTimeout:  5 * time.Second,
		QuotaCacheTTL:  DefaultQuotaCacheTTL,
		BudgetCacheTTL: DefaultBudgetCacheTTL,
		Policies:       DefaultPolicies(),
		Storage: StorageConfig{
			Driver:      "memory",
			TablePrefix: "quotaguard_",
			KeyPrefix:   "quotaguard:",
		},
		Admin: AdminConfig{
			Listen:          ":8090",
			RefreshSchedule: "@every 1m",
		},
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing,
// then QUOTAGUARD_* variables override storage and admin settings.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotaguard: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotaguard: parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv overrides storage and admin settings from the environment.
// Unset variables keep the file values.
func (c *Config) ApplyEnv() error {
	var storage StorageConfig
	if err := envconfig.Process(EnvPrefix, &storage); err != nil {
		return fmt.Errorf("quotaguard: env config: %w", err)
	}
	var admin AdminConfig
	if err := envconfig.Process(EnvPrefix, &admin); err != nil {
		return fmt.Errorf("quotaguard: env config: %w", err)
	}
	overrideString(&c.Storage.Driver, storage.Driver)
	overrideString(&c.Storage.DatabaseURL, storage.DatabaseURL)
	overrideString(&c.Storage.SQLitePath, storage.SQLitePath)
	overrideString(&c.Storage.TablePrefix, storage.TablePrefix)
	overrideString(&c.Storage.RedisURL, storage.RedisURL)
	overrideString(&c.Storage.KeyPrefix, storage.KeyPrefix)
	overrideString(&c.Admin.Listen, admin.Listen)
	overrideString(&c.Admin.Token, admin.Token)
	overrideString(&c.Admin.RefreshSchedule, admin.RefreshSchedule)
	return nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.AnonymousPlan == "" {
		return fmt.Errorf("quotaguard: config: anonymous_plan is required")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("quotaguard: config: request_timeout must be >= 0")
	}
	if c.CommitTimeout < 0 {
		return fmt.Errorf("quotaguard: config: commit_timeout must be >= 0")
	}

	names := make(map[string]bool, len(c.Features))
	for i, f := range c.Features {
		if f.Name == "" {
			return fmt.Errorf("quotaguard: config: features[%d]: name is required", i)
		}
		if names[f.Name] {
			return fmt.Errorf("quotaguard: config: duplicate feature %q", f.Name)
		}
		names[f.Name] = true
		if f.CreditCost < 0 {
			return fmt.Errorf("quotaguard: config: features[%d] (%s): credit_cost must be >= 0", i, f.Name)
		}
	}

	for plan, l := range c.MinuteLimits {
		if l < 0 {
			return fmt.Errorf("quotaguard: config: minute_limits[%s] must be >= 0", plan)
		}
	}
	for plan, l := range c.DailyAllowance {
		if l < 0 {
			return fmt.Errorf("quotaguard: config: daily_allowance[%s] must be >= 0", plan)
		}
	}

	providers := make(map[string]bool, len(c.Budgets))
	for i, b := range c.Budgets {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("quotaguard: config: budgets[%d]: %w", i, err)
		}
		if providers[b.Provider] {
			return fmt.Errorf("quotaguard: config: duplicate budget for provider %q", b.Provider)
		}
		providers[b.Provider] = true
	}

	for i, q := range c.Quotas {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("quotaguard: config: quotas[%d]: %w", i, err)
		}
	}

	if err := c.Policies.Validate(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case "", "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("quotaguard: config: storage.database_url is required for postgres")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("quotaguard: config: storage.sqlite_path is required for sqlite")
		}
	default:
		return fmt.Errorf("quotaguard: config: unknown storage.driver %q", c.Storage.Driver)
	}

	return nil
}

// Feature returns the config of a feature; unknown features cost nothing.
func (c Config) Feature(name string) FeatureConfig {
	for _, f := range c.Features {
		if f.Name == name {
			return f
		}
	}
	return FeatureConfig{Name: name}
}
