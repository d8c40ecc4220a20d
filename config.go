package tokengate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Providers   []ProviderConfig `yaml:"providers"`
	Strategy    Strategy         `yaml:"strategy"`
	MaxAttempts int              `yaml:"max_attempts"`
	Health      HealthConfig     `yaml:"health"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Quota       QuotaConfig      `yaml:"quota"`
	Rules       RulesConfig      `yaml:"rules"`
	Audit       AuditConfig      `yaml:"audit"`
	Calendar    CalendarConfig   `yaml:"calendar"`
	Timeouts    Timeouts         `yaml:"timeouts"`
	Redis       RedisConfig      `yaml:"redis"`
	Postgres    PostgresConfig   `yaml:"postgres"`
	Log         LogConfig        `yaml:"log"`
	// Seed populates the in-memory store when no database is configured.
	Seed SeedConfig `yaml:"seed"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AdminSecret signs the bearer tokens accepted by the admin hooks.
	AdminSecret  string `yaml:"admin_secret"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// ProviderConfig configures a single upstream endpoint.
type ProviderConfig struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	BaseURL      string   `yaml:"base_url"`
	Auth         Auth     `yaml:"auth"`
	Priority     int      `yaml:"priority"`
	Weight       int      `yaml:"weight"`
	Enabled      *bool    `yaml:"enabled"`
	Models       []string `yaml:"models"`
	DefaultModel string   `yaml:"default_model"`
	// SigningKey is a hex secp256k1 private key. When set, request bodies
	// are signed instead of sending the API key as a bearer token.
	SigningKey string `yaml:"signing_key"`
}

// IsEnabled reports whether the provider takes traffic. Providers are
// enabled unless explicitly disabled.
func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// HealthConfig configures background probing.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// RateLimitConfig configures the admission token bucket.
type RateLimitConfig struct {
	Enabled           *bool   `yaml:"enabled"`
	Backend           string  `yaml:"backend"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
	MaxKeys           int     `yaml:"max_keys"`
	FailOpen          *bool   `yaml:"fail_open"`
}

// QuotaConfig configures the quota service.
type QuotaConfig struct {
	Backend          string        `yaml:"backend"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	DefaultMaxTokens int           `yaml:"default_max_tokens"`
}

// RulesConfig configures the rule engine.
type RulesConfig struct {
	MatchTimeout time.Duration `yaml:"match_timeout"`
}

// AuditConfig configures the async audit logger.
type AuditConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxPending     int           `yaml:"max_pending"`
	DeadLetterPath string        `yaml:"dead_letter_path"`
}

// CalendarConfig configures the week calendar.
type CalendarConfig struct {
	// Start is a date in YYYY-MM-DD form.
	Start string `yaml:"start"`
	Weeks int    `yaml:"weeks"`
}

// RedisConfig configures the shared cache.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig configures the durable store.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	TablePrefix  string `yaml:"table_prefix"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

// SeedConfig lists callers, rules and weekly prompts for the in-memory store.
type SeedConfig struct {
	Callers       []CallerConfig       `yaml:"callers"`
	Rules         []RuleConfig         `yaml:"rules"`
	WeeklyPrompts []WeeklyPromptConfig `yaml:"weekly_prompts"`
}

// CallerConfig enrolls one caller. APIKey is hashed on load and never stored.
type CallerConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	APIKey      string `yaml:"api_key"`
	WeeklyGrant int64  `yaml:"weekly_grant"`
	Active      *bool  `yaml:"active"`
}

// Caller converts the config into a Caller.
func (c CallerConfig) Caller() Caller {
	return Caller{
		ID:             c.ID,
		Name:           c.Name,
		CredentialHash: HashCredential(c.APIKey),
		WeeklyGrant:    c.WeeklyGrant,
		Active:         c.Active == nil || *c.Active,
	}
}

// RuleConfig defines one content rule.
type RuleConfig struct {
	ID          int64      `yaml:"id"`
	Pattern     string     `yaml:"pattern"`
	Action      RuleAction `yaml:"action"`
	Message     string     `yaml:"message"`
	ActiveWeeks string     `yaml:"active_weeks"`
	Enabled     *bool      `yaml:"enabled"`
}

// Rule converts the config into a Rule. An unparseable active_weeks
// applies the rule to every period and returns the parse error.
func (c RuleConfig) Rule() (Rule, error) {
	periods, err := ParsePeriodRange(c.ActiveWeeks)
	return Rule{
		ID:      c.ID,
		Pattern: c.Pattern,
		Action:  c.Action,
		Message: c.Message,
		Periods: periods,
		Enabled: c.Enabled == nil || *c.Enabled,
	}, err
}

// WeeklyPromptConfig defines one weekly prompt.
type WeeklyPromptConfig struct {
	ID          int64  `yaml:"id"`
	WeekStart   int    `yaml:"week_start"`
	WeekEnd     int    `yaml:"week_end"`
	Text        string `yaml:"text"`
	Description string `yaml:"description"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tokengate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tokengate: parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	for i := range c.Providers {
		if c.Providers[i].Kind == "" {
			c.Providers[i].Kind = "openai"
		}
		if c.Providers[i].Weight <= 0 {
			c.Providers[i].Weight = 1
		}
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = DefaultHealthCheckInterval
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = DefaultHealthCheckTimeout
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = DefaultProbeFailureThreshold
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = BackendMemory
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
	if c.RateLimit.MaxKeys <= 0 {
		c.RateLimit.MaxKeys = 10000
	}
	if c.Quota.Backend == "" {
		c.Quota.Backend = BackendMemory
	}
	if c.Quota.SyncInterval <= 0 {
		c.Quota.SyncInterval = 60 * time.Second
	}
	if c.Quota.CacheTTL <= 0 {
		c.Quota.CacheTTL = 7 * 24 * time.Hour
	}
	if c.Quota.DefaultMaxTokens <= 0 {
		c.Quota.DefaultMaxTokens = DefaultMaxTokens
	}
	if c.Rules.MatchTimeout <= 0 {
		c.Rules.MatchTimeout = 50 * time.Millisecond
	}
	if c.Audit.BatchSize <= 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval <= 0 {
		c.Audit.FlushInterval = 5 * time.Second
	}
	if c.Audit.MaxPending <= 0 {
		c.Audit.MaxPending = 10000
	}
	if c.Audit.DeadLetterPath == "" {
		c.Audit.DeadLetterPath = "audit-deadletter.jsonl"
	}
	if c.Calendar.Weeks <= 0 {
		c.Calendar.Weeks = 16
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "tokengate:"
	}
	if c.Postgres.TablePrefix == "" {
		c.Postgres.TablePrefix = "tokengate_"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Timeouts.fill()
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("tokengate: config: at least one provider is required")
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("tokengate: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("tokengate: config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true

		switch p.Kind {
		case "openai", "mock":
		default:
			return fmt.Errorf("tokengate: config: providers[%d] (%s): unknown kind %q", i, p.Name, p.Kind)
		}
		if p.Kind == "openai" && p.BaseURL == "" {
			return fmt.Errorf("tokengate: config: providers[%d] (%s): base_url is required", i, p.Name)
		}
	}

	switch c.Strategy {
	case StrategyRoundRobin, StrategyWeightedRandom, StrategyHealthFirst:
	default:
		return fmt.Errorf("tokengate: config: unknown strategy %q", c.Strategy)
	}

	for field, backend := range map[string]string{"rate_limit": c.RateLimit.Backend, "quota": c.Quota.Backend} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("tokengate: config: %s.backend is redis but redis.addr is empty", field)
			}
		default:
			return fmt.Errorf("tokengate: config: %s: unknown backend %q", field, backend)
		}
	}

	if _, err := c.Calendar.Parse(); err != nil {
		return err
	}

	ids := make(map[string]bool, len(c.Seed.Callers))
	for i, cc := range c.Seed.Callers {
		if cc.ID == "" || cc.APIKey == "" {
			return fmt.Errorf("tokengate: config: seed.callers[%d]: id and api_key are required", i)
		}
		if ids[cc.ID] {
			return fmt.Errorf("tokengate: config: duplicate caller id %q", cc.ID)
		}
		ids[cc.ID] = true
	}
	for i, rc := range c.Seed.Rules {
		switch rc.Action {
		case RuleBlock, RuleGuide:
		default:
			return fmt.Errorf("tokengate: config: seed.rules[%d]: unknown action %q", i, rc.Action)
		}
	}
	for i, wp := range c.Seed.WeeklyPrompts {
		if wp.WeekStart < 1 || wp.WeekEnd < wp.WeekStart {
			return fmt.Errorf("tokengate: config: seed.weekly_prompts[%d]: invalid week range %d-%d", i, wp.WeekStart, wp.WeekEnd)
		}
	}

	return nil
}

// Parse converts the calendar config into a WeekCalendar.
func (c CalendarConfig) Parse() (WeekCalendar, error) {
	cal := WeekCalendar{Weeks: c.Weeks}
	if c.Start == "" {
		return cal, nil
	}
	start, err := time.ParseInLocation("2006-01-02", c.Start, time.Local)
	if err != nil {
		return WeekCalendar{}, fmt.Errorf("tokengate: config: calendar.start: %w", err)
	}
	cal.Start = start
	return cal, nil
}
