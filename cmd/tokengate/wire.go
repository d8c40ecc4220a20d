package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/audit"
	"github.com/ineyio/tokengate/internal/api"
	"github.com/ineyio/tokengate/meter"
	"github.com/ineyio/tokengate/policy"
	"github.com/ineyio/tokengate/provider/mock"
	"github.com/ineyio/tokengate/provider/openaicompat"
	"github.com/ineyio/tokengate/provider/signing"
	"github.com/ineyio/tokengate/quota"
	quotaredis "github.com/ineyio/tokengate/quota/redis"
	"github.com/ineyio/tokengate/ratelimit"
	ratelimitredis "github.com/ineyio/tokengate/ratelimit/redis"
	"github.com/ineyio/tokengate/rules"
	"github.com/ineyio/tokengate/store/memory"
	pgstore "github.com/ineyio/tokengate/store/postgres"
	"github.com/ineyio/tokengate/weeklyprompt"
)

// store is everything the gateway reads from its system of record.
type store interface {
	tokengate.CallerStore
	quota.Store
	rules.Source
	weeklyprompt.Source
	audit.Sink
}

type app struct {
	logger  *slog.Logger
	server  *api.Server
	checker *tokengate.HealthChecker
	quota   *quota.Service
	audit   *audit.Logger
	closers []func()
}

func build(ctx context.Context, cfg tokengate.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	st, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("tokengate: redis ping: %w", err)
		}
	}

	regs, err := buildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	health := tokengate.NewHealthTracker(
		tokengate.WithProbeFailureThreshold(cfg.Health.FailureThreshold),
		tokengate.WithHealthLogger(logger),
	)
	router, err := tokengate.NewRouter(regs,
		tokengate.WithPolicy(pol),
		tokengate.WithMeter(meter.NewLogMeter(logger)),
		tokengate.WithHealthTracker(health),
		tokengate.WithMaxAttempts(cfg.MaxAttempts),
		tokengate.WithAttemptTimeout(cfg.Timeouts.Attempt),
	)
	if err != nil {
		return nil, err
	}
	a.checker = tokengate.NewHealthChecker(router.Providers(), health,
		tokengate.WithCheckInterval(cfg.Health.Interval),
		tokengate.WithCheckTimeout(cfg.Health.Timeout),
		tokengate.WithCheckerLogger(logger),
	)

	calendar, err := cfg.Calendar.Parse()
	if err != nil {
		return nil, err
	}

	rlCfg := ratelimit.Config{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
	var limiter tokengate.RateLimiter
	var memLimiter *ratelimit.Memory
	if cfg.RateLimit.Backend == tokengate.BackendRedis {
		limiter = ratelimitredis.New(rdb, rlCfg, ratelimitredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
	} else {
		memLimiter = ratelimit.NewMemory(rlCfg, ratelimit.WithMaxKeys(cfg.RateLimit.MaxKeys))
		limiter = memLimiter
	}

	var cache quota.Cache
	if cfg.Quota.Backend == tokengate.BackendRedis {
		cache = quotaredis.New(rdb,
			quotaredis.WithKeyPrefix(cfg.Redis.KeyPrefix+"quota:"),
			quotaredis.WithTTL(cfg.Quota.CacheTTL),
		)
	} else {
		cache = quota.NewMemoryCache()
	}
	a.quota = quota.NewService(cache, st,
		quota.WithSyncInterval(cfg.Quota.SyncInterval),
		quota.WithCurrentPeriod(func() int { return calendar.Period(time.Now()) }),
		quota.WithLogger(logger),
	)

	engine := rules.New(st,
		rules.WithMatchTimeout(cfg.Rules.MatchTimeout),
		rules.WithLogger(logger),
	)
	prompts := weeklyprompt.New(st, weeklyprompt.WithLogger(logger))

	a.audit = audit.New(st,
		audit.WithBatchSize(cfg.Audit.BatchSize),
		audit.WithFlushInterval(cfg.Audit.FlushInterval),
		audit.WithMaxPending(cfg.Audit.MaxPending),
		audit.WithDeadLetterPath(cfg.Audit.DeadLetterPath),
		audit.WithLogger(logger),
	)

	failOpen := cfg.RateLimit.FailOpen == nil || *cfg.RateLimit.FailOpen
	gwOpts := []tokengate.GatewayOption{
		tokengate.WithRuleEvaluator(engine),
		tokengate.WithPromptResolver(prompts),
		tokengate.WithQuotaService(a.quota),
		tokengate.WithAuditLogger(a.audit),
		tokengate.WithCalendar(calendar),
		tokengate.WithTimeouts(cfg.Timeouts),
		tokengate.WithDefaultMaxTokens(cfg.Quota.DefaultMaxTokens),
		tokengate.WithRateLimitFailOpen(failOpen),
		tokengate.WithLogger(logger),
	}
	if cfg.RateLimit.Enabled == nil || *cfg.RateLimit.Enabled {
		gwOpts = append(gwOpts, tokengate.WithRateLimiter(limiter))
	}
	gw, err := tokengate.NewGateway(router, st, gwOpts...)
	if err != nil {
		return nil, err
	}

	// Failed logins share the address bucket shape of the caller limiter.
	authLimiter := ratelimit.NewMemory(rlCfg, ratelimit.WithMaxKeys(cfg.RateLimit.MaxKeys))

	apiOpts := []api.Option{
		api.WithAdminSecret(cfg.Server.AdminSecret),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithAuthFailureLimiter(authLimiter),
		api.WithLogger(logger),
		api.WithStatusSection("audit", func() any { return a.audit.Stats() }),
		api.WithStatusSection("rules", func() any {
			loadedAt, err := engine.LoadedAt()
			out := map[string]any{"count": len(engine.Rules())}
			if err == nil {
				out["loaded_at"] = loadedAt
			}
			return out
		}),
	}
	if memLimiter != nil {
		apiOpts = append(apiOpts, api.WithStatusSection("rate_limiter", func() any {
			return map[string]int{"tracked_keys": memLimiter.Len()}
		}))
	}
	a.server = api.NewServer(gw, apiOpts...)

	ok = true
	return a, nil
}

// openStore connects Postgres when a DSN is configured and falls back to
// the seeded in-memory store otherwise.
func (a *app) openStore(ctx context.Context, cfg tokengate.Config) (store, error) {
	if cfg.Postgres.DSN == "" {
		st := memory.New()
		st.Seed(cfg.Seed, func(rc tokengate.RuleConfig, err error) {
			a.logger.Warn("seed rule has invalid active_weeks, applying to every period",
				"rule_id", rc.ID,
				"error", err,
			)
		})
		a.logger.Info("using in-memory store",
			"callers", len(cfg.Seed.Callers),
			"rules", len(cfg.Seed.Rules),
			"weekly_prompts", len(cfg.Seed.WeeklyPrompts),
		)
		return st, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("tokengate: postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("tokengate: postgres ping: %w", err)
	}

	st := pgstore.New(pool,
		pgstore.WithTablePrefix(cfg.Postgres.TablePrefix),
		pgstore.WithLogger(a.logger),
	)
	if cfg.Postgres.EnsureSchema {
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	for _, cc := range cfg.Seed.Callers {
		if err := st.UpsertCaller(ctx, cc.Caller()); err != nil {
			return nil, fmt.Errorf("tokengate: seed caller %s: %w", cc.ID, err)
		}
	}
	return st, nil
}

func buildProviders(cfgs []tokengate.ProviderConfig) ([]tokengate.ProviderRegistration, error) {
	regs := make([]tokengate.ProviderRegistration, 0, len(cfgs))
	for _, pc := range cfgs {
		reg := tokengate.ProviderRegistration{
			Auth:         pc.Auth,
			Priority:     pc.Priority,
			Weight:       pc.Weight,
			Enabled:      pc.IsEnabled(),
			Models:       pc.Models,
			DefaultModel: pc.DefaultModel,
		}

		switch pc.Kind {
		case "mock":
			reg.Provider = mock.New(mock.WithName(pc.Name))
		default:
			opts := []openaicompat.Option{openaicompat.WithAuth(pc.Auth)}
			if pc.SigningKey != "" {
				t, err := signing.NewTransport(http.DefaultTransport, pc.SigningKey)
				if err != nil {
					return nil, fmt.Errorf("tokengate: provider %s: %w", pc.Name, err)
				}
				opts = []openaicompat.Option{openaicompat.WithHTTPClient(&http.Client{Transport: t})}
				reg.Auth = tokengate.Auth{}
			}
			reg.Provider = openaicompat.New(pc.Name, pc.BaseURL, opts...)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (a *app) start(ctx context.Context) {
	a.audit.Start()
	if n, err := a.audit.ReplayDeadLetters(ctx); err != nil {
		a.logger.Error("dead-letter replay failed", "error", err)
	} else if n > 0 {
		a.logger.Info("replayed dead-lettered audit entries", "count", n)
	}

	// Probe once before taking traffic so the router starts from real state.
	a.checker.CheckAll(ctx)
	a.checker.Start(ctx)
	a.quota.Start(ctx)
}

// shutdown stops background work in dependency order: health probes, the
// quota service with its final sync, then the audit logger.
func (a *app) shutdown(ctx context.Context) []error {
	var errs []error
	a.checker.Stop()
	if err := a.quota.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("quota sync: %w", err))
	}
	if err := a.audit.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("audit close: %w", err))
	}
	return errs
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
