// Package postgres provides the PostgreSQL-backed durable store for tokengate.
//
// It is the source of truth for callers, per-period quota usage, content
// rules, weekly prompts and the conversation audit log. Safe for
// multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/audit"
	"github.com/ineyio/tokengate/quota"
	"github.com/ineyio/tokengate/rules"
	"github.com/ineyio/tokengate/weeklyprompt"
)

// Store is a PostgreSQL-backed store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	logger      *slog.Logger
}

var (
	_ tokengate.CallerStore = (*Store)(nil)
	_ quota.Store           = (*Store)(nil)
	_ rules.Source          = (*Store)(nil)
	_ weeklyprompt.Source   = (*Store)(nil)
	_ audit.Sink            = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokengate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithLogger sets the logger used for data warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokengate_",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) callersTable() string       { return s.tablePrefix + "callers" }
func (s *Store) usageTable() string         { return s.tablePrefix + "quota_usage" }
func (s *Store) rulesTable() string         { return s.tablePrefix + "rules" }
func (s *Store) promptsTable() string       { return s.tablePrefix + "weekly_prompts" }
func (s *Store) conversationsTable() string { return s.tablePrefix + "conversations" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			credential_hash TEXT NOT NULL UNIQUE,
			weekly_grant BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			caller_id TEXT NOT NULL,
			period INT NOT NULL,
			used BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (caller_id, period)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id BIGSERIAL PRIMARY KEY,
			pattern TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT 'block',
			message TEXT NOT NULL DEFAULT '',
			active_weeks TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT true
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			id BIGSERIAL PRIMARY KEY,
			week_start INT NOT NULL,
			week_end INT NOT NULL,
			system_prompt TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT true,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			caller_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			action TEXT NOT NULL,
			rule_id BIGINT,
			weekly_prompt_id BIGINT,
			period INT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[5]s_caller_idx ON %[5]s (caller_id, created_at);
	`, s.callersTable(), s.usageTable(), s.rulesTable(), s.promptsTable(), s.conversationsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("tokengate/postgres: ensure schema: %w", err)
	}
	return nil
}

// LookupCaller returns the caller with the credential hash. WeeklyUsed is
// the usage recorded for the caller's latest period.
func (s *Store) LookupCaller(ctx context.Context, hash string) (tokengate.Caller, error) {
	var c tokengate.Caller
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT c.id, c.name, c.credential_hash, c.weekly_grant, c.active,
				COALESCE((SELECT u.used FROM %s u WHERE u.caller_id = c.id ORDER BY u.period DESC LIMIT 1), 0)
			FROM %s c WHERE c.credential_hash = $1`, s.usageTable(), s.callersTable()),
		hash,
	).Scan(&c.ID, &c.Name, &c.CredentialHash, &c.WeeklyGrant, &c.Active, &c.WeeklyUsed)

	if errors.Is(err, pgx.ErrNoRows) {
		return tokengate.Caller{}, tokengate.ErrCallerNotFound
	}
	if err != nil {
		return tokengate.Caller{}, fmt.Errorf("tokengate/postgres: lookup caller: %w", err)
	}
	return c, nil
}

// UpsertCaller enrolls a caller or updates its name, grant and status.
func (s *Store) UpsertCaller(ctx context.Context, c tokengate.Caller) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, name, credential_hash, weekly_grant, active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name = $2, credential_hash = $3, weekly_grant = $4, active = $5`,
			s.callersTable()),
		c.ID, c.Name, c.CredentialHash, c.WeeklyGrant, c.Active,
	)
	if err != nil {
		return fmt.Errorf("tokengate/postgres: upsert caller: %w", err)
	}
	return nil
}

// LoadQuota returns the caller's grant and recorded usage for period.
func (s *Store) LoadQuota(ctx context.Context, callerID string, period int) (int64, int64, error) {
	var granted, used int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT c.weekly_grant, COALESCE(u.used, 0)
			FROM %s c LEFT JOIN %s u ON u.caller_id = c.id AND u.period = $2
			WHERE c.id = $1`, s.callersTable(), s.usageTable()),
		callerID, period,
	).Scan(&granted, &used)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, tokengate.ErrCallerNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("tokengate/postgres: load quota: %w", err)
	}
	return granted, used, nil
}

// SaveUsage records usage for the period. The stored value never decreases.
func (s *Store) SaveUsage(ctx context.Context, callerID string, period int, used int64) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`WITH upsert AS (
				INSERT INTO %[1]s (caller_id, period, used, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (caller_id, period)
				DO UPDATE SET used = GREATEST(%[1]s.used, EXCLUDED.used), updated_at = now()
				RETURNING used
			)
			SELECT used FROM upsert`, s.usageTable()),
		callerID, period, used,
	)
	if err != nil {
		return fmt.Errorf("tokengate/postgres: save usage: %w", err)
	}
	return nil
}

// LoadRules returns every rule. Unparseable active_weeks values apply the
// rule to all periods and are logged.
func (s *Store) LoadRules(ctx context.Context) ([]tokengate.Rule, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, pattern, action, message, active_weeks, enabled FROM %s ORDER BY id`, s.rulesTable()),
	)
	if err != nil {
		return nil, fmt.Errorf("tokengate/postgres: load rules: %w", err)
	}
	defer rows.Close()

	var out []tokengate.Rule
	for rows.Next() {
		var r tokengate.Rule
		var action, weeks string
		if err := rows.Scan(&r.ID, &r.Pattern, &action, &r.Message, &weeks, &r.Enabled); err != nil {
			return nil, fmt.Errorf("tokengate/postgres: scan rule: %w", err)
		}
		r.Action = tokengate.RuleAction(action)
		r.Periods, err = tokengate.ParsePeriodRange(weeks)
		if err != nil {
			s.logger.Warn("rule has invalid active_weeks, applying to all periods",
				"rule_id", r.ID,
				"active_weeks", weeks,
			)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tokengate/postgres: load rules: %w", err)
	}
	return out, nil
}

// LoadWeeklyPrompts returns the active prompts covering period.
func (s *Store) LoadWeeklyPrompts(ctx context.Context, period int) ([]tokengate.WeeklyPrompt, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, week_start, week_end, system_prompt, description, is_active, updated_at
			FROM %s WHERE is_active AND week_start <= $1 AND week_end >= $1`, s.promptsTable()),
		period,
	)
	if err != nil {
		return nil, fmt.Errorf("tokengate/postgres: load weekly prompts: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tokengate.WeeklyPrompt, error) {
		var p tokengate.WeeklyPrompt
		err := row.Scan(&p.ID, &p.PeriodStart, &p.PeriodEnd, &p.Text, &p.Description, &p.Active, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("tokengate/postgres: load weekly prompts: %w", err)
	}
	return out, nil
}

// InsertConversations writes audit entries in one batch. Entries whose ID
// already exists are skipped, so replays are safe.
func (s *Store) InsertConversations(ctx context.Context, entries []tokengate.ConversationLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	q := fmt.Sprintf(`INSERT INTO %s
		(id, request_id, caller_id, prompt, response, tokens_used, action, rule_id, weekly_prompt_id, period, provider, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`, s.conversationsTable())

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q,
			e.ID, e.RequestID, e.CallerID, e.Prompt, e.Response, e.TokensUsed, string(e.Action),
			nullID(e.RuleID), nullID(e.WeeklyPromptID), e.Period, e.Provider, e.Model, e.Timestamp.UTC(),
		)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("tokengate/postgres: insert conversations: %w", err)
	}
	return nil
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
