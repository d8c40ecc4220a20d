// Package rules evaluates prompts against the configured content rules.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"golang.org/x/sync/singleflight"

	"github.com/ineyio/tokengate"
)

// DefaultMatchTimeout bounds a single pattern match.
const DefaultMatchTimeout = 50 * time.Millisecond

var errNotLoaded = errors.New("tokengate/rules: not loaded")

// Source loads the full rule set.
type Source interface {
	LoadRules(ctx context.Context) ([]tokengate.Rule, error)
}

type compiledRule struct {
	rule tokengate.Rule
	re   *regexp2.Regexp
}

// snapshot is an immutable compiled rule set.
type snapshot struct {
	rules    []compiledRule
	loadedAt time.Time
	// gen orders loads by when they started reading the source.
	gen uint64
}

// Engine matches prompts against the cached rule set. Evaluation is
// lock-free; Reload swaps in a new snapshot atomically.
type Engine struct {
	source       Source
	matchTimeout time.Duration
	logger       *slog.Logger

	current atomic.Pointer[snapshot]
	gen     atomic.Uint64
	loads   singleflight.Group
}

var _ tokengate.RuleEvaluator = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithMatchTimeout bounds each pattern match.
func WithMatchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.matchTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. Rules are loaded on first use or by Reload.
func New(source Source, opts ...Option) *Engine {
	e := &Engine{
		source:       source,
		matchTimeout: DefaultMatchTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reload fetches and compiles the rule set, then swaps it in. It always
// reads the source after being called and never joins a load already in
// flight. On error the previous snapshot stays active.
func (e *Engine) Reload(ctx context.Context) error {
	return e.reload(ctx)
}

func (e *Engine) reload(ctx context.Context) error {
	gen := e.gen.Add(1)
	rules, err := e.source.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	snap := &snapshot{rules: e.compile(rules), loadedAt: time.Now(), gen: gen}
	if !e.install(snap) {
		e.logger.Debug("discarding rule load superseded by a newer one", "gen", gen)
		return nil
	}
	e.logger.Info("rules loaded", "count", len(snap.rules), "total", len(rules))
	return nil
}

// install swaps snap in unless a load that started later is already active.
func (e *Engine) install(snap *snapshot) bool {
	for {
		cur := e.current.Load()
		if cur != nil && cur.gen > snap.gen {
			return false
		}
		if e.current.CompareAndSwap(cur, snap) {
			return true
		}
	}
}

func (e *Engine) compile(rules []tokengate.Rule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		re, err := regexp2.Compile(r.Pattern, regexp2.None)
		if err != nil {
			e.logger.Error("skipping rule with invalid pattern",
				"rule_id", r.ID,
				"pattern", r.Pattern,
				"error", err,
			)
			continue
		}
		re.MatchTimeout = e.matchTimeout
		out = append(out, compiledRule{rule: r, re: re})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rule.ID < out[j].rule.ID })
	return out
}

func (e *Engine) snapshot(ctx context.Context) (*snapshot, error) {
	if s := e.current.Load(); s != nil {
		return s, nil
	}
	// First use loads once for all waiters, detached from whichever caller
	// happens to lead.
	_, err, _ := e.loads.Do("rules", func() (any, error) {
		return nil, e.reload(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return e.current.Load(), nil
}

// Evaluate returns the first rule, by ascending id, that applies to period
// and matches prompt. A zero result means nothing matched.
func (e *Engine) Evaluate(ctx context.Context, prompt string, period int) (tokengate.RuleResult, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return tokengate.RuleResult{}, err
	}

	for _, cr := range snap.rules {
		if err := ctx.Err(); err != nil {
			return tokengate.RuleResult{}, err
		}
		if !cr.rule.Periods.Contains(period) {
			continue
		}

		ok, err := cr.re.MatchString(prompt)
		if err != nil {
			e.logger.Warn("rule match aborted",
				"rule_id", cr.rule.ID,
				"timeout", e.matchTimeout,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		if cr.rule.Action == tokengate.RuleGuide {
			e.logger.Warn("guide rules are deprecated, request passes unchanged", "rule_id", cr.rule.ID)
		}
		return tokengate.RuleResult{
			Action:  cr.rule.Action,
			RuleID:  cr.rule.ID,
			Message: cr.rule.Message,
		}, nil
	}
	return tokengate.RuleResult{}, nil
}

// Rules returns the active compiled rules in evaluation order.
func (e *Engine) Rules() []tokengate.Rule {
	s := e.current.Load()
	if s == nil {
		return nil
	}
	out := make([]tokengate.Rule, len(s.rules))
	for i, cr := range s.rules {
		out[i] = cr.rule
	}
	return out
}

// LoadedAt returns when the active snapshot was loaded.
func (e *Engine) LoadedAt() (time.Time, error) {
	s := e.current.Load()
	if s == nil {
		return time.Time{}, errNotLoaded
	}
	return s.loadedAt, nil
}
