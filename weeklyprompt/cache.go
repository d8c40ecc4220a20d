// Package weeklyprompt resolves the system prompt that applies to a period.
package weeklyprompt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/ineyio/tokengate"
)

// Source loads the prompts that may apply to a period. Implementations may
// return extra rows; the cache filters and ranks them.
type Source interface {
	LoadWeeklyPrompts(ctx context.Context, period int) ([]tokengate.WeeklyPrompt, error)
}

type resolution struct {
	prompt tokengate.WeeklyPrompt
	found  bool
}

// snapshot is immutable once published.
type snapshot struct {
	gen     uint64
	periods map[int]resolution
}

// Cache memoizes the winning prompt per period. Reads are lock-free.
type Cache struct {
	source Source
	logger *slog.Logger

	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
	loads   singleflight.Group
}

var _ tokengate.PromptResolver = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache over source.
func New(source Source, opts ...Option) *Cache {
	c := &Cache{source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(&snapshot{periods: map[int]resolution{}})
	return c
}

// Resolve returns the prompt for period. The bool is false when no active
// prompt covers it.
func (c *Cache) Resolve(ctx context.Context, period int) (tokengate.WeeklyPrompt, bool, error) {
	snap := c.current.Load()
	if r, ok := snap.periods[period]; ok {
		return r.prompt, r.found, nil
	}

	// Concurrent misses share one load, detached from any one caller's
	// cancellation so a departing leader cannot fail the waiters.
	key := fmt.Sprintf("%d:%d", snap.gen, period)
	ch := c.loads.DoChan(key, func() (any, error) {
		prompts, err := c.source.LoadWeeklyPrompts(context.WithoutCancel(ctx), period)
		if err != nil {
			return resolution{}, err
		}
		r := resolution{}
		r.prompt, r.found = Select(prompts, period)
		c.store(snap.gen, period, r)
		return r, nil
	})

	select {
	case <-ctx.Done():
		return tokengate.WeeklyPrompt{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return tokengate.WeeklyPrompt{}, false, fmt.Errorf("load weekly prompts for period %d: %w", period, res.Err)
		}
		r := res.Val.(resolution)
		return r.prompt, r.found, nil
	}
}

// store publishes a resolution unless the cache was invalidated since the
// load started. Earlier periods are dropped.
func (c *Cache) store(gen uint64, period int, r resolution) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current.Load()
	if cur.gen != gen {
		return
	}
	next := &snapshot{gen: cur.gen, periods: make(map[int]resolution, len(cur.periods)+1)}
	for p, v := range cur.periods {
		if p >= period {
			next.periods[p] = v
		}
	}
	next.periods[period] = r
	c.current.Store(next)

	if r.found {
		c.logger.Debug("weekly prompt cached", "period", period, "prompt_id", r.prompt.ID)
	}
}

// Invalidate drops every cached resolution.
func (c *Cache) Invalidate() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cur := c.current.Load()
	c.current.Store(&snapshot{gen: cur.gen + 1, periods: map[int]resolution{}})
	c.logger.Info("weekly prompt cache invalidated")
}

// Select picks the active prompt with the narrowest range covering
// period. Ties go to the latest update, then the highest id.
func Select(prompts []tokengate.WeeklyPrompt, period int) (tokengate.WeeklyPrompt, bool) {
	var best tokengate.WeeklyPrompt
	found := false
	for _, p := range prompts {
		if !p.Active || !p.Range().Contains(period) {
			continue
		}
		if !found || better(p, best) {
			best = p
			found = true
		}
	}
	return best, found
}

func better(a, b tokengate.WeeklyPrompt) bool {
	if wa, wb := a.Range().Width(), b.Range().Width(); wa != wb {
		return wa < wb
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}
