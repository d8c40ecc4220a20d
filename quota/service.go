package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/internal/schedule"
)

// DefaultSyncInterval is how often dirty usage is written back to the store.
const DefaultSyncInterval = 60 * time.Second

// pruner is implemented by caches that hold state in process memory.
type pruner interface {
	Prune(period int) int
}

// Service implements tokengate.QuotaService over a Cache and a Store.
type Service struct {
	cache  Cache
	store  Store
	logger *slog.Logger

	syncInterval  time.Duration
	currentPeriod func() int

	loads singleflight.Group
	task  *schedule.Task

	mu    sync.Mutex
	dirty map[Key]struct{}
}

var _ tokengate.QuotaService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithSyncInterval sets how often usage is flushed to the store.
func WithSyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.syncInterval = d
		}
	}
}

// WithCurrentPeriod sets the function used to prune periods older than the
// previous one from in-memory caches during sync.
func WithCurrentPeriod(fn func() int) Option {
	return func(s *Service) { s.currentPeriod = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a quota service. Call Start to begin background sync.
func NewService(cache Cache, store Store, opts ...Option) *Service {
	s := &Service{
		cache:        cache,
		store:        store,
		logger:       slog.Default(),
		syncInterval: DefaultSyncInterval,
		dirty:        make(map[Key]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.task = schedule.New("quota-sync", s.syncInterval, func(ctx context.Context) {
		if err := s.Sync(ctx); err != nil {
			s.logger.Error("quota sync failed", "error", err)
		}
	}, schedule.WithLogger(s.logger))
	return s
}

// Start begins the periodic sync.
func (s *Service) Start(ctx context.Context) { s.task.Start(ctx) }

// Stop ends the periodic sync and flushes outstanding usage.
func (s *Service) Stop(ctx context.Context) error {
	s.task.Stop()
	return s.Sync(ctx)
}

// Reserve atomically sets aside tokens for a request.
func (s *Service) Reserve(ctx context.Context, callerID string, period int, tokens int64) (tokengate.Reservation, error) {
	if tokens < 0 {
		return tokengate.Reservation{}, fmt.Errorf("%w: negative reservation", tokengate.ErrInvalidRequest)
	}
	key := Key{CallerID: callerID, Period: period}

	ok, remaining, err := s.cache.Reserve(ctx, key, tokens)
	if errors.Is(err, ErrNotCached) {
		if err := s.load(ctx, key); err != nil {
			return tokengate.Reservation{}, err
		}
		ok, remaining, err = s.cache.Reserve(ctx, key, tokens)
	}
	if err != nil {
		return tokengate.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if !ok {
		return tokengate.Reservation{}, &tokengate.QuotaError{
			CallerID:  callerID,
			Period:    period,
			Requested: tokens,
			Remaining: remaining,
		}
	}

	return tokengate.Reservation{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		Period:    period,
		Amount:    tokens,
		Remaining: remaining,
	}, nil
}

// Reconcile replaces the reservation with the tokens actually consumed.
func (s *Service) Reconcile(ctx context.Context, res tokengate.Reservation, actual int64) error {
	if actual < 0 {
		actual = 0
	}
	key := Key{CallerID: res.CallerID, Period: res.Period}
	err := s.cache.Settle(ctx, key, res.Amount, actual)
	if errors.Is(err, ErrNotCached) {
		// The entry was pruned or expired while the request ran; settle
		// against state reloaded from the store so the usage still counts.
		if err := s.load(ctx, key); err != nil {
			return err
		}
		err = s.cache.Settle(ctx, key, res.Amount, actual)
	}
	if err != nil {
		return fmt.Errorf("settle %s: %w", key, err)
	}
	if actual > 0 {
		s.markDirty(key)
	}
	return nil
}

// Release refunds a reservation in full. A reservation whose entry has left
// the cache is already gone.
func (s *Service) Release(ctx context.Context, res tokengate.Reservation) error {
	key := Key{CallerID: res.CallerID, Period: res.Period}
	if err := s.cache.Release(ctx, key, res.Amount); err != nil && !errors.Is(err, ErrNotCached) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Usage returns the cached state for a caller, loading it on a miss.
func (s *Service) Usage(ctx context.Context, callerID string, period int) (tokengate.QuotaState, error) {
	key := Key{CallerID: callerID, Period: period}
	st, err := s.cache.Get(ctx, key)
	if errors.Is(err, ErrNotCached) {
		if err := s.load(ctx, key); err != nil {
			return tokengate.QuotaState{}, err
		}
		st, err = s.cache.Get(ctx, key)
	}
	return st, err
}

// load seeds the cache from the store. Concurrent misses for the same key
// share one store read; the shared call is detached from any one caller's
// cancellation.
func (s *Service) load(ctx context.Context, key Key) error {
	ch := s.loads.DoChan(key.String(), func() (any, error) {
		lctx := context.WithoutCancel(ctx)
		granted, used, err := s.store.LoadQuota(lctx, key.CallerID, key.Period)
		if err != nil {
			return nil, err
		}
		return nil, s.cache.Seed(lctx, key, granted, used)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return fmt.Errorf("load quota %s: %w", key, r.Err)
		}
		return nil
	}
}

func (s *Service) markDirty(key Key) {
	s.mu.Lock()
	s.dirty[key] = struct{}{}
	s.mu.Unlock()
}

// Sync writes used tokens of every key changed since the last sync back to
// the store. Keys that fail stay dirty for the next round.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	s.dirty = make(map[Key]struct{})
	s.mu.Unlock()

	var errs []error
	for _, key := range keys {
		st, err := s.cache.Get(ctx, key)
		if errors.Is(err, ErrNotCached) {
			continue
		}
		if err == nil {
			err = s.store.SaveUsage(ctx, key.CallerID, key.Period, st.Used)
		}
		if err != nil {
			s.markDirty(key)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	// The previous period stays cached for requests that straddle rollover.
	if p, ok := s.cache.(pruner); ok && s.currentPeriod != nil {
		if n := p.Prune(s.currentPeriod() - 1); n > 0 {
			s.logger.Debug("pruned stale quota entries", "count", n)
		}
	}

	if len(keys) > 0 {
		s.logger.Debug("quota synced", "keys", len(keys), "failed", len(errs))
	}
	return errors.Join(errs...)
}
