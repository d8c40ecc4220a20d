// Package quota implements the two-tier per-caller token budget: a fast
// cache that answers reservations atomically, backed by a durable store
// that is the source of truth.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/ineyio/tokengate"
)

// ErrNotCached is returned by a Cache when the key has not been seeded.
var ErrNotCached = errors.New("tokengate/quota: key not cached")

// Key identifies one caller's budget in one period.
type Key struct {
	CallerID string
	Period   int
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.CallerID, k.Period) }

// Cache holds hot quota state. Every method must be atomic with respect
// to concurrent callers, including callers in other processes when the
// cache is shared.
type Cache interface {
	// Seed stores state for key unless the key is already present.
	Seed(ctx context.Context, key Key, granted, used int64) error

	// Reserve adds n to reserved if granted-used-reserved >= n. It returns
	// the remaining budget after the attempt and whether it succeeded.
	// ErrNotCached means the key must be seeded first.
	Reserve(ctx context.Context, key Key, n int64) (ok bool, remaining int64, err error)

	// Settle moves a reservation into used: reserved -= reserved, used += actual.
	Settle(ctx context.Context, key Key, reserved, actual int64) error

	// Release drops a reservation without consuming anything.
	Release(ctx context.Context, key Key, reserved int64) error

	// Get returns the current state. ErrNotCached means the key is absent.
	Get(ctx context.Context, key Key) (tokengate.QuotaState, error)
}

// Store is the durable source of truth for quotas.
type Store interface {
	// LoadQuota returns the caller's grant and the tokens already used in
	// the period. tokengate.ErrCallerNotFound means no such caller.
	LoadQuota(ctx context.Context, callerID string, period int) (granted, used int64, err error)

	// SaveUsage records the tokens used in the period. Implementations must
	// never lower a previously saved value.
	SaveUsage(ctx context.Context, callerID string, period int, used int64) error
}
