package tokengate

import "context"

// QuotaService manages per-caller, per-period token budgets.
type QuotaService interface {
	// Reserve atomically sets aside tokens for a request. When the budget
	// cannot cover them it returns a *QuotaError carrying the remaining amount.
	Reserve(ctx context.Context, callerID string, period int, tokens int64) (Reservation, error)

	// Reconcile settles a reservation with the tokens actually consumed.
	Reconcile(ctx context.Context, res Reservation, actual int64) error

	// Release refunds a reservation whose request produced nothing.
	Release(ctx context.Context, res Reservation) error
}

// Reservation represents a provisional quota deduction.
type Reservation struct {
	ID       string
	CallerID string
	Period   int
	Amount   int64
	// Remaining is the budget left after the reservation was taken.
	Remaining int64
}

// QuotaState is the budget of one caller in one period.
type QuotaState struct {
	Granted  int64 `json:"granted"`
	Used     int64 `json:"used"`
	Reserved int64 `json:"reserved"`
}

// Remaining returns the budget still available for new reservations.
func (s QuotaState) Remaining() int64 {
	r := s.Granted - s.Used - s.Reserved
	if r < 0 {
		return 0
	}
	return r
}
