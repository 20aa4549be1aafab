// Package governance admits or denies generation requests with a per-user
// sliding-window rate limiter and reports live usage statistics. The window
// slides continuously with the clock, so a denied user becomes admissible
// again as soon as their oldest counted request ages out, not at a fixed
// bucket boundary.
package governance

// Decision is the outcome of an admission check. Denial is a normal,
// expected outcome, not an error.
type Decision struct {
	Allowed bool
	Current int // in-window requests after the decision
	Limit   int
}

// Snapshot is a read-only view of a user's standing against their limit.
type Snapshot struct {
	User               string `json:"user"`
	RequestsLastMinute int    `json:"requests_last_minute"`
	RateLimit          int    `json:"rate_limit"`
	Remaining          int    `json:"remaining"`
}

// Limiter gates requests against the configured per-user ceilings.
type Limiter struct {
	limits   Limits
	ledger   *Ledger
	onDenied func(user string)
}

// NewLimiter wires the limit table to a ledger. onDenied, if non-nil, is
// invoked on every denial (used to bump the user-labeled rejection metric).
func NewLimiter(limits Limits, ledger *Ledger, onDenied func(user string)) *Limiter {
	return &Limiter{limits: limits, ledger: ledger, onDenied: onDenied}
}

// TryAdmit decides whether one more request for user fits in the trailing
// window. A user standing exactly at their limit is denied. It never fails
// for a well-formed identity; unknown users fall through to the default
// ceiling.
func (l *Limiter) TryAdmit(user string) Decision {
	now := l.ledger.now()
	limit := l.limits.For(user)
	allowed, current := l.ledger.Admit(user, limit, now)
	if !allowed && l.onDenied != nil {
		l.onDenied(user)
	}
	return Decision{Allowed: allowed, Current: current, Limit: limit}
}

// Snapshot reports user's current usage. It prunes like the admission path
// but never records, and always succeeds: a never-seen user reports zero
// usage against the default ceiling.
func (l *Limiter) Snapshot(user string) Snapshot {
	now := l.ledger.now()
	limit := l.limits.For(user)
	count := l.ledger.Count(user, now)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		User:               user,
		RequestsLastMinute: count,
		RateLimit:          limit,
		Remaining:          remaining,
	}
}
