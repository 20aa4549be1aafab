package governance

import "fmt"

// Limits maps a user identity to its requests-per-minute ceiling. Identities
// absent from the table are governed by the default ceiling. The table is
// immutable for the process lifetime.
type Limits struct {
	users      map[string]int
	defaultRPM int
}

// NewLimits validates the configured table. Every configured ceiling,
// including the default, must be at least 1; anything else is a
// configuration error and the caller must refuse to start.
func NewLimits(users map[string]int, defaultRPM int) (Limits, error) {
	if defaultRPM < 1 {
		return Limits{}, fmt.Errorf("default limit must be >= 1, got %d", defaultRPM)
	}
	for user, rpm := range users {
		if rpm < 1 {
			return Limits{}, fmt.Errorf("limit for user %q must be >= 1, got %d", user, rpm)
		}
	}
	cp := make(map[string]int, len(users))
	for user, rpm := range users {
		cp[user] = rpm
	}
	return Limits{users: cp, defaultRPM: defaultRPM}, nil
}

// For returns the ceiling for user, falling back to the default for
// identities not in the table. Identity match is exact; no normalization.
func (l Limits) For(user string) int {
	if rpm, ok := l.users[user]; ok {
		return rpm
	}
	return l.defaultRPM
}
