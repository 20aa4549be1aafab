package governance

import (
	"sync"
	"time"
)

// Window is the trailing interval requests are counted over.
const Window = time.Minute

// Ledger keeps, per user, the timestamps of admitted requests inside the
// trailing window. Entries are created lazily on first use and never
// evicted, so memory grows with the number of distinct user identities
// seen over the process lifetime.
type Ledger struct {
	window time.Duration
	now    func() time.Time
	users  sync.Map // user -> *entry
}

type entry struct {
	mu    sync.Mutex
	times []time.Time
}

func NewLedger(window time.Duration) *Ledger {
	return &Ledger{
		window: window,
		now:    time.Now,
	}
}

func (l *Ledger) entryFor(user string) *entry {
	v, _ := l.users.LoadOrStore(user, &entry{})
	return v.(*entry)
}

// prune drops timestamps at or before cutoff. Order within the slice is
// non-decreasing, so pruning only trims the front. Caller holds e.mu.
func (e *entry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.times) && !e.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.times = append(e.times[:0], e.times[i:]...)
	}
}

// Count reports how many requests user has made inside the window ending
// at now. Pruning happens on every read so no background sweep is needed.
func (l *Ledger) Count(user string, now time.Time) int {
	e := l.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now.Add(-l.window))
	return len(e.times)
}

// Admit prunes the user's window and, if fewer than limit requests remain,
// records one at now. It returns whether the request was admitted and the
// resulting in-window count. Prune, check and record run under the user's
// lock so concurrent checks for the same user cannot both slip under the
// limit; independent users never contend.
func (l *Ledger) Admit(user string, limit int, now time.Time) (bool, int) {
	e := l.entryFor(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now.Add(-l.window))
	if len(e.times) >= limit {
		return false, len(e.times)
	}
	e.times = append(e.times, now)
	return true, len(e.times)
}
