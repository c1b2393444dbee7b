// Package lease serializes work per key.
//
// A Table holds at most one lease per key. Other callers for the same key
// either wait for the holder to release (or for its lease to expire) and then
// compete for the lease again, or fail fast with COMPILE_IN_FLIGHT. Callers
// for different keys never wait on each other; the table mutex only guards
// the map and is never held while waiting.
package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fortknox/internal/fault"
	"fortknox/internal/metrics"
)

// Mode selects what Acquire does when the key is held.
type Mode int

const (
	// Wait blocks until the holder releases or its lease expires.
	Wait Mode = iota
	// FailFast returns COMPILE_IN_FLIGHT immediately.
	FailFast
)

func (m Mode) String() string {
	if m == FailFast {
		return "fail_fast"
	}
	return "wait"
}

// ParseMode parses "wait" or "fail_fast".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wait":
		return Wait, nil
	case "fail_fast", "failfast":
		return FailFast, nil
	default:
		return 0, fmt.Errorf("unknown lease mode %q", s)
	}
}

type entry struct {
	done  chan struct{} // closed when the lease ends
	timer *time.Timer
}

// Table is a set of per-key leases. The zero value is not usable; use New.
type Table struct {
	mu       sync.Mutex
	inflight map[string]*entry
	ttl      time.Duration
	mode     Mode
	metrics  *metrics.Metrics
}

// New returns a Table whose leases expire after ttl.
func New(ttl time.Duration, mode Mode, m *metrics.Metrics) *Table {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Table{inflight: make(map[string]*entry), ttl: ttl, mode: mode, metrics: m}
}

// TTL returns how long a lease lives without release.
func (t *Table) TTL() time.Duration { return t.ttl }

// Deadline returns the time budget for work done under a lease. It ends
// before the lease can expire.
func (t *Table) Deadline() time.Duration { return DeadlineFor(t.ttl) }

// DeadlineFor returns the work budget of a lease living ttl.
func DeadlineFor(ttl time.Duration) time.Duration { return ttl - ttl/10 }

// Lease is a held key. Release it exactly once; extra calls are no-ops.
type Lease struct {
	t      *Table
	key    string
	e      *entry
	Waited bool // the caller waited on another holder before acquiring
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Release ends the lease and wakes waiters. Releasing an expired lease does
// not affect a newer holder of the same key.
func (l *Lease) Release() {
	l.t.end(l.key, l.e, false)
}

// Acquire takes the lease for key. In Wait mode it blocks until it holds the
// lease or ctx ends; a waiter's ctx ending never affects the holder.
func (t *Table) Acquire(ctx context.Context, key string) (*Lease, error) {
	waited := false
	for {
		t.mu.Lock()
		e, held := t.inflight[key]
		if !held {
			e = &entry{done: make(chan struct{})}
			t.inflight[key] = e
			e.timer = time.AfterFunc(t.ttl, func() { t.end(key, e, true) })
			t.mu.Unlock()
			return &Lease{t: t, key: key, e: e, Waited: waited}, nil
		}
		t.mu.Unlock()

		if t.mode == FailFast {
			return nil, fault.New(fault.CompileInFlight)
		}
		if !waited {
			t.metrics.RecordLeaseWait()
			waited = true
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports whether key currently has a holder.
func (t *Table) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[key]
	return ok
}

// Len returns the number of held keys.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// end removes e if it is still the entry for key. Only the caller that
// removes it closes done, so done is closed once.
func (t *Table) end(key string, e *entry, expired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[key] != e {
		return
	}
	delete(t.inflight, key)
	e.timer.Stop()
	close(e.done)
	if expired {
		t.metrics.RecordLeaseExpiry()
	}
}
