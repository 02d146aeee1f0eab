package lockout

import (
	"context"
	"sync"
	"time"

	"github.com/zephyrtronium/roleassign/metrics"
)

type key struct {
	community, member string
}

type record struct {
	at      time.Time
	expires time.Time // zero if the record never expires
}

// Memory is an in-process Tracker bounded by entry count.
// When full, it first drops expired records and then the oldest one.
type Memory struct {
	mu   sync.Mutex
	recs map[key]record
	max  int
	// size observes the number of records after each change. May be nil.
	size metrics.Observer
}

var _ Tracker = (*Memory)(nil)

// NewMemory creates a tracker holding at most max records.
// If max is not positive, the tracker is unbounded.
// size, if not nil, observes the tracker's size.
func NewMemory(max int, size metrics.Observer) *Memory {
	return &Memory{
		recs: make(map[key]record),
		max:  max,
		size: size,
	}
}

// Record records a switch.
func (m *Memory) Record(ctx context.Context, community, member string, at time.Time, keep time.Duration) error {
	k := key{community, member}
	r := record{at: at}
	if keep > 0 {
		r.expires = at.Add(keep)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[k]; !ok && m.max > 0 && len(m.recs) >= m.max {
		m.evictLocked(at)
	}
	m.recs[k] = r
	m.observeLocked()
	return nil
}

// Last returns the member's last switch.
func (m *Memory) Last(ctx context.Context, community, member string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[key{community, member}]
	return r.at, ok, nil
}

// Len returns the number of records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// Prune drops records which have expired as of now.
func (m *Memory) Prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	m.observeLocked()
}

// evictLocked makes room for one record.
// The tracker's mutex must be held during the call.
func (m *Memory) evictLocked(now time.Time) {
	if m.pruneLocked(now) > 0 {
		return
	}
	var (
		oldest key
		when   time.Time
		found  bool
	)
	for k, r := range m.recs {
		if !found || r.at.Before(when) {
			oldest, when, found = k, r.at, true
		}
	}
	delete(m.recs, oldest)
}

// pruneLocked drops expired records and returns the number dropped.
// The tracker's mutex must be held during the call.
func (m *Memory) pruneLocked(now time.Time) int {
	n := 0
	for k, r := range m.recs {
		if !r.expires.IsZero() && !now.Before(r.expires) {
			delete(m.recs, k)
			n++
		}
	}
	return n
}

func (m *Memory) observeLocked() {
	if m.size == nil {
		return
	}
	m.size.Observe(float64(len(m.recs)))
}
