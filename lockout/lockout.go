// Package lockout tracks when members last switched between mutually
// exclusive roles.
package lockout

import (
	"context"
	"time"
)

// IsLocked reports whether a member who last switched at last is still
// within a cooldown of seconds at now. switched is false if the member has
// never switched; such a member is locked only by an indefinite lockout.
// A negative cooldown means switching is never allowed.
func IsLocked(last time.Time, switched bool, now time.Time, seconds int) bool {
	if seconds < 0 {
		return true
	}
	if !switched {
		return false
	}
	return now.Sub(last) < time.Duration(seconds)*time.Second
}

// Keep returns how long a switch record matters under a cooldown of seconds.
// Zero means the record is relevant indefinitely, which is the case only for
// an indefinite cooldown. Switches under a zero cooldown can't lock anyone
// and shouldn't be recorded at all.
func Keep(seconds int) time.Duration {
	if seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Tracker records exclusive role switches.
type Tracker interface {
	// Record sets the time of the member's most recent switch, replacing any
	// earlier record. keep is how long the record remains relevant; trackers
	// may drop it after that. Zero keep means indefinitely.
	Record(ctx context.Context, community, member string, at time.Time, keep time.Duration) error
	// Last returns the time of the member's most recent switch.
	// If there is no record, the result is the zero time and false with a
	// nil error.
	Last(ctx context.Context, community, member string) (time.Time, bool, error)
}
