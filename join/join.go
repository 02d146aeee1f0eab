// Package join performs self-assignment of roles, resolving exclusivity
// conflicts and enforcing lockouts.
package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/zephyrtronium/roleassign/eligible"
	"github.com/zephyrtronium/roleassign/lockout"
	"github.com/zephyrtronium/roleassign/memberlock"
	"github.com/zephyrtronium/roleassign/metrics"
	"github.com/zephyrtronium/roleassign/rules"
	"github.com/zephyrtronium/roleassign/settings"
)

// Platform is the chat platform's role membership interface.
// Errors should wrap ErrForbidden for permission failures and ErrTransient
// for anything that may succeed on retry; other errors are treated as
// transient.
type Platform interface {
	// Held returns the roles a member currently holds.
	Held(ctx context.Context, community, member string) ([]string, error)
	// Grant gives a role to a member.
	Grant(ctx context.Context, community, member, role string) error
	// Revoke takes a role from a member.
	Revoke(ctx context.Context, community, member, role string) error
}

// State is a step in a join attempt.
type State int

const (
	Requested State = iota
	Validated
	ConflictResolution
	Committed
	Rejected
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Validated:
		return "validated"
	case ConflictResolution:
		return "conflict-resolution"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Request is a member's request to join a role.
type Request struct {
	Community string
	Member    string
	Role      string
}

// Outcome describes a join attempt.
type Outcome struct {
	// Trace is the sequence of states the attempt passed through.
	// The last state is always Committed or Rejected.
	Trace []State
	// Revoked is the list of conflicting roles revoked during the attempt.
	Revoked []string
	// Switched is whether the attempt committed an exclusive role switch.
	Switched bool
	// At is the time at which the attempt was evaluated.
	At time.Time
}

// Final returns the terminal state of the attempt.
func (o *Outcome) Final() State {
	if len(o.Trace) == 0 {
		return Requested
	}
	return o.Trace[len(o.Trace)-1]
}

func (o *Outcome) step(s State) {
	o.Trace = append(o.Trace, s)
}

// Joiner performs join attempts.
// Attempts by the same member in the same community are serialized.
type Joiner struct {
	// Settings is the source of community configuration.
	Settings settings.Store
	// Lockouts records exclusive role switches.
	Lockouts lockout.Tracker
	// Platform performs role changes.
	Platform Platform
	// Log is the logger for join attempts. If nil, slog.Default is used.
	Log *slog.Logger
	// Metrics receives join metrics. May be nil.
	Metrics *metrics.Metrics
	// Timeout bounds each attempt, including waiting for the member's
	// previous attempts. Zero means no bound beyond the caller's context.
	Timeout time.Duration
	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time

	locks memberlock.Locks
}

func (j *Joiner) now() time.Time {
	if j.Now == nil {
		return time.Now()
	}
	return j.Now()
}

func (j *Joiner) log() *slog.Logger {
	if j.Log == nil {
		return slog.Default()
	}
	return j.Log
}

// Evaluate returns a member's current eligibility along with the
// community's configuration.
func (j *Joiner) Evaluate(ctx context.Context, community, member string) (eligible.Result, rules.Config, error) {
	cfg, err := j.Settings.Load(ctx, community)
	if err != nil {
		return eligible.Result{}, rules.Config{}, err
	}
	held, err := j.Platform.Held(ctx, community, member)
	if err != nil {
		return eligible.Result{}, cfg, platformError("held", "", nil, err)
	}
	last, ok, err := j.Lockouts.Last(ctx, community, member)
	if err != nil {
		return eligible.Result{}, cfg, err
	}
	return eligible.Evaluate(cfg, held, last, ok, j.now()), cfg, nil
}

// Join attempts to give a member a role. On success, any held roles which
// conflict with it have been revoked and the role granted.
//
// The error is ErrAlreadyAssigned, ErrNotEligible, or ErrLocked (possibly
// wrapped) if the attempt is rejected before any role changes, or an
// *ExternalError if a platform call fails. An *ExternalError for which
// Unresolved is true means roles were revoked but the request was not
// completed.
func (j *Joiner) Join(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	o := Outcome{Trace: []State{Requested}}
	err := j.join(ctx, req, &o)
	if err != nil {
		o.step(Rejected)
	}
	label := outcomeLabel(err)
	if j.Metrics != nil {
		metrics.Observe(j.Metrics.JoinCount, 1, label)
		metrics.Observe(j.Metrics.JoinLatency, time.Since(start).Seconds(), label)
		if o.Switched {
			metrics.Observe(j.Metrics.SwitchCount, 1)
		}
	}
	log := j.log().With(
		slog.String("community", req.Community),
		slog.String("member", req.Member),
		slog.String("role", req.Role),
		slog.String("outcome", label),
	)
	switch label {
	case "committed":
		log.InfoContext(ctx, "join", slog.Any("revoked", o.Revoked), slog.Bool("switched", o.Switched))
	case "external", "error":
		log.ErrorContext(ctx, "join failed", slog.Any("err", err), slog.Any("trace", o.Trace))
	default:
		log.DebugContext(ctx, "join rejected", slog.Any("err", err))
	}
	return o, err
}

func (j *Joiner) join(ctx context.Context, req Request, o *Outcome) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	unlock, err := j.locks.Lock(ctx, memberlock.Key{Community: req.Community, Member: req.Member})
	if err != nil {
		return fmt.Errorf("couldn't wait for previous join attempts: %w", err)
	}
	defer unlock()

	cfg, err := j.Settings.Load(ctx, req.Community)
	if err != nil {
		return fmt.Errorf("couldn't load settings: %w", err)
	}
	if !cfg.IsSelfRole(req.Role) {
		return fmt.Errorf("%w: %s is not self-assignable", ErrNotEligible, req.Role)
	}
	held, err := j.Platform.Held(ctx, req.Community, req.Member)
	if err != nil {
		return platformError("held", "", nil, err)
	}
	if slices.Contains(held, req.Role) {
		return ErrAlreadyAssigned
	}
	last, switched, err := j.Lockouts.Last(ctx, req.Community, req.Member)
	if err != nil {
		return fmt.Errorf("couldn't check lockout: %w", err)
	}
	o.At = j.now()
	r := eligible.Evaluate(cfg, held, last, switched, o.At)
	if !r.CanJoin(req.Role) {
		if r.IsLockedOut(req.Role) {
			return fmt.Errorf("%w: %s conflicts with %v", ErrLocked, req.Role, r.Blocking[req.Role])
		}
		return fmt.Errorf("%w: %s (%v)", ErrNotEligible, req.Role, r.Reason)
	}
	o.step(Validated)

	blocking := r.Blocking[req.Role]
	if len(blocking) != 0 {
		o.step(ConflictResolution)
		for _, b := range blocking {
			if err := j.Platform.Revoke(ctx, req.Community, req.Member, b); err != nil {
				return platformError("revoke", b, slices.Clone(o.Revoked), err)
			}
			o.Revoked = append(o.Revoked, b)
		}
	}
	if err := j.Platform.Grant(ctx, req.Community, req.Member, req.Role); err != nil {
		return platformError("grant", req.Role, slices.Clone(o.Revoked), err)
	}
	o.step(Committed)
	if len(blocking) != 0 {
		o.Switched = true
	}
	// Without a cooldown, a switch can never lock anyone out, so there is
	// nothing to record.
	if o.Switched && cfg.Lockout != 0 {
		err := j.Lockouts.Record(ctx, req.Community, req.Member, o.At, lockout.Keep(cfg.Lockout))
		if err != nil {
			// The role change already happened. The member just escapes
			// this lockout.
			j.log().ErrorContext(ctx, "couldn't record switch",
				slog.String("community", req.Community),
				slog.String("member", req.Member),
				slog.Any("err", err),
			)
		}
	}
	return nil
}

func outcomeLabel(err error) string {
	var ext *ExternalError
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrAlreadyAssigned):
		return "already"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrNotEligible):
		return "ineligible"
	case errors.As(err, &ext):
		return "external"
	default:
		return "error"
	}
}
