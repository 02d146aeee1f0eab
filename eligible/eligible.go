// Package eligible decides which self-assignable roles a member may join.
package eligible

import (
	"maps"
	"slices"
	"time"

	"github.com/zephyrtronium/roleassign/lockout"
	"github.com/zephyrtronium/roleassign/rules"
)

// Reason describes why a member can join nothing at all.
type Reason int

const (
	// Open means evaluation ran to completion.
	Open Reason = iota
	// Inactive means self-assignment is disabled in the community.
	Inactive
	// Ignored means the member holds an ignored role.
	Ignored
)

func (r Reason) String() string {
	switch r {
	case Open:
		return "open"
	case Inactive:
		return "inactive"
	case Ignored:
		return "ignored"
	default:
		return "Reason(?)"
	}
}

// Result is the outcome of evaluating a member's eligibility.
type Result struct {
	// Eligible is the sorted list of roles the member may join now.
	Eligible []string
	// Conflicts is the sorted list of roles incompatible with roles the
	// member currently holds.
	Conflicts []string
	// Blocking maps each role in Conflicts to the sorted list of held roles
	// that conflict with it. Joining the role means giving those up.
	Blocking map[string][]string
	// LockedOut is the sorted list of roles that would be eligible if the
	// member were not locked out of switching.
	LockedOut []string
	// Locked is whether the member is currently locked out of switching
	// between exclusive roles.
	Locked bool
	// Reason is why nothing is eligible, if that is the case.
	Reason Reason
}

// CanJoin reports whether role is in the eligible set.
func (r *Result) CanJoin(role string) bool {
	_, ok := slices.BinarySearch(r.Eligible, role)
	return ok
}

// IsLockedOut reports whether role was removed from the eligible set only
// because of the lockout.
func (r *Result) IsLockedOut(role string) bool {
	_, ok := slices.BinarySearch(r.LockedOut, role)
	return ok
}

// Free returns the eligible roles that can be joined without giving up any
// held role.
func (r *Result) Free() []string {
	return slices.DeleteFunc(slices.Clone(r.Eligible), func(s string) bool {
		return len(r.Blocking[s]) != 0
	})
}

// Switches returns the eligible roles that can only be joined by giving up
// held roles.
func (r *Result) Switches() []string {
	return slices.DeleteFunc(slices.Clone(r.Eligible), func(s string) bool {
		return len(r.Blocking[s]) == 0
	})
}

// Evaluate computes the roles a member holding held may join under cfg.
// last is the time of the member's most recent exclusive switch, valid only
// if switched is true.
func Evaluate(cfg rules.Config, held []string, last time.Time, switched bool, now time.Time) Result {
	if !cfg.Active {
		return Result{Reason: Inactive}
	}
	has := make(map[string]bool, len(held))
	for _, h := range held {
		has[h] = true
		if cfg.IsIgnored(h) {
			return Result{Reason: Ignored}
		}
	}

	// Candidates: self-assignable and not held, then filtered by
	// prerequisites.
	var cands []string
	for _, role := range cfg.SelfRoles {
		if has[role] {
			continue
		}
		req := cfg.Rule(role).RequiresAny
		if len(req) != 0 && !slices.ContainsFunc(req, func(s string) bool { return has[s] }) {
			continue
		}
		cands = append(cands, role)
	}

	// Conflicts: everything excluded by a held role. Record which held roles
	// do the excluding. Both directions are checked so that a config that
	// missed normalization still evaluates symmetrically.
	blocking := make(map[string][]string)
	for _, h := range held {
		for _, o := range cfg.Rule(h).ExclusiveTo {
			blocking[o] = append(blocking[o], h)
		}
	}
	for k, v := range cfg.Rules {
		if has[k] {
			continue
		}
		for _, o := range v.ExclusiveTo {
			if has[o] && !slices.Contains(blocking[k], o) {
				blocking[k] = append(blocking[k], o)
			}
		}
	}
	for k, v := range blocking {
		slices.Sort(v)
		blocking[k] = slices.Compact(v)
	}
	conflicts := slices.Sorted(maps.Keys(blocking))

	r := Result{
		Conflicts: conflicts,
		Blocking:  blocking,
		Locked:    lockout.IsLocked(last, switched, now, cfg.Lockout),
	}
	if !r.Locked {
		r.Eligible = cands
		return r
	}
	// Locked members can't switch. Anything that would require giving up a
	// held role is out.
	for _, role := range cands {
		if len(blocking[role]) != 0 {
			r.LockedOut = append(r.LockedOut, role)
			continue
		}
		r.Eligible = append(r.Eligible, role)
	}
	return r
}
