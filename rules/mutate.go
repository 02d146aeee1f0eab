package rules

import (
	"fmt"
	"slices"
)

// SetActive returns a copy of c with self-assignment enabled or disabled.
func (c Config) SetActive(active bool) Config {
	r := c.Clone()
	r.Active = active
	return r
}

// ToggleActive returns a copy of c with self-assignment flipped.
func (c Config) ToggleActive() Config {
	return c.SetActive(!c.Active)
}

// SetLockout returns a copy of c with the given lockout in seconds.
// Indefinite forbids switching entirely.
func (c Config) SetLockout(seconds int) (Config, error) {
	if seconds < Indefinite {
		return c, fmt.Errorf("%w: lockout %d is neither a duration nor indefinite", ErrInvalidRule, seconds)
	}
	r := c.Clone()
	r.Lockout = seconds
	return r, nil
}

// AddSelfRole returns a copy of c with role made self-assignable.
func (c Config) AddSelfRole(role string) Config {
	r := c.Clone()
	r.SelfRoles = insert(r.SelfRoles, role)
	return r
}

// RemoveRole returns a copy of c with role no longer self-assignable.
// The role's rule is deleted and the role is stripped from every other
// rule's exclusivity list in the same change.
func (c Config) RemoveRole(role string) Config {
	r := c.Clone()
	r.SelfRoles = without(r.SelfRoles, role)
	r.unlinkAll(role)
	delete(r.Rules, role)
	r.prune()
	return r
}

// Ignore returns a copy of c where holders of role may not self-assign.
func (c Config) Ignore(role string) Config {
	r := c.Clone()
	r.Ignored = insert(r.Ignored, role)
	return r
}

// Unignore reverses Ignore.
func (c Config) Unignore(role string) Config {
	r := c.Clone()
	r.Ignored = without(r.Ignored, role)
	return r
}

// SetPrerequisites returns a copy of c where role is only offered to members
// holding at least one of prereqs. With no prereqs, the requirement is
// cleared.
func (c Config) SetPrerequisites(role string, prereqs ...string) (Config, error) {
	if !c.IsSelfRole(role) {
		return c, fmt.Errorf("%w: %s", ErrNotSelfAssignable, role)
	}
	if slices.Contains(prereqs, role) {
		return c, fmt.Errorf("%w: %s can't be its own prerequisite", ErrInvalidRule, role)
	}
	r := c.Clone()
	x := r.Rules[role]
	x.RequiresAny = set(slices.Clone(prereqs))
	r.Rules[role] = x
	r.prune()
	return r, nil
}

// SetExclusive returns a copy of c where role is mutually exclusive with each
// of related, in addition to any existing exclusivity. With no related roles,
// every exclusivity relation involving role is cleared in both directions.
func (c Config) SetExclusive(role string, related ...string) (Config, error) {
	if slices.Contains(related, role) {
		return c, fmt.Errorf("%w: %s can't be exclusive with itself", ErrInvalidRule, role)
	}
	r := c.Clone()
	if len(related) == 0 {
		r.unlinkAll(role)
		r.prune()
		return r, nil
	}
	for _, o := range related {
		r.link(role, o)
	}
	return r, nil
}

// ExclusiveGroup returns a copy of c where every pair of the given roles is
// mutually exclusive. Given a single role, it clears that role's exclusivity
// as SetExclusive does.
func (c Config) ExclusiveGroup(roles ...string) (Config, error) {
	roles = set(slices.Clone(roles))
	switch len(roles) {
	case 0:
		return c, fmt.Errorf("%w: no roles given", ErrInvalidRule)
	case 1:
		return c.SetExclusive(roles[0])
	}
	r := c
	for i, role := range roles[:len(roles)-1] {
		var err error
		r, err = r.SetExclusive(role, roles[i+1:]...)
		if err != nil {
			return c, err
		}
	}
	return r, nil
}
