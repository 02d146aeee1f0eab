// Package rules holds a community's self-assignable role configuration and
// the mutations administrators apply to it.
//
// A Config is immutable by replacement. Every mutation has a value receiver
// and returns a new Config, leaving the receiver untouched, so a mutation
// that fails has no effect on the caller's state.
//
// Exclusivity is symmetric. All writes to [Rule.ExclusiveTo] go through a
// single path that updates both directions, and [Config.Normalize] repairs
// data from outside sources that violates the invariant.
package rules

import (
	"errors"
	"maps"
	"slices"
)

// Version is the current settings version.
const Version = 2

// Indefinite is the lockout value which forbids switching between exclusive
// roles altogether.
const Indefinite = -1

var (
	// ErrNotSelfAssignable is returned when a mutation requires a
	// self-assignable role and is given some other role.
	ErrNotSelfAssignable = errors.New("role is not self-assignable")
	// ErrInvalidRule is returned for mutations that would create an invalid
	// rule, e.g. a role excluding or requiring itself.
	ErrInvalidRule = errors.New("invalid role rule")
)

// Config is the self-assignment configuration for one community.
type Config struct {
	// Active is whether members may currently assign roles to themselves.
	Active bool `json:"active"`
	// Lockout is the cooldown in seconds between exclusive role switches.
	// Indefinite means switching is never allowed.
	Lockout int `json:"lockout"`
	// SelfRoles is the sorted list of self-assignable roles.
	SelfRoles []string `json:"selfroles"`
	// Ignored is the sorted list of roles whose holders may never
	// self-assign.
	Ignored []string `json:"ignoredroles"`
	// Rules is the rule for each role which has one.
	Rules map[string]Rule `json:"rolerules"`
	// Version is the settings version.
	Version int `json:"version"`
}

// Rule is the set of constraints on assigning one role.
type Rule struct {
	// ExclusiveTo is the sorted list of roles that conflict with this one.
	ExclusiveTo []string `json:"exclusiveto"`
	// RequiresAny is the sorted list of roles of which a member must hold
	// at least one to be offered this role. Empty means no requirement.
	RequiresAny []string `json:"requiresany"`
}

// New returns the configuration for a community that has never been
// configured.
func New() Config {
	return Config{
		Rules:   map[string]Rule{},
		Version: Version,
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	r := c
	r.SelfRoles = slices.Clone(c.SelfRoles)
	r.Ignored = slices.Clone(c.Ignored)
	r.Rules = make(map[string]Rule, len(c.Rules))
	for k, v := range c.Rules {
		r.Rules[k] = Rule{
			ExclusiveTo: slices.Clone(v.ExclusiveTo),
			RequiresAny: slices.Clone(v.RequiresAny),
		}
	}
	return r
}

// IsSelfRole reports whether role is self-assignable.
func (c Config) IsSelfRole(role string) bool {
	_, ok := slices.BinarySearch(c.SelfRoles, role)
	return ok
}

// IsIgnored reports whether holders of role are barred from self-assignment.
func (c Config) IsIgnored(role string) bool {
	_, ok := slices.BinarySearch(c.Ignored, role)
	return ok
}

// Rule returns the rule for role. Roles without rules have the zero Rule.
func (c Config) Rule(role string) Rule {
	return c.Rules[role]
}

// Exclusive reports whether a and b are mutually exclusive.
// It checks both directions, so it gives the right answer even for configs
// which have not been normalized.
func (c Config) Exclusive(a, b string) bool {
	return contains(c.Rules[a].ExclusiveTo, b) || contains(c.Rules[b].ExclusiveTo, a)
}

// Equal reports whether two configs are equivalent.
// Missing rules and empty rules are considered the same.
func (c Config) Equal(d Config) bool {
	if c.Active != d.Active || c.Lockout != d.Lockout || c.Version != d.Version {
		return false
	}
	if !slices.Equal(c.SelfRoles, d.SelfRoles) || !slices.Equal(c.Ignored, d.Ignored) {
		return false
	}
	keys := slices.Collect(maps.Keys(c.Rules))
	keys = slices.AppendSeq(keys, maps.Keys(d.Rules))
	for _, k := range keys {
		x, y := c.Rules[k], d.Rules[k]
		if !slices.Equal(x.ExclusiveTo, y.ExclusiveTo) || !slices.Equal(x.RequiresAny, y.RequiresAny) {
			return false
		}
	}
	return true
}

// Normalize returns a copy of c with sorted, deduplicated role lists,
// self-references removed, empty rules dropped, and exclusivity made
// symmetric.
func (c Config) Normalize() Config {
	r := c.Clone()
	if r.Rules == nil {
		r.Rules = map[string]Rule{}
	}
	r.SelfRoles = set(r.SelfRoles)
	r.Ignored = set(r.Ignored)
	for k, v := range r.Rules {
		v.ExclusiveTo = without(set(v.ExclusiveTo), k)
		v.RequiresAny = without(set(v.RequiresAny), k)
		r.Rules[k] = v
	}
	// Symmetrize after cleaning every rule so that the additions we make
	// here see sorted lists.
	for k, v := range c.Rules {
		for _, o := range v.ExclusiveTo {
			if o == k {
				continue
			}
			r.link(k, o)
		}
	}
	r.prune()
	if r.Version == 0 {
		r.Version = Version
	}
	return r
}

// link makes a and b exclusive to each other. c must already be a copy
// owned by the caller. This is the only place exclusivity is added.
func (c *Config) link(a, b string) {
	x := c.Rules[a]
	x.ExclusiveTo = insert(x.ExclusiveTo, b)
	c.Rules[a] = x
	y := c.Rules[b]
	y.ExclusiveTo = insert(y.ExclusiveTo, a)
	c.Rules[b] = y
}

// unlinkAll removes every exclusivity relation involving role, in both
// directions. c must already be a copy owned by the caller.
func (c *Config) unlinkAll(role string) {
	for k, v := range c.Rules {
		if k == role {
			v.ExclusiveTo = nil
		} else {
			v.ExclusiveTo = without(v.ExclusiveTo, role)
		}
		c.Rules[k] = v
	}
}

// prune drops rules with no constraints.
func (c *Config) prune() {
	maps.DeleteFunc(c.Rules, func(_ string, v Rule) bool {
		return len(v.ExclusiveTo) == 0 && len(v.RequiresAny) == 0
	})
}

func contains(s []string, v string) bool {
	_, ok := slices.BinarySearch(s, v)
	return ok
}

// set sorts and deduplicates s in place.
func set(s []string) []string {
	slices.Sort(s)
	s = slices.Compact(s)
	if len(s) == 0 {
		return nil
	}
	return s
}

// insert adds v to the sorted list s, returning a new slice.
func insert(s []string, v string) []string {
	k, ok := slices.BinarySearch(s, v)
	if ok {
		return s
	}
	return slices.Insert(slices.Clip(s), k, v)
}

// without removes v from the sorted list s, returning a new slice.
func without(s []string, v string) []string {
	k, ok := slices.BinarySearch(s, v)
	if !ok {
		return s
	}
	r := slices.Delete(slices.Clone(s), k, k+1)
	if len(r) == 0 {
		return nil
	}
	return r
}
