package settings

import (
	"fmt"
	"slices"

	"github.com/go-json-experiment/json"

	"github.com/zephyrtronium/roleassign/rules"
)

// legacy is one server's entry in a settings file written by the original
// role assignment plugin. Version 1 files use the flat exclusive and
// membership lists; version 2 files use rolerules.
type legacy struct {
	SelfRoles []string              `json:"selfroles"`
	Active    bool                  `json:"active"`
	Lockout   int                   `json:"lockout"`
	RoleRules map[string]rules.Rule `json:"rolerules"`
	Ignored   []string              `json:"ignoredroles"`
	Version   int                   `json:"version"`

	ExclusiveRoles  []string `json:"exclusiveroles"`
	MemberSelfRoles []string `json:"memberselfroles"`
	MembershipRoles []string `json:"membershiproles"`
}

// DecodeLegacy decodes a settings file from the original role assignment
// plugin, a JSON object mapping server IDs to their settings. Version 1
// settings are upgraded. Each result is normalized.
func DecodeLegacy(b []byte) (map[string]rules.Config, error) {
	var file map[string]legacy
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("couldn't decode legacy settings: %w", err)
	}
	r := make(map[string]rules.Config, len(file))
	for id, v := range file {
		cfg, err := v.upgrade()
		if err != nil {
			return nil, fmt.Errorf("couldn't upgrade legacy settings for %s: %w", id, err)
		}
		r[id] = cfg
	}
	return r, nil
}

func (l *legacy) upgrade() (rules.Config, error) {
	cfg := rules.Config{
		Active:    l.Active,
		Lockout:   l.Lockout,
		SelfRoles: l.SelfRoles,
		Ignored:   l.Ignored,
		Rules:     l.RoleRules,
		Version:   rules.Version,
	}
	if cfg.Lockout < rules.Indefinite {
		return rules.Config{}, fmt.Errorf("%w: lockout %d", rules.ErrInvalidRule, cfg.Lockout)
	}
	if l.Version >= 2 {
		return cfg.Normalize(), nil
	}
	// Version 1: every self role in the exclusive list excludes the rest of
	// the list, and every self role in the member list requires one of the
	// membership roles.
	cfg.Rules = make(map[string]rules.Rule)
	for _, role := range l.SelfRoles {
		var x rules.Rule
		if slices.Contains(l.ExclusiveRoles, role) {
			x.ExclusiveTo = slices.DeleteFunc(slices.Clone(l.ExclusiveRoles), func(s string) bool { return s == role })
		}
		if slices.Contains(l.MemberSelfRoles, role) {
			x.RequiresAny = slices.DeleteFunc(slices.Clone(l.MembershipRoles), func(s string) bool { return s == role })
		}
		cfg.Rules[role] = x
	}
	return cfg.Normalize(), nil
}
