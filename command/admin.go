package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/zephyrtronium/roleassign/rules"
)

// update applies a configuration change, logging it if it is saved.
func (robo *Robot) update(ctx context.Context, name string, call *Invocation, f func(rules.Config) (rules.Config, error)) (rules.Config, error) {
	cfg, err := robo.Settings.Update(ctx, call.Community, f)
	if err != nil {
		return cfg, err
	}
	robo.Log.InfoContext(ctx, "settings updated",
		slog.String("command", name),
		slog.String("community", call.Community),
		slog.String("by", call.Member),
	)
	return cfg, nil
}

// errUnchanged aborts an update that would change nothing.
var errUnchanged = errors.New("unchanged")

// ToggleActive enables or disables self-assignment.
// No arguments.
func ToggleActive(ctx context.Context, robo *Robot, call *Invocation) {
	cfg, err := robo.update(ctx, "toggleactive", call, func(c rules.Config) (rules.Config, error) {
		return c.ToggleActive(), nil
	})
	if err != nil {
		robo.failed(ctx, "toggleactive", call, err)
		return
	}
	if cfg.Active {
		call.Reply(ctx, "Activated.")
	} else {
		call.Reply(ctx, "Deactivated.")
	}
}

// IgnoreRole bars holders of a role from self-assignment.
//   - Roles[0]: The role to ignore.
func IgnoreRole(ctx context.Context, robo *Robot, call *Invocation) {
	if !oneRole(ctx, call) {
		return
	}
	role := call.Roles[0]
	_, err := robo.update(ctx, "ignorerole", call, func(c rules.Config) (rules.Config, error) {
		if c.IsIgnored(role.ID) {
			return c, errUnchanged
		}
		return c.Ignore(role.ID), nil
	})
	switch {
	case err == nil:
		call.Reply(ctx, fmt.Sprintf("Members with %s can no longer assign themselves roles.", role.Name))
	case errors.Is(err, errUnchanged):
		call.Reply(ctx, "I'm already ignoring that role.")
	default:
		robo.failed(ctx, "ignorerole", call, err)
	}
}

// UnignoreRole reverses IgnoreRole.
//   - Roles[0]: The role to stop ignoring.
func UnignoreRole(ctx context.Context, robo *Robot, call *Invocation) {
	if !oneRole(ctx, call) {
		return
	}
	role := call.Roles[0]
	_, err := robo.update(ctx, "unignorerole", call, func(c rules.Config) (rules.Config, error) {
		if !c.IsIgnored(role.ID) {
			return c, errUnchanged
		}
		return c.Unignore(role.ID), nil
	})
	switch {
	case err == nil:
		call.Reply(ctx, "No longer ignoring that role.")
	case errors.Is(err, errUnchanged):
		call.Reply(ctx, "I wasn't ignoring that role.")
	default:
		robo.failed(ctx, "unignorerole", call, err)
	}
}

// SetLockout sets the cooldown between exclusive role switches.
//   - Int: Seconds, or -1 to forbid switching.
func SetLockout(ctx context.Context, robo *Robot, call *Invocation) {
	_, err := robo.update(ctx, "setlockout", call, func(c rules.Config) (rules.Config, error) {
		return c.SetLockout(call.Int)
	})
	switch {
	case err == nil && call.Int == rules.Indefinite:
		call.Reply(ctx, "Lockout is indefinite.")
	case err == nil:
		call.Reply(ctx, fmt.Sprintf("Lockout on switching between exclusive roles is set to %d second(s).", call.Int))
	case errors.Is(err, rules.ErrInvalidRule):
		call.Reply(ctx, "The lockout must be a number of seconds, or -1 to disallow switching.")
	default:
		robo.failed(ctx, "setlockout", call, err)
	}
}

// AddSelfRole makes a role self-assignable. The invoker can't give away a
// role above their own, and the bot can't manage roles above its own.
//   - Roles[0]: The role to add.
func AddSelfRole(ctx context.Context, robo *Robot, call *Invocation) {
	if !oneRole(ctx, call) {
		return
	}
	role := call.Roles[0]
	if role.Position > call.Rank {
		call.Reply(ctx, "You can't give away roles higher than yourself.")
		return
	}
	if role.Position >= call.BotRank {
		call.Reply(ctx, "I won't be able to do that because the role is above me in the role hierarchy.")
		return
	}
	_, err := robo.update(ctx, "addselfrole", call, func(c rules.Config) (rules.Config, error) {
		if c.IsSelfRole(role.ID) {
			return c, errUnchanged
		}
		return c.AddSelfRole(role.ID), nil
	})
	switch {
	case err == nil:
		call.Reply(ctx, fmt.Sprintf("%s added to the self-assignable list.", role.Name))
	case errors.Is(err, errUnchanged):
		call.Reply(ctx, "That role is already self-assignable.")
	default:
		robo.failed(ctx, "addselfrole", call, err)
	}
}

// RemoveSelfRole makes a role no longer self-assignable, along with any
// rules involving it.
//   - Roles[0]: The role to remove.
func RemoveSelfRole(ctx context.Context, robo *Robot, call *Invocation) {
	if !oneRole(ctx, call) {
		return
	}
	role := call.Roles[0]
	_, err := robo.update(ctx, "delselfrole", call, func(c rules.Config) (rules.Config, error) {
		if !c.IsSelfRole(role.ID) {
			return c, errUnchanged
		}
		return c.RemoveRole(role.ID), nil
	})
	switch {
	case err == nil:
		call.Reply(ctx, "That role is no longer self-assignable.")
	case errors.Is(err, errUnchanged):
		call.Reply(ctx, "That role wasn't self-assignable.")
	default:
		robo.failed(ctx, "delselfrole", call, err)
	}
}

// RequireRole restricts a self-assignable role to members holding any of a
// list of other roles.
//   - Roles[0]: The role to restrict.
//   - Roles[1:]: The roles which allow assigning it. With none, the
//     requirement is cleared.
func RequireRole(ctx context.Context, robo *Robot, call *Invocation) {
	if len(call.Roles) == 0 {
		call.Reply(ctx, "Name the role to restrict, followed by the roles that allow it.")
		return
	}
	role := call.Roles[0]
	var prereqs []string
	var self bool
	for _, r := range call.Roles[1:] {
		if r.ID == role.ID {
			self = true
			continue
		}
		prereqs = append(prereqs, r.ID)
	}
	_, err := robo.update(ctx, "requirerole", call, func(c rules.Config) (rules.Config, error) {
		return c.SetPrerequisites(role.ID, prereqs...)
	})
	var msg []string
	if self {
		msg = append(msg, "A role can't be its own requirement, so I ignored that.")
	}
	switch {
	case err == nil && len(prereqs) == 0:
		msg = append(msg, "This role has no requirements.")
	case err == nil:
		msg = append(msg, "Role requirements set.")
	case errors.Is(err, rules.ErrNotSelfAssignable):
		msg = append(msg[:0], "This role is not self-assignable.")
	default:
		robo.failed(ctx, "requirerole", call, err)
		return
	}
	call.Reply(ctx, strings.Join(msg, " "))
}

// MutuallyExclusive makes every pair of a list of roles mutually exclusive.
// Given a single role, it clears that role's exclusivity instead.
//   - Roles: The roles.
func MutuallyExclusive(ctx context.Context, robo *Robot, call *Invocation) {
	ids := make([]string, 0, len(call.Roles))
	for _, r := range call.Roles {
		ids = append(ids, r.ID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		call.Reply(ctx, "Name the roles which should be mutually exclusive, or a single role to clear its exclusivity.")
		return
	}
	_, err := robo.update(ctx, "mutuallyexclusive", call, func(c rules.Config) (rules.Config, error) {
		return c.ExclusiveGroup(ids...)
	})
	switch {
	case err == nil && len(ids) == 1:
		call.Reply(ctx, "Exclusivity settings for that role cleared.")
	case err == nil:
		call.Reply(ctx, "Exclusivity set.")
	default:
		robo.failed(ctx, "mutuallyexclusive", call, err)
	}
}

// Reset returns the community to the default configuration.
// No arguments.
func Reset(ctx context.Context, robo *Robot, call *Invocation) {
	if err := robo.Settings.Reset(ctx, call.Community); err != nil {
		robo.failed(ctx, "reset", call, err)
		return
	}
	robo.Log.InfoContext(ctx, "settings reset", slog.String("community", call.Community), slog.String("by", call.Member))
	call.Reply(ctx, "Settings reset. Self-assignment is deactivated and no roles are self-assignable.")
}

// Describe shows the community's configuration.
// No arguments.
func Describe(ctx context.Context, robo *Robot, call *Invocation) {
	cfg, err := robo.Settings.Load(ctx, call.Community)
	if err != nil {
		robo.failed(ctx, "describe", call, err)
		return
	}
	var b strings.Builder
	if cfg.Active {
		b.WriteString("Self-assignment is active.")
	} else {
		b.WriteString("Self-assignment is not active.")
	}
	switch cfg.Lockout {
	case rules.Indefinite:
		b.WriteString("\nSwitching between exclusive roles is not allowed.")
	case 0:
		b.WriteString("\nThere is no lockout on switching between exclusive roles.")
	default:
		fmt.Fprintf(&b, "\nLockout on switching between exclusive roles is %d second(s).", cfg.Lockout)
	}
	if len(cfg.SelfRoles) == 0 {
		b.WriteString("\nNo roles are self-assignable.")
	}
	for _, id := range cfg.SelfRoles {
		fmt.Fprintf(&b, "\n%s", call.name(id))
		r := cfg.Rule(id)
		if len(r.RequiresAny) != 0 {
			fmt.Fprintf(&b, "; requires any of: %s", call.names(r.RequiresAny))
		}
		if len(r.ExclusiveTo) != 0 {
			fmt.Fprintf(&b, "; exclusive with: %s", call.names(r.ExclusiveTo))
		}
	}
	if len(cfg.Ignored) != 0 {
		fmt.Fprintf(&b, "\nIgnoring members with: %s", call.names(cfg.Ignored))
	}
	call.Reply(ctx, b.String())
}

func (robo *Robot) failed(ctx context.Context, name string, call *Invocation, err error) {
	robo.Log.ErrorContext(ctx, "command failed",
		slog.String("command", name),
		slog.String("community", call.Community),
		slog.Any("err", err),
	)
	call.Reply(ctx, "Something went wrong. Try again. Sorry!")
}

func oneRole(ctx context.Context, call *Invocation) bool {
	if len(call.Roles) != 1 {
		call.Reply(ctx, "Name exactly one role.")
		return false
	}
	return true
}
