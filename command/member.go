package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"gitlab.com/zephyrtronium/pick"

	"github.com/zephyrtronium/roleassign/eligible"
	"github.com/zephyrtronium/roleassign/join"
)

// ListRoles lists the roles the invoker may join, with warnings about roles
// that would replace ones they hold.
// No arguments.
func ListRoles(ctx context.Context, robo *Robot, call *Invocation) {
	if !robo.allow(ctx, "list", call) {
		call.Reply(ctx, slowDown.Pick(rand.Uint32()))
		return
	}
	r, _, err := robo.Joiner.Evaluate(ctx, call.Community, call.Member)
	if err != nil {
		robo.failed(ctx, "list", call, err)
		return
	}
	call.Reply(ctx, describeEligible(call, &r))
}

func describeEligible(call *Invocation, r *eligible.Result) string {
	switch r.Reason {
	case eligible.Inactive:
		return "No roles are currently self-assignable."
	case eligible.Ignored:
		return "You can't assign yourself roles."
	}
	if len(r.Eligible) == 0 && len(r.LockedOut) == 0 {
		return "No roles are available to you right now."
	}
	var b strings.Builder
	if len(r.Eligible) != 0 {
		b.WriteString("The following roles are available to you:\n")
		for _, id := range r.Eligible {
			fmt.Fprintf(&b, "\n%s", call.name(id))
		}
	} else {
		b.WriteString("No roles are available to you right now.")
	}
	if sw := r.Switches(); len(sw) != 0 {
		b.WriteString("\n\nWarning: some of the roles you currently have are incompatible with some of the roles listed.")
		for _, id := range sw {
			fmt.Fprintf(&b, "\n%s is incompatible with: %s", call.name(id), call.names(r.Blocking[id]))
		}
	}
	if len(r.LockedOut) != 0 {
		fmt.Fprintf(&b, "\n\nYou can't switch to these roles right now because of the lockout: %s", call.names(r.LockedOut))
	}
	return b.String()
}

// JoinRole assigns a role to the invoker, replacing held roles that conflict
// with it.
//   - Roles[0]: The role to join.
func JoinRole(ctx context.Context, robo *Robot, call *Invocation) {
	if !oneRole(ctx, call) {
		return
	}
	if !robo.allow(ctx, "join", call) {
		call.Reply(ctx, slowDown.Pick(rand.Uint32()))
		return
	}
	role := call.Roles[0]
	o, err := robo.Joiner.Join(ctx, join.Request{Community: call.Community, Member: call.Member, Role: role.ID})
	if err == nil {
		m := assigned.Pick(rand.Uint32())
		if len(o.Revoked) != 0 {
			m = fmt.Sprintf("%s I took away %s.", m, call.names(o.Revoked))
		}
		call.Reply(ctx, m)
		return
	}
	var ext *join.ExternalError
	switch {
	case errors.Is(err, join.ErrAlreadyAssigned):
		call.Reply(ctx, "You already have that role.")
	case errors.Is(err, join.ErrLocked):
		call.Reply(ctx, "You switched roles too recently to switch to that one.")
	case errors.Is(err, join.ErrNotEligible):
		call.Reply(ctx, "You can't assign yourself that role.")
	case errors.As(err, &ext) && ext.Unresolved():
		call.Reply(ctx, fmt.Sprintf("I removed %s, but I couldn't give you %s. Contact a server admin to sort it out.", call.names(ext.Revoked), role.Name))
	case errors.As(err, &ext) && ext.Forbidden():
		call.Reply(ctx, "I don't seem to have the permissions required. Contact a server admin to remedy this.")
	case errors.As(err, &ext):
		call.Reply(ctx, "Something went wrong talking to the server. Try again in a bit.")
	case errors.Is(err, context.DeadlineExceeded):
		call.Reply(ctx, "That took too long. Try again in a bit.")
	default:
		robo.Log.ErrorContext(ctx, "join failed", slog.String("community", call.Community), slog.Any("err", err))
		call.Reply(ctx, "Something went wrong. Try again. Sorry!")
	}
}

var assigned = pick.New([]pick.Case[string]{
	{E: "Role assigned.", W: 10},
	{E: "Done!", W: 3},
	{E: "There you go.", W: 3},
})

var slowDown = pick.New([]pick.Case[string]{
	{E: "Slow down a bit. Try again in a moment.", W: 10},
	{E: "Too many role requests right now. Try again in a moment.", W: 5},
})
