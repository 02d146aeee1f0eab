package command

import (
	"context"
	"strings"
	"time"
)

// Role is a role named in a command invocation.
type Role struct {
	// ID is the role's platform ID. Configuration refers to roles by ID.
	ID string
	// Name is the role's display name.
	Name string
	// Position is the role's place in the community's role hierarchy.
	// Higher is more privileged.
	Position int
}

// Invocation is a command invocation. An Invocation and its fields must not
// be modified or retained by any command.
type Invocation struct {
	// Community is the community in which the invocation occurred.
	Community string
	// Member is the invoking member.
	Member string
	// Rank is the position of the invoker's highest role.
	Rank int
	// BotRank is the position of the bot's own highest role.
	BotRank int
	// Roles is the role arguments to the command, in order.
	Roles []Role
	// Int is the integer argument to the command, if it has one.
	Int int
	// Names maps role IDs in the community to their names. Roles missing
	// from it are described by ID.
	Names map[string]string
	// Time is the time at which the invocation was received.
	Time time.Time
	// Reply sends a response to the invoker.
	Reply func(ctx context.Context, text string)
}

func (call *Invocation) name(id string) string {
	if n, ok := call.Names[id]; ok {
		return n
	}
	return id
}

func (call *Invocation) names(ids []string) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = call.name(id)
	}
	return strings.Join(s, ", ")
}

// Func executes a command.
type Func func(ctx context.Context, robo *Robot, call *Invocation)
