package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/zephyrtronium/roleassign/command"
)

// handlers maps slash command and subcommand names to command functions.
var handlers = map[string]map[string]command.Func{
	"advroleset": {
		"toggleactive":      command.ToggleActive,
		"ignorerole":        command.IgnoreRole,
		"unignorerole":      command.UnignoreRole,
		"setlockout":        command.SetLockout,
		"addselfrole":       command.AddSelfRole,
		"delselfrole":       command.RemoveSelfRole,
		"requirerole":       command.RequireRole,
		"mutuallyexclusive": command.MutuallyExclusive,
		"reset":             command.Reset,
		"show":              command.Describe,
	},
	"advrole": {
		"list": command.ListRoles,
		"join": command.JoinRole,
	},
}

var manageRoles = int64(discordgo.PermissionManageRoles)

var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:                     "advroleset",
		Description:              "Settings for self-assignable roles",
		DefaultMemberPermissions: &manageRoles,
		Options: []*discordgo.ApplicationCommandOption{
			subcommand("toggleactive", "Toggle whether members can assign roles to themselves"),
			subcommand("ignorerole", "Bar members with a role from self-assigning roles",
				roleOption("role", "Role to ignore", true)),
			subcommand("unignorerole", "Stop ignoring a role",
				roleOption("role", "Role to stop ignoring", true)),
			subcommand("setlockout", "Set the time between switching exclusive roles",
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "seconds",
					Description: "Seconds between switches, or -1 to disallow switching",
					Required:    true,
					MinValue:    &minLockout,
				}),
			subcommand("addselfrole", "Make a role self-assignable",
				roleOption("role", "Role to add", true)),
			subcommand("delselfrole", "Make a role no longer self-assignable",
				roleOption("role", "Role to remove", true)),
			subcommand("requirerole", "Require any of a list of roles to self-assign a role; give none to clear",
				roleList("role", "Role to restrict", "requires", "Role that allows it", 5)...),
			subcommand("mutuallyexclusive", "Make roles mutually exclusive; give one role to clear its exclusivity",
				roleList("role", "Role in the group", "role", "Another role in the group", 9)...),
			subcommand("reset", "Reset all self-assignable role settings"),
			subcommand("show", "Show self-assignable role settings"),
		},
	},
	{
		Name:        "advrole",
		Description: "Self-assign roles",
		Options: []*discordgo.ApplicationCommandOption{
			subcommand("list", "List roles available to you"),
			subcommand("join", "Join a role available to you",
				&discordgo.ApplicationCommandOption{
					Type:         discordgo.ApplicationCommandOptionString,
					Name:         "role",
					Description:  "Role to join",
					Required:     true,
					Autocomplete: true,
				}),
		},
	},
}

var minLockout = -1.0

func subcommand(name, desc string, opts ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: desc,
		Options:     opts,
	}
}

func roleOption(name, desc string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionRole,
		Name:        name,
		Description: desc,
		Required:    required,
	}
}

// roleList creates a required role option followed by n optional ones.
func roleList(first, firstDesc, rest, restDesc string, n int) []*discordgo.ApplicationCommandOption {
	r := []*discordgo.ApplicationCommandOption{roleOption(first, firstDesc, true)}
	for i := range n {
		r = append(r, roleOption(fmt.Sprintf("%s%d", rest, i+1), restDesc, false))
	}
	return r
}
