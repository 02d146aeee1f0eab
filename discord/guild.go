package discord

import (
	"maps"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/cases"

	"github.com/zephyrtronium/roleassign/command"
)

// guild is the view of a guild's roles needed to build invocations.
type guild struct {
	owner string
	roles map[string]*discordgo.Role
}

func newGuild(g *discordgo.Guild) *guild {
	r := &guild{
		owner: g.OwnerID,
		roles: make(map[string]*discordgo.Role, len(g.Roles)),
	}
	for _, role := range g.Roles {
		r.roles[role.ID] = role
	}
	return r
}

// rank returns the position of a member's highest role. The guild owner
// outranks everything.
func (g *guild) rank(m *discordgo.Member) int {
	if m == nil {
		return 0
	}
	if m.User != nil && m.User.ID == g.owner {
		return math.MaxInt
	}
	r := 0
	for _, id := range m.Roles {
		if role := g.roles[id]; role != nil {
			r = max(r, role.Position)
		}
	}
	return r
}

func (g *guild) names() map[string]string {
	r := make(map[string]string, len(g.roles))
	for id, role := range g.roles {
		r[id] = role.Name
	}
	return r
}

// role converts a role ID to a command argument.
func (g *guild) role(id string) command.Role {
	role := g.roles[id]
	if role == nil {
		return command.Role{ID: id, Name: id}
	}
	return command.Role{ID: id, Name: role.Name, Position: role.Position}
}

// resolve finds a role by ID or by case-folded name.
func (g *guild) resolve(s string) (command.Role, bool) {
	if _, ok := g.roles[s]; ok {
		return g.role(s), true
	}
	fold := cases.Fold()
	want := fold.String(strings.TrimSpace(s))
	for _, id := range slices.Sorted(maps.Keys(g.roles)) {
		if fold.String(g.roles[id].Name) == want {
			return g.role(id), true
		}
	}
	return command.Role{}, false
}

// choices lists the roles among ids matching a partial name, best matches
// first. Prefix matches come before substring matches.
func (g *guild) choices(ids []string, partial string) []*discordgo.ApplicationCommandOptionChoice {
	fold := cases.Fold()
	q := fold.String(strings.TrimSpace(partial))
	var pre, sub []*discordgo.ApplicationCommandOptionChoice
	for _, id := range ids {
		role := g.roles[id]
		if role == nil {
			continue
		}
		c := &discordgo.ApplicationCommandOptionChoice{Name: role.Name, Value: id}
		name := fold.String(role.Name)
		switch {
		case strings.HasPrefix(name, q):
			pre = append(pre, c)
		case strings.Contains(name, q):
			sub = append(sub, c)
		}
	}
	r := append(pre, sub...)
	// Discord allows at most 25 choices.
	if len(r) > 25 {
		r = r[:25]
	}
	return r
}

// pages splits text into chunks of at most n bytes, breaking at newlines
// where possible and otherwise between runes.
func pages(text string, n int) []string {
	var r []string
	for len(text) > n {
		k := strings.LastIndexByte(text[:n], '\n')
		if k <= 0 {
			k = n
			for k > 0 && !utf8.RuneStart(text[k]) {
				k--
			}
			if k == 0 {
				// n is shorter than a single rune.
				k = n
			}
		}
		r = append(r, text[:k])
		text = strings.TrimPrefix(text[k:], "\n")
	}
	if text != "" || len(r) == 0 {
		r = append(r, text)
	}
	return r
}
