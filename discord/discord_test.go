package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"

	"github.com/zephyrtronium/roleassign/command"
	"github.com/zephyrtronium/roleassign/join"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		forbidden bool
	}{
		{
			name:      "missing-permissions",
			err:       &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingPermissions}, Response: &http.Response{StatusCode: http.StatusForbidden}},
			forbidden: true,
		},
		{
			name:      "missing-access",
			err:       &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingAccess}, Response: &http.Response{StatusCode: http.StatusForbidden}},
			forbidden: true,
		},
		{
			name:      "status-only",
			err:       fmt.Errorf("wrapped: %w", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}),
			forbidden: true,
		},
		{
			name: "server-error",
			err:  &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusBadGateway}},
		},
		{
			name: "network",
			err:  errors.New("connection reset by peer"),
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := classify(c.err)
			if got := errors.Is(err, join.ErrForbidden); got != c.forbidden {
				t.Errorf("wrong forbidden: want %t, got %t", c.forbidden, got)
			}
			if got := errors.Is(err, join.ErrTransient); got == c.forbidden {
				t.Errorf("wrong transient: want %t, got %t", !c.forbidden, got)
			}
			if !errors.Is(err, c.err) {
				t.Errorf("original error lost: %v", err)
			}
		})
	}
	if classify(nil) != nil {
		t.Errorf("nil error classified")
	}
}

type fakeAPI struct {
	roles map[string][]string
	err   error
	calls []string
}

func (f *fakeAPI) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	f.calls = append(f.calls, "member "+guildID+" "+userID)
	if f.err != nil {
		return nil, f.err
	}
	return &discordgo.Member{User: &discordgo.User{ID: userID}, Roles: f.roles[userID]}, nil
}

func (f *fakeAPI) GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	f.calls = append(f.calls, "add "+guildID+" "+userID+" "+roleID)
	return f.err
}

func (f *fakeAPI) GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	f.calls = append(f.calls, "remove "+guildID+" "+userID+" "+roleID)
	return f.err
}

func TestRoles(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{roles: map[string][]string{"bocchi": {"1", "2"}}}
	r := &Roles{api: api}
	held, err := r.Held(ctx, "kessoku", "bocchi")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(held, []string{"1", "2"}); diff != "" {
		t.Errorf("wrong held roles (+got/-want):\n%s", diff)
	}
	if err := r.Grant(ctx, "kessoku", "bocchi", "3"); err != nil {
		t.Error(err)
	}
	if err := r.Revoke(ctx, "kessoku", "bocchi", "1"); err != nil {
		t.Error(err)
	}
	want := []string{"member kessoku bocchi", "add kessoku bocchi 3", "remove kessoku bocchi 1"}
	if diff := cmp.Diff(api.calls, want); diff != "" {
		t.Errorf("wrong calls (+got/-want):\n%s", diff)
	}
	api.err = &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	if err := r.Grant(ctx, "kessoku", "bocchi", "3"); !errors.Is(err, join.ErrForbidden) {
		t.Errorf("grant error not forbidden: %v", err)
	}
	if _, err := r.Held(ctx, "kessoku", "bocchi"); !errors.Is(err, join.ErrForbidden) {
		t.Errorf("held error not forbidden: %v", err)
	}
}

func testGuild() *guild {
	return newGuild(&discordgo.Guild{
		OwnerID: "seika",
		Roles: []*discordgo.Role{
			{ID: "1", Name: "Guitar", Position: 3},
			{ID: "2", Name: "Bass", Position: 4},
			{ID: "3", Name: "Drums", Position: 5},
			{ID: "4", Name: "Lead Guitar", Position: 6},
			{ID: "5", Name: "STRASSE", Position: 7},
			{ID: "9", Name: "Moderator", Position: 20},
		},
	})
}

func TestRank(t *testing.T) {
	g := testGuild()
	cases := []struct {
		name   string
		member *discordgo.Member
		want   int
	}{
		{"none", &discordgo.Member{User: &discordgo.User{ID: "bocchi"}}, 0},
		{"highest", &discordgo.Member{User: &discordgo.User{ID: "bocchi"}, Roles: []string{"1", "9", "3"}}, 20},
		{"unknown-role", &discordgo.Member{User: &discordgo.User{ID: "bocchi"}, Roles: []string{"404", "2"}}, 4},
		{"owner", &discordgo.Member{User: &discordgo.User{ID: "seika"}}, math.MaxInt},
		{"nil", nil, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := g.rank(c.member); got != c.want {
				t.Errorf("wrong rank: want %d, got %d", c.want, got)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	g := testGuild()
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2", "2", true},
		{"bass", "2", true},
		{"  BASS ", "2", true},
		{"lead guitar", "4", true},
		{"straße", "5", true},
		{"keyboard", "", false},
	}
	for _, c := range cases {
		r, ok := g.resolve(c.in)
		if ok != c.ok || r.ID != c.want {
			t.Errorf("resolve %q: want %q %t, got %q %t", c.in, c.want, c.ok, r.ID, ok)
		}
	}
}

func TestChoices(t *testing.T) {
	g := testGuild()
	got := g.choices([]string{"1", "2", "4", "404"}, "gui")
	want := []*discordgo.ApplicationCommandOptionChoice{
		{Name: "Guitar", Value: "1"},
		{Name: "Lead Guitar", Value: "4"},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong choices (+got/-want):\n%s", diff)
	}
	if got := g.choices([]string{"1", "2"}, ""); len(got) != 2 {
		t.Errorf("empty query didn't match everything: %v", got)
	}
	many := make([]string, 0, 40)
	for range 40 {
		many = append(many, "1")
	}
	if got := g.choices(many, ""); len(got) != 25 {
		t.Errorf("too many choices: %d", len(got))
	}
}

func TestPages(t *testing.T) {
	cases := []struct {
		name string
		text string
		n    int
		want []string
	}{
		{"short", "abc", 10, []string{"abc"}},
		{"empty", "", 10, []string{""}},
		{"lines", "aaaa\nbbbb\ncccc", 10, []string{"aaaa\nbbbb", "cccc"}},
		{"long-line", "aaaaaaaaaaaaaaa", 10, []string{"aaaaaaaaaa", "aaaaa"}},
		{"runes", "ééééé", 3, []string{"é", "é", "é", "é", "é"}},
		{"runes-mixed", "aéébc", 4, []string{"aé", "ébc"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := pages(c.text, c.n)
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("wrong pages (+got/-want):\n%s", diff)
			}
			for _, p := range got {
				if len(p) > c.n {
					t.Errorf("page too long: %q", p)
				}
				if !utf8.ValidString(p) {
					t.Errorf("page splits a rune: %q", p)
				}
			}
		})
	}
}

func TestInvocation(t *testing.T) {
	g := testGuild()
	sub := &discordgo.ApplicationCommandInteractionDataOption{
		Name: "requirerole",
		Type: discordgo.ApplicationCommandOptionSubCommand,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "requires2", Type: discordgo.ApplicationCommandOptionRole, Value: "3"},
			{Name: "role", Type: discordgo.ApplicationCommandOptionRole, Value: "4"},
			{Name: "requires1", Type: discordgo.ApplicationCommandOptionRole, Value: "1"},
		},
	}
	member := &discordgo.Member{User: &discordgo.User{ID: "nijika"}, Roles: []string{"9"}}
	call := invocation(g, options("advroleset", sub), member, 15)
	want := []command.Role{
		{ID: "4", Name: "Lead Guitar", Position: 6},
		{ID: "1", Name: "Guitar", Position: 3},
		{ID: "3", Name: "Drums", Position: 5},
	}
	if diff := cmp.Diff(call.Roles, want); diff != "" {
		t.Errorf("wrong roles (+got/-want):\n%s", diff)
	}
	if call.Member != "nijika" || call.Rank != 20 || call.BotRank != 15 {
		t.Errorf("wrong invoker: %+v", call)
	}
	if call.Names["5"] != "STRASSE" {
		t.Errorf("wrong names: %v", call.Names)
	}

	sub = &discordgo.ApplicationCommandInteractionDataOption{
		Name: "join",
		Type: discordgo.ApplicationCommandOptionSubCommand,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "role", Type: discordgo.ApplicationCommandOptionString, Value: "drums"},
		},
	}
	call = invocation(g, options("advrole", sub), member, 15)
	if diff := cmp.Diff(call.Roles, []command.Role{{ID: "3", Name: "Drums", Position: 5}}); diff != "" {
		t.Errorf("wrong autocompleted role (+got/-want):\n%s", diff)
	}

	sub = &discordgo.ApplicationCommandInteractionDataOption{
		Name: "setlockout",
		Type: discordgo.ApplicationCommandOptionSubCommand,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "seconds", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(3600)},
		},
	}
	call = invocation(g, options("advroleset", sub), member, 15)
	if call.Int != 3600 {
		t.Errorf("wrong int arg: %d", call.Int)
	}
}

func TestHandlersDeclared(t *testing.T) {
	// Every handler needs a declared slash command and vice versa.
	declared := make(map[string]bool)
	for _, c := range slashCommands {
		for _, s := range c.Options {
			declared[c.Name+" "+s.Name] = true
			if handlers[c.Name][s.Name] == nil {
				t.Errorf("no handler for %s %s", c.Name, s.Name)
			}
		}
	}
	for c, subs := range handlers {
		for s := range subs {
			if !declared[c+" "+s] {
				t.Errorf("handler for undeclared command %s %s", c, s)
			}
		}
	}
}
