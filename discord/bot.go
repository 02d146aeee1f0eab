package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zephyrtronium/roleassign/command"
	"github.com/zephyrtronium/roleassign/metrics"
)

// Bot serves role self-assignment commands over a Discord session.
type Bot struct {
	session *discordgo.Session
	log     *slog.Logger
	metrics *metrics.Metrics
	// guild, if not empty, is the only guild in which commands are
	// registered. Otherwise they are registered globally.
	guild   string
	timeout time.Duration
}

// Options configures a Bot.
type Options struct {
	// Guild limits command registration to one guild.
	Guild string
	// Timeout bounds the handling of each interaction.
	Timeout time.Duration
	// Log is the bot's logger. If nil, slog.Default is used.
	Log *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// New creates a bot with a bot token.
func New(token string, opts Options) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	b := &Bot{
		session: session,
		log:     opts.Log,
		metrics: opts.Metrics,
		guild:   opts.Guild,
		timeout: opts.Timeout,
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.timeout <= 0 {
		b.timeout = 10 * time.Second
	}
	return b, nil
}

// Roles returns the bot's member role manager.
func (b *Bot) Roles() *Roles {
	return &Roles{api: b.session}
}

// Run connects to Discord and handles commands until ctx is canceled.
func (b *Bot) Run(ctx context.Context, robo *command.Robot) error {
	b.session.AddHandler(func(s *discordgo.Session, ev *discordgo.Ready) {
		_, err := s.ApplicationCommandBulkOverwrite(ev.Application.ID, b.guild, slashCommands)
		if err != nil {
			b.log.ErrorContext(ctx, "failed to update slash commands", slog.Any("err", err))
			return
		}
		b.log.InfoContext(ctx, "ready", slog.String("user", ev.User.Username), slog.Int("guilds", len(ev.Guilds)))
	})
	b.session.AddHandler(func(s *discordgo.Session, ev *discordgo.InteractionCreate) {
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		b.interaction(ctx, robo, ev)
	})
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("couldn't connect to Discord: %w", err)
	}
	<-ctx.Done()
	return b.session.Close()
}

func (b *Bot) interaction(ctx context.Context, robo *command.Robot, ev *discordgo.InteractionCreate) {
	switch ev.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
	default:
		return
	}
	if ev.GuildID == "" || ev.Member == nil || ev.Member.User == nil {
		b.respond(ctx, ev, "Role commands only work in servers.")
		return
	}
	data := ev.ApplicationCommandData()
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	log := b.log.With(
		slog.String("command", data.Name+" "+sub.Name),
		slog.String("guild", ev.GuildID),
		slog.String("member", ev.Member.User.ID),
	)
	switch ev.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.autocomplete(ctx, log, robo, ev, sub)
	case discordgo.InteractionApplicationCommand:
		f := handlers[data.Name][sub.Name]
		if f == nil {
			log.WarnContext(ctx, "unknown command")
			return
		}
		b.command(ctx, log, robo, ev, data.Name, sub, f)
	}
}

func (b *Bot) command(ctx context.Context, log *slog.Logger, robo *command.Robot, ev *discordgo.InteractionCreate, name string, sub *discordgo.ApplicationCommandInteractionDataOption, f command.Func) {
	// Joins can take a few API calls, so acknowledge first.
	err := b.session.InteractionRespond(ev.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
	if err != nil {
		log.ErrorContext(ctx, "couldn't acknowledge interaction", slog.Any("err", err))
		return
	}
	g, botRank, err := b.guildView(ctx, ev.GuildID)
	if err != nil {
		log.ErrorContext(ctx, "couldn't get guild roles", slog.Any("err", err))
		b.followup(ctx, log, ev, "Something went wrong. Try again. Sorry!")
		return
	}
	call := invocation(g, options(name, sub), ev.Member, botRank)
	call.Community = ev.GuildID
	call.Time = time.Now()
	call.Reply = func(ctx context.Context, text string) { b.followup(ctx, log, ev, text) }
	if b.metrics != nil {
		metrics.Observe(b.metrics.CommandCount, 1, name+" "+sub.Name)
	}
	log.InfoContext(ctx, "command")
	f(ctx, robo, call)
}

func (b *Bot) autocomplete(ctx context.Context, log *slog.Logger, robo *command.Robot, ev *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) {
	i := slices.IndexFunc(sub.Options, func(o *discordgo.ApplicationCommandInteractionDataOption) bool { return o.Focused })
	if i < 0 {
		return
	}
	var choices []*discordgo.ApplicationCommandOptionChoice
	r, _, err := robo.Joiner.Evaluate(ctx, ev.GuildID, ev.Member.User.ID)
	if err != nil {
		log.ErrorContext(ctx, "couldn't evaluate for autocomplete", slog.Any("err", err))
	} else if g, _, err := b.guildView(ctx, ev.GuildID); err != nil {
		log.ErrorContext(ctx, "couldn't get guild roles", slog.Any("err", err))
	} else {
		choices = g.choices(r.Eligible, sub.Options[i].StringValue())
	}
	err = b.session.InteractionRespond(ev.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	}, discordgo.WithContext(ctx))
	if err != nil {
		log.ErrorContext(ctx, "couldn't send autocomplete", slog.Any("err", err))
	}
}

// guildView gets a guild's roles and the bot's rank in it, preferring the
// session state cache.
func (b *Bot) guildView(ctx context.Context, id string) (*guild, int, error) {
	gd, err := b.session.State.Guild(id)
	if err != nil {
		gd, err = b.session.Guild(id, discordgo.WithContext(ctx))
		if err != nil {
			return nil, 0, err
		}
	}
	g := newGuild(gd)
	me := b.session.State.User.ID
	m, err := b.session.State.Member(id, me)
	if err != nil {
		m, err = b.session.GuildMember(id, me, discordgo.WithContext(ctx))
		if err != nil {
			return nil, 0, fmt.Errorf("couldn't get own member: %w", err)
		}
	}
	return g, g.rank(m), nil
}

// maxMessage is the longest message content Discord accepts, less room for
// formatting.
const maxMessage = 1900

func (b *Bot) followup(ctx context.Context, log *slog.Logger, ev *discordgo.InteractionCreate, text string) {
	var errs error
	for _, p := range pages(text, maxMessage) {
		_, err := b.session.FollowupMessageCreate(ev.Interaction, true, &discordgo.WebhookParams{
			Content:         p,
			Flags:           discordgo.MessageFlagsEphemeral,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}, discordgo.WithContext(ctx))
		errs = errors.Join(errs, err)
	}
	if errs != nil {
		log.ErrorContext(ctx, "couldn't send reply", slog.Any("err", errs))
	}
}

func (b *Bot) respond(ctx context.Context, ev *discordgo.InteractionCreate, text string) {
	err := b.session.InteractionRespond(ev.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text, Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.log.ErrorContext(ctx, "couldn't respond", slog.Any("err", err))
	}
}

// invocation builds a command invocation from subcommand options, which must
// already be in declaration order.
func invocation(g *guild, opts []*discordgo.ApplicationCommandInteractionDataOption, member *discordgo.Member, botRank int) *command.Invocation {
	call := &command.Invocation{
		Member:  member.User.ID,
		Rank:    g.rank(member),
		BotRank: botRank,
		Names:   g.names(),
	}
	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionRole:
			call.Roles = append(call.Roles, g.role(fmt.Sprint(o.Value)))
		case discordgo.ApplicationCommandOptionString:
			// Autocompleted role. The value is the ID if the member picked a
			// suggestion, or whatever they typed otherwise.
			s := o.StringValue()
			r, ok := g.resolve(s)
			if !ok {
				r = command.Role{ID: s, Name: s}
			}
			call.Roles = append(call.Roles, r)
		case discordgo.ApplicationCommandOptionInteger:
			call.Int = int(o.IntValue())
		}
	}
	return call
}

// options returns a subcommand's options in the order they are declared.
// Discord sends options in whatever order the member filled them.
func options(name string, sub *discordgo.ApplicationCommandInteractionDataOption) []*discordgo.ApplicationCommandInteractionDataOption {
	var decl []*discordgo.ApplicationCommandOption
	for _, c := range slashCommands {
		if c.Name != name {
			continue
		}
		for _, s := range c.Options {
			if s.Name == sub.Name {
				decl = s.Options
			}
		}
	}
	idx := func(n string) int {
		return slices.IndexFunc(decl, func(o *discordgo.ApplicationCommandOption) bool { return o.Name == n })
	}
	r := slices.Clone(sub.Options)
	slices.SortStableFunc(r, func(a, b *discordgo.ApplicationCommandInteractionDataOption) int {
		return idx(a.Name) - idx(b.Name)
	})
	return r
}
