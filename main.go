package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/zephyrtronium/roleassign/discord"
	"github.com/zephyrtronium/roleassign/metrics"
	"github.com/zephyrtronium/roleassign/settings"
)

var app = cli.Command{
	Name:  "roleassign",
	Usage: "Discord bot for self-assignable roles with prerequisites and exclusivity",

	Flags: []cli.Flag{
		&flagConfig,
		&flagLog,
		&flagLogFormat,
	},
	Commands: []*cli.Command{
		{
			Name:  "import",
			Usage: "Import community settings exported from the old bot",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "file",
					Usage:    "JSON file mapping community IDs to settings",
					Required: true,
				},
			},
			Action: cliImport,
		},
		{
			Name:    "check",
			Aliases: []string{"eligible"},
			Usage:   "Show the roles a member holding some roles could join",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "community",
					Usage:    "Community (guild) ID",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:  "held",
					Usage: "Role IDs the member holds",
				},
				&cli.StringFlag{
					Name:  "member",
					Usage: "Member ID, to include their lockout",
				},
			},
			Action: cliCheck,
		},
	},
	Action: cliRun,

	Authors: []any{
		"Branden J Brown  @zephyrtronium",
	},
	Copyright: "Copyright 2024 Branden J Brown",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	go func() {
		<-ctx.Done()
		stop()
	}()
	err := app.Run(ctx, os.Args)
	if err != nil {
		fmt.Println(err)
	}
}

func loadConfig(ctx context.Context, cmd *cli.Command) (*Config, error) {
	r, err := os.Open(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("couldn't open config file: %w", err)
	}
	defer r.Close()
	cfg, _, err := Load(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("couldn't load config: %w", err)
	}
	return cfg, nil
}

func cliRun(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	token, err := loadToken(cfg.Discord.TokenFile)
	if err != nil {
		return err
	}
	sql, kv, err := loadDBs(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer sql.Close()
	if kv != nil {
		defer kv.Close()
	}

	mets := newMetrics()
	robo, err := New(ctx, sql, kv, cfg.Lockout.Max, mets)
	if err != nil {
		return err
	}
	robo.SetJoin(fseconds(cfg.Join.Timeout), cfg.Rate)
	bot, err := discord.New(token, discord.Options{
		Guild:   cfg.Discord.Guild,
		Timeout: fseconds(cfg.Join.Timeout),
		Log:     slog.Default(),
		Metrics: mets,
	})
	if err != nil {
		return err
	}
	return robo.Run(ctx, bot, cfg.HTTP.Listen, fseconds(cfg.Lockout.Prune))
}

func cliImport(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	file := cmd.String("file")
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("couldn't read settings export: %w", err)
	}
	all, err := settings.DecodeLegacy(b)
	if err != nil {
		return fmt.Errorf("couldn't decode settings export: %w", err)
	}
	// Only settings are imported, so don't open the lockout database.
	sql, _, err := loadDBs(ctx, DBCfg{Settings: cfg.DB.Settings})
	if err != nil {
		return err
	}
	defer sql.Close()
	s, err := settings.Open(ctx, sql)
	if err != nil {
		return fmt.Errorf("couldn't open settings: %w", err)
	}
	slog.InfoContext(ctx, "importing", slog.String("file", file), slog.Int("communities", len(all)))
	for _, id := range slices.Sorted(maps.Keys(all)) {
		if err := s.Save(ctx, id, all[id]); err != nil {
			slog.ErrorContext(ctx, "couldn't save settings", slog.String("community", id), slog.Any("err", err))
			return err
		}
		slog.DebugContext(ctx, "imported", slog.String("community", id), slog.Int("roles", len(all[id].SelfRoles)))
	}
	return nil
}

func cliCheck(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	sql, kv, err := loadDBs(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer sql.Close()
	if kv != nil {
		defer kv.Close()
	}
	robo, err := New(ctx, sql, kv, cfg.Lockout.Max, nil)
	if err != nil {
		return err
	}
	community, member := cmd.String("community"), cmd.String("member")
	r, err := robo.eligibility(ctx, community, member, cmd.StringSlice("held"))
	if err != nil {
		return err
	}
	b, err := json.Marshal(apiEligibilityFrom(community, member, &r))
	if err != nil {
		return err
	}
	_, err = fmt.Printf("%s\n", b)
	return err
}

var (
	flagConfig = cli.StringFlag{
		Name:       "config",
		Required:   true,
		Usage:      "TOML config file",
		Persistent: true,
		Action: func(ctx context.Context, cmd *cli.Command, s string) error {
			i, err := os.Stat(s)
			if err != nil {
				return err
			}
			if !i.Mode().IsRegular() {
				return errors.New("config must be a regular file")
			}
			return nil
		},
	}

	flagLog = cli.StringFlag{
		Name:       "log",
		Usage:      "Logging level, one of debug, info, warn, error",
		Value:      "info",
		Persistent: true,
		Action: func(ctx context.Context, c *cli.Command, s string) error {
			var l slog.Level
			return l.UnmarshalText([]byte(s))
		},
	}

	flagLogFormat = cli.StringFlag{
		Name:       "log-format",
		Usage:      "Logging format, either text or json",
		Value:      "text",
		Persistent: true,
		Action: func(ctx context.Context, c *cli.Command, s string) error {
			switch strings.ToLower(s) {
			case "text", "json":
				return nil
			default:
				return errors.New("unknown logging format")
			}
		},
	}
)

func loggerFromFlags(cmd *cli.Command) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(cmd.String("log"))); err != nil {
		panic(err)
	}
	var h slog.Handler
	switch strings.ToLower(cmd.String("log-format")) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	case "json":
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	}
	return slog.New(h)
}

// metrics configuration
func newMetrics() *metrics.Metrics {
	return &metrics.Metrics{
		CommandCount: metrics.NewPromCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "roleassign",
					Subsystem: "discord",
					Name:      "commands",
					Help:      "Number of slash command invocations received.",
				},
				[]string{"command"},
			),
		),
		JoinCount: metrics.NewPromCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "roleassign",
					Subsystem: "join",
					Name:      "attempts",
					Help:      "Number of join attempts by outcome.",
				},
				[]string{"outcome"},
			),
		),
		JoinLatency: metrics.NewPromObserverVec(
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 5, 10},
					Namespace: "roleassign",
					Subsystem: "join",
					Name:      "latency",
					Help:      "How long join attempts take in seconds, including platform calls.",
				},
				[]string{"outcome"},
			),
		),
		SwitchCount: metrics.NewPromCounter(
			prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "roleassign",
					Subsystem: "join",
					Name:      "switches",
					Help:      "Number of committed joins which revoked an exclusive role.",
				},
			),
		),
		LockoutRecords: metrics.NewPromGauge(
			prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "roleassign",
					Subsystem: "lockout",
					Name:      "records",
					Help:      "Number of lockout records held in memory.",
				},
			),
		),
		RateLimited: metrics.NewPromCounter(
			prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "roleassign",
					Subsystem: "commands",
					Name:      "rate_limited",
					Help:      "Number of member commands dropped by rate limits.",
				},
			),
		),
	}
}
