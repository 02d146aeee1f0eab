package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/kelseyhightower/envconfig"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Load loads configuration from TOML. Strings may refer to environment
// variables as $VAR or ${VAR}, and ROLEASSIGN_* environment variables
// override the file.
func Load(ctx context.Context, r io.Reader) (*Config, *toml.MetaData, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't decode config: %w", err)
	}
	expandcfg(&cfg, os.Getenv)
	if err := envconfig.Process("roleassign", &cfg); err != nil {
		return nil, nil, fmt.Errorf("couldn't apply environment overrides: %w", err)
	}
	return &cfg, &md, nil
}

// Config is the marshaled structure of the bot's configuration.
type Config struct {
	// DB is the table of database connection strings.
	DB DBCfg `toml:"db"`
	// Discord is the configuration for connecting to Discord.
	Discord DiscordCfg `toml:"discord"`
	// HTTP is the configuration for the HTTP API.
	HTTP HTTPCfg `toml:"http"`
	// Lockout configures the in-memory lockout tracker.
	Lockout LockoutCfg `toml:"lockout"`
	// Join configures join attempts.
	Join JoinCfg `toml:"join"`
	// Rate is the per-community rate limit for member commands.
	Rate Rate `toml:"rate"`
}

// DBCfg is the configuration of databases.
type DBCfg struct {
	// Settings is the SQLite connection string for community settings.
	Settings string `toml:"settings"`
	// Lockouts is the directory of a badger database for lockout records.
	// If empty, lockouts are kept in memory and lost on restart.
	Lockouts string `toml:"lockouts"`
	// KVFlag is a badger superflag string for the lockout database.
	KVFlag string `toml:"kvflag" split_words:"true"`
}

// DiscordCfg is the configuration for the Discord bot.
type DiscordCfg struct {
	// TokenFile is the path to a file containing the bot token.
	TokenFile string `toml:"token" split_words:"true"`
	// Guild limits slash command registration to one guild, which makes
	// command changes visible immediately. Empty registers globally.
	Guild string `toml:"guild"`
}

// HTTPCfg is the configuration of the HTTP API.
type HTTPCfg struct {
	// Listen is the address on which to serve the API. Empty disables it.
	Listen string `toml:"listen"`
}

// LockoutCfg is the configuration of the in-memory lockout tracker.
type LockoutCfg struct {
	// Max is the most records to keep. Zero means unbounded.
	Max int `toml:"max"`
	// Prune is the interval in seconds between removals of expired records.
	Prune float64 `toml:"prune"`
}

// JoinCfg is the configuration of join attempts.
type JoinCfg struct {
	// Timeout is the time limit in seconds for a join attempt, including
	// waiting for the member's other attempts.
	Timeout float64 `toml:"timeout"`
}

// Rate is a rate limit configuration.
type Rate struct {
	Every float64 `toml:"every"`
	Num   int     `toml:"num"`
}

func expandcfg(cfg *Config, expand func(s string) string) {
	fields := []*string{
		&cfg.DB.Settings,
		&cfg.DB.Lockouts,
		&cfg.DB.KVFlag,
		&cfg.Discord.TokenFile,
		&cfg.Discord.Guild,
		&cfg.HTTP.Listen,
	}
	for _, f := range fields {
		*f = os.Expand(*f, expand)
	}
}

func fseconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func loadDBs(ctx context.Context, cfg DBCfg) (sql *sqlitex.Pool, kv *badger.DB, err error) {
	if cfg.Settings == "" {
		return nil, nil, fmt.Errorf("no settings database configured")
	}
	slog.DebugContext(ctx, "settings db", slog.String("path", cfg.Settings))
	sql, err = sqlitex.NewPool(cfg.Settings, sqlitex.PoolOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't open settings db: %w", err)
	}
	if cfg.Lockouts != "" {
		slog.DebugContext(ctx, "lockout db", slog.String("path", cfg.Lockouts), slog.String("flags", cfg.KVFlag))
		opts := badger.DefaultOptions(cfg.Lockouts)
		opts = opts.WithLogger(nil)
		opts = opts.WithCompression(options.None)
		kv, err = badger.Open(opts.FromSuperFlag(cfg.KVFlag))
		if err != nil {
			sql.Close()
			return nil, nil, fmt.Errorf("couldn't open lockout db: %w", err)
		}
	}
	return sql, kv, nil
}

func loadToken(file string) (string, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("couldn't read Discord token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
