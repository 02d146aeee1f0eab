package command

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zephyrtronium/roleassign/join"
	"github.com/zephyrtronium/roleassign/metrics"
	"github.com/zephyrtronium/roleassign/rules"
	"github.com/zephyrtronium/roleassign/settings"
)

// Settings is the configuration store as administrative commands need it.
type Settings interface {
	settings.Store
	// Update applies f to a community's configuration and saves the result.
	// If f returns an error, nothing is saved.
	Update(ctx context.Context, community string, f func(rules.Config) (rules.Config, error)) (rules.Config, error)
	// Reset returns a community to the default configuration.
	Reset(ctx context.Context, community string) error
}

// Robot is the bot state as is visible to commands.
type Robot struct {
	Log      *slog.Logger
	Settings Settings
	Joiner   *join.Joiner
	// Limits rate limits member commands. May be nil.
	Limits *Limits
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Limits is a set of per-community rate limits.
// The zero value allows everything.
type Limits struct {
	// Every is the interval at which a community earns one more command.
	Every time.Duration
	// Burst is the most commands a community can bank.
	Burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// Allow reports whether a command in community at now is within limits.
func (l *Limits) Allow(community string, now time.Time) bool {
	if l == nil || l.Every <= 0 {
		return true
	}
	l.mu.Lock()
	lim := l.m[community]
	if lim == nil {
		if l.m == nil {
			l.m = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(l.Every), max(l.Burst, 1))
		l.m[community] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

func (robo *Robot) allow(ctx context.Context, name string, call *Invocation) bool {
	if robo.Limits.Allow(call.Community, call.Time) {
		return true
	}
	robo.Log.InfoContext(ctx, "rate limited",
		slog.String("command", name),
		slog.String("community", call.Community),
		slog.String("member", call.Member),
	)
	if robo.Metrics != nil {
		metrics.Observe(robo.Metrics.RateLimited, 1)
	}
	return false
}
