package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zephyrtronium/roleassign/command"
	"github.com/zephyrtronium/roleassign/discord"
	"github.com/zephyrtronium/roleassign/eligible"
	"github.com/zephyrtronium/roleassign/join"
	"github.com/zephyrtronium/roleassign/lockout"
	"github.com/zephyrtronium/roleassign/lockout/kvlockout"
	"github.com/zephyrtronium/roleassign/metrics"
	"github.com/zephyrtronium/roleassign/settings"
)

// Robot is the assembled role assignment service.
type Robot struct {
	settings *settings.SQLite
	lockouts lockout.Tracker
	// memory is the in-memory lockout tracker, if lockouts are not
	// persisted. It must be pruned periodically.
	memory  *lockout.Memory
	metrics *metrics.Metrics
	cmd     *command.Robot
	// now is the clock for API evaluations.
	now func() time.Time
}

// New assembles a robot over its databases. kv may be nil, in which case
// lockouts are tracked in memory with at most max records.
func New(ctx context.Context, sql *sqlitex.Pool, kv *badger.DB, max int, mets *metrics.Metrics) (*Robot, error) {
	s, err := settings.Open(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("couldn't open settings: %w", err)
	}
	robo := &Robot{
		settings: s,
		metrics:  mets,
		now:      time.Now,
	}
	if kv != nil {
		robo.lockouts = kvlockout.New(kv)
	} else {
		var size metrics.Observer
		if mets != nil {
			size = mets.LockoutRecords
		}
		robo.memory = lockout.NewMemory(max, size)
		robo.lockouts = robo.memory
	}
	robo.cmd = &command.Robot{
		Log:      slog.Default(),
		Settings: s,
		Joiner: &join.Joiner{
			Settings: s,
			Lockouts: robo.lockouts,
			Log:      slog.Default(),
			Metrics:  mets,
		},
		Metrics: mets,
	}
	return robo, nil
}

// SetJoin configures join attempts and rate limits on member commands.
func (robo *Robot) SetJoin(timeout time.Duration, rate Rate) {
	robo.cmd.Joiner.Timeout = timeout
	robo.cmd.Limits = &command.Limits{Every: fseconds(rate.Every), Burst: rate.Num}
}

// Run serves the bot and the HTTP API until ctx is canceled or either fails.
// If listen is empty, no HTTP API is served.
func (robo *Robot) Run(ctx context.Context, bot *discord.Bot, listen string, prune time.Duration) error {
	robo.cmd.Joiner.Platform = bot.Roles()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return bot.Run(ctx, robo.cmd) })
	if listen != "" {
		group.Go(func() error { return robo.api(ctx, listen, new(http.ServeMux), robo.metrics.Collectors()) })
	}
	if robo.memory != nil && prune > 0 {
		group.Go(func() error { robo.pruneLoop(ctx, prune); return nil })
	}
	return group.Wait()
}

// eligibility evaluates a member holding a given set of roles. If member is
// empty, the evaluation ignores lockouts.
func (robo *Robot) eligibility(ctx context.Context, community, member string, held []string) (eligible.Result, error) {
	cfg, err := robo.settings.Load(ctx, community)
	if err != nil {
		return eligible.Result{}, err
	}
	var last time.Time
	var switched bool
	if member != "" {
		last, switched, err = robo.lockouts.Last(ctx, community, member)
		if err != nil {
			return eligible.Result{}, fmt.Errorf("couldn't get last switch: %w", err)
		}
	}
	return eligible.Evaluate(cfg, held, last, switched, robo.now()), nil
}

func (robo *Robot) pruneLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			robo.memory.Prune(now)
			slog.DebugContext(ctx, "pruned lockouts", slog.Int("remaining", robo.memory.Len()))
		}
	}
}
