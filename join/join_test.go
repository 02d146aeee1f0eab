package join_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"github.com/zephyrtronium/roleassign/join"
	"github.com/zephyrtronium/roleassign/lockout"
	"github.com/zephyrtronium/roleassign/rules"
)

type store struct {
	mu  sync.Mutex
	cfg map[string]rules.Config
}

func (s *store) Load(ctx context.Context, community string) (rules.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfg[community]
	if !ok {
		return rules.New(), nil
	}
	return cfg.Clone(), nil
}

func (s *store) Save(ctx context.Context, community string, cfg rules.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		s.cfg = make(map[string]rules.Config)
	}
	s.cfg[community] = cfg.Clone()
	return nil
}

type platform struct {
	mu    sync.Mutex
	held  map[string][]string
	fail  map[string]error
	calls []string
}

func (p *platform) call(op, role string) error {
	c := op
	if role != "" {
		c += " " + role
	}
	p.calls = append(p.calls, c)
	return p.fail[c]
}

func (p *platform) Held(ctx context.Context, community, member string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("held", ""); err != nil {
		return nil, err
	}
	return slices.Clone(p.held[member]), nil
}

func (p *platform) Grant(ctx context.Context, community, member, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("grant", role); err != nil {
		return err
	}
	if p.held == nil {
		p.held = make(map[string][]string)
	}
	p.held[member] = append(p.held[member], role)
	slices.Sort(p.held[member])
	return nil
}

func (p *platform) Revoke(ctx context.Context, community, member, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("revoke", role); err != nil {
		return err
	}
	p.held[member] = slices.DeleteFunc(p.held[member], func(s string) bool { return s == role })
	return nil
}

func (p *platform) holding(member string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.held[member])
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, cfg rules.Config, held ...string) (*join.Joiner, *platform, *clock) {
	t.Helper()
	s := new(store)
	if err := s.Save(context.Background(), "kessoku", cfg); err != nil {
		t.Fatal(err)
	}
	p := &platform{held: map[string][]string{"bocchi": held}, fail: map[string]error{}}
	c := &clock{now: time.Unix(1700000000, 0)}
	j := &join.Joiner{
		Settings: s,
		Lockouts: lockout.NewMemory(0, nil),
		Platform: p,
		Now:      c.Now,
	}
	return j, p, c
}

func exclusivePair(t *testing.T) rules.Config {
	t.Helper()
	cfg := rules.New().SetActive(true).AddSelfRole("R1").AddSelfRole("R2")
	cfg, err := cfg.SetLockout(3600)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err = cfg.SetExclusive("R1", "R2")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestJoinFree(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := rules.New().SetActive(true).AddSelfRole("roadie")
	j, p, _ := setup(t, cfg)
	o, err := j.Join(context.Background(), join.Request{Community: "kessoku", Member: "bocchi", Role: "roadie"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(o.Trace, []join.State{join.Requested, join.Validated, join.Committed}); diff != "" {
		t.Errorf("wrong trace (+got/-want):\n%s", diff)
	}
	if o.Switched || len(o.Revoked) != 0 {
		t.Errorf("free join switched: %+v", o)
	}
	if diff := cmp.Diff(p.holding("bocchi"), []string{"roadie"}); diff != "" {
		t.Errorf("wrong held roles (+got/-want):\n%s", diff)
	}
	if _, ok, _ := j.Lockouts.Last(context.Background(), "kessoku", "bocchi"); ok {
		t.Errorf("free join recorded a switch")
	}
}

func TestJoinSwitchLockout(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	j, p, c := setup(t, exclusivePair(t), "R2")
	T := c.Now()
	if err := j.Lockouts.Record(ctx, "kessoku", "bocchi", T, time.Hour); err != nil {
		t.Fatal(err)
	}

	c.Advance(1000 * time.Second)
	p.calls = nil
	o, err := j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R1"})
	if !errors.Is(err, join.ErrLocked) {
		t.Errorf("wrong error at T+1000s: want %v, got %v", join.ErrLocked, err)
	}
	if o.Final() != join.Rejected {
		t.Errorf("wrong final state: want %v, got %v", join.Rejected, o.Final())
	}
	if diff := cmp.Diff(p.calls, []string{"held"}); diff != "" {
		t.Errorf("locked join changed roles (+got/-want):\n%s", diff)
	}

	c.Advance(2700 * time.Second)
	p.calls = nil
	o, err = j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R1"})
	if err != nil {
		t.Fatalf("join at T+3700s failed: %v", err)
	}
	want := join.Outcome{
		Trace:    []join.State{join.Requested, join.Validated, join.ConflictResolution, join.Committed},
		Revoked:  []string{"R2"},
		Switched: true,
		At:       T.Add(3700 * time.Second),
	}
	if diff := cmp.Diff(o, want); diff != "" {
		t.Errorf("wrong outcome (+got/-want):\n%s", diff)
	}
	if diff := cmp.Diff(p.calls, []string{"held", "revoke R2", "grant R1"}); diff != "" {
		t.Errorf("wrong platform calls (+got/-want):\n%s", diff)
	}
	if diff := cmp.Diff(p.holding("bocchi"), []string{"R1"}); diff != "" {
		t.Errorf("wrong held roles (+got/-want):\n%s", diff)
	}
	last, ok, err := j.Lockouts.Last(ctx, "kessoku", "bocchi")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !last.Equal(want.At) {
		t.Errorf("switch not recorded: got %v %t", last, ok)
	}

	// Switching straight back is locked again.
	c.Advance(time.Second)
	_, err = j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R2"})
	if !errors.Is(err, join.ErrLocked) {
		t.Errorf("wrong error switching back: want %v, got %v", join.ErrLocked, err)
	}
}

func TestJoinNoCooldown(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	cfg, err := exclusivePair(t).SetLockout(0)
	if err != nil {
		t.Fatal(err)
	}
	j, p, _ := setup(t, cfg, "R2")
	o, err := j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R1"})
	if err != nil {
		t.Fatal(err)
	}
	if !o.Switched {
		t.Errorf("join didn't switch: %+v", o)
	}
	if diff := cmp.Diff(p.holding("bocchi"), []string{"R1"}); diff != "" {
		t.Errorf("wrong held roles (+got/-want):\n%s", diff)
	}
	if _, ok, _ := j.Lockouts.Last(ctx, "kessoku", "bocchi"); ok {
		t.Errorf("switch recorded without a cooldown")
	}
	if n := j.Lockouts.(*lockout.Memory).Len(); n != 0 {
		t.Errorf("tracker holds %d records", n)
	}
	// Switching straight back is fine.
	if _, err := j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R2"}); err != nil {
		t.Errorf("couldn't switch back: %v", err)
	}
}

func TestJoinRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := rules.New().SetActive(true).AddSelfRole("R4").AddSelfRole("roadie").Ignore("muted")
	cfg, err := cfg.SetPrerequisites("R4", "R3")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name  string
		cfg   rules.Config
		held  []string
		role  string
		err   error
		calls []string
	}{
		{"not-self-assignable", cfg, nil, "admin", join.ErrNotEligible, nil},
		{"held-not-self-assignable", cfg, []string{"admin"}, "admin", join.ErrNotEligible, nil},
		{"prerequisite", cfg, nil, "R4", join.ErrNotEligible, []string{"held"}},
		{"already", cfg, []string{"roadie"}, "roadie", join.ErrAlreadyAssigned, []string{"held"}},
		{"ignored", cfg, []string{"muted"}, "roadie", join.ErrNotEligible, []string{"held"}},
		{"inactive", cfg.SetActive(false), nil, "roadie", join.ErrNotEligible, []string{"held"}},
		{"indefinite", exclusivePairIndefinite(t), []string{"R2"}, "R1", join.ErrLocked, []string{"held"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			j, p, _ := setup(t, c.cfg, c.held...)
			o, err := j.Join(context.Background(), join.Request{Community: "kessoku", Member: "bocchi", Role: c.role})
			if !errors.Is(err, c.err) {
				t.Errorf("wrong error: want %v, got %v", c.err, err)
			}
			if o.Final() != join.Rejected {
				t.Errorf("wrong final state: want %v, got %v", join.Rejected, o.Final())
			}
			if diff := cmp.Diff(p.calls, c.calls, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("wrong platform calls (+got/-want):\n%s", diff)
			}
			if diff := cmp.Diff(p.holding("bocchi"), c.held, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("held roles changed (+got/-want):\n%s", diff)
			}
		})
	}
}

func exclusivePairIndefinite(t *testing.T) rules.Config {
	t.Helper()
	cfg, err := exclusivePair(t).SetLockout(rules.Indefinite)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestJoinPrerequisiteGained(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := rules.New().SetActive(true).AddSelfRole("R3").AddSelfRole("R4")
	cfg, err := cfg.SetPrerequisites("R4", "R3")
	if err != nil {
		t.Fatal(err)
	}
	j, p, _ := setup(t, cfg)
	ctx := context.Background()
	if _, err := j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R4"}); !errors.Is(err, join.ErrNotEligible) {
		t.Errorf("joined R4 without R3: %v", err)
	}
	if _, err := j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R3"}); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "R4"}); err != nil {
		t.Errorf("couldn't join R4 with R3: %v", err)
	}
	if diff := cmp.Diff(p.holding("bocchi"), []string{"R3", "R4"}); diff != "" {
		t.Errorf("wrong held roles (+got/-want):\n%s", diff)
	}
}

func TestJoinPlatformErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := rules.New().SetActive(true).AddSelfRole("a").AddSelfRole("b").AddSelfRole("c")
	cfg, err := cfg.ExclusiveGroup("a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	forbidden := fmt.Errorf("%w: missing permissions", join.ErrForbidden)
	cases := []struct {
		name       string
		fail       string
		err        error
		forbidden  bool
		unresolved bool
		revoked    []string
		held       []string
	}{
		{
			name:      "held-forbidden",
			fail:      "held",
			err:       forbidden,
			forbidden: true,
			held:      []string{"a", "b"},
		},
		{
			name: "first-revoke",
			fail: "revoke a",
			err:  errors.New("connection reset"),
			held: []string{"a", "b"},
		},
		{
			name:       "second-revoke",
			fail:       "revoke b",
			err:        errors.New("connection reset"),
			unresolved: true,
			revoked:    []string{"a"},
			held:       []string{"b"},
		},
		{
			name:       "grant",
			fail:       "grant c",
			err:        forbidden,
			forbidden:  true,
			unresolved: true,
			revoked:    []string{"a", "b"},
			held:       nil,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// Holding two members of a group at once only happens when
			// someone assigned roles by hand.
			j, p, _ := setup(t, cfg, "a", "b")
			p.fail[c.fail] = c.err
			o, err := j.Join(context.Background(), join.Request{Community: "kessoku", Member: "bocchi", Role: "c"})
			var ext *join.ExternalError
			if !errors.As(err, &ext) {
				t.Fatalf("wrong error: want *ExternalError, got %#v", err)
			}
			if ext.Forbidden() != c.forbidden {
				t.Errorf("wrong forbidden: want %t, got %t", c.forbidden, ext.Forbidden())
			}
			if !c.forbidden && !errors.Is(err, join.ErrTransient) {
				t.Errorf("unclassified error not transient: %v", err)
			}
			if ext.Unresolved() != c.unresolved {
				t.Errorf("wrong unresolved: want %t, got %t", c.unresolved, ext.Unresolved())
			}
			if diff := cmp.Diff(ext.Revoked, c.revoked); diff != "" {
				t.Errorf("wrong revoked in error (+got/-want):\n%s", diff)
			}
			if o.Final() != join.Rejected || o.Switched {
				t.Errorf("failed join has wrong outcome: %+v", o)
			}
			if diff := cmp.Diff(p.holding("bocchi"), c.held, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("wrong held roles (+got/-want):\n%s", diff)
			}
			if _, ok, _ := j.Lockouts.Last(context.Background(), "kessoku", "bocchi"); ok {
				t.Errorf("failed join recorded a switch")
			}
		})
	}
}

func TestJoinSerialized(t *testing.T) {
	defer goleak.VerifyNone(t)
	roles := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	cfg := rules.New().SetActive(true)
	for _, r := range roles {
		cfg = cfg.AddSelfRole(r)
	}
	cfg, err := cfg.ExclusiveGroup(roles...)
	if err != nil {
		t.Fatal(err)
	}
	j, p, _ := setup(t, cfg)
	var wg sync.WaitGroup
	errs := make([]error, len(roles))
	for i, r := range roles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = j.Join(context.Background(), join.Request{Community: "kessoku", Member: "bocchi", Role: r})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("join %s failed: %v", roles[i], err)
		}
	}
	if h := p.holding("bocchi"); len(h) != 1 {
		t.Errorf("concurrent joins left member holding %v", h)
	}
}

func TestJoinCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := rules.New().SetActive(true).AddSelfRole("roadie")
	j, p, _ := setup(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := j.Join(ctx, join.Request{Community: "kessoku", Member: "bocchi", Role: "roadie"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("wrong error: want %v, got %v", context.Canceled, err)
	}
	if len(p.calls) != 0 {
		t.Errorf("canceled join reached platform: %v", p.calls)
	}
}

func TestEvaluate(t *testing.T) {
	defer goleak.VerifyNone(t)
	j, _, _ := setup(t, exclusivePair(t), "R2")
	r, cfg, err := j.Evaluate(context.Background(), "kessoku", "bocchi")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Lockout != 3600 {
		t.Errorf("wrong config returned: %+v", cfg)
	}
	if diff := cmp.Diff(r.Switches(), []string{"R1"}); diff != "" {
		t.Errorf("wrong switches (+got/-want):\n%s", diff)
	}
}
