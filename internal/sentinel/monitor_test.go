package sentinel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navidesk/sentinel/internal/actor"
	"github.com/navidesk/sentinel/internal/events"
	"github.com/navidesk/sentinel/internal/executor"
	"github.com/navidesk/sentinel/internal/logging"
	"github.com/navidesk/sentinel/internal/settings"
	"github.com/navidesk/sentinel/internal/threat"
)

type call struct {
	op     string
	flag   string
	reason string
	actors []string
	caller actor.Actor
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeResponder) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeResponder) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.calls))
	for i, c := range f.calls {
		ops[i] = c.op
	}
	return ops
}

func (f *fakeResponder) ToggleAuthority(_ context.Context, caller actor.Actor, flag string, _ bool, reason string, _ executor.TriggerStats, _ threat.Tier) (*executor.Result, error) {
	f.record(call{op: "toggle", flag: flag, reason: reason, caller: caller})
	return &executor.Result{}, nil
}

func (f *fakeResponder) SecurityAlert(_ context.Context, caller actor.Actor, reason string, _ executor.TriggerStats, _ threat.Tier) (*executor.Result, error) {
	f.record(call{op: "alert", reason: reason, caller: caller})
	return &executor.Result{}, nil
}

func (f *fakeResponder) AutoLockdown(_ context.Context, caller actor.Actor, reason string, _ executor.TriggerStats, topOffenders []string) (*executor.Result, error) {
	f.record(call{op: "lockdown", reason: reason, actors: topOffenders, caller: caller})
	return &executor.Result{}, nil
}

func (f *fakeResponder) AutoUnlock(_ context.Context, caller actor.Actor, reason string) (*executor.Result, error) {
	f.record(call{op: "unlock", reason: reason, caller: caller})
	return &executor.Result{}, nil
}

type monitorEnv struct {
	monitor   *Monitor
	responder *fakeResponder
	settings  *settings.MemoryStore
	activity  *events.Aggregator
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMonitorEnv(t *testing.T, mutate func(*settings.Settings)) *monitorEnv {
	t.Helper()

	st := settings.NewMemoryStore()
	if mutate != nil {
		cfg, err := st.Get(context.Background())
		require.NoError(t, err)
		mutate(cfg)
		require.NoError(t, st.Update(context.Background(), cfg))
	}

	// Anchored to wall time so the store's retention pruning stays inert.
	clock := &fakeClock{now: time.Now()}
	activity := events.NewAggregator(events.NewMemoryStore()).WithClock(clock.Now)
	responder := &fakeResponder{}
	monitor := New(DefaultConfig(), st, activity, responder,
		WithLogger(logging.Nop()), WithClock(clock.Now))

	return &monitorEnv{
		monitor:   monitor,
		responder: responder,
		settings:  st,
		activity:  activity,
		clock:     clock,
	}
}

func (e *monitorEnv) recordEvents(t *testing.T, kind events.Kind, n int, actorID string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.activity.Record(context.Background(), kind, actorID)
		require.NoError(t, err)
	}
}

func TestRunCycle_QuietWindowDoesNothing(t *testing.T) {
	env := newMonitorEnv(t, nil)

	env.monitor.RunCycle(context.Background())

	assert.Empty(t, env.responder.ops())
}

func TestRunCycle_SignupSpikeDisablesSignups(t *testing.T) {
	env := newMonitorEnv(t, nil)
	// Defaults: signup threshold 10, multiplier 2 -> 20 signups is critical.
	env.recordEvents(t, events.KindSignup, 25, "u1")

	env.monitor.RunCycle(context.Background())

	require.Len(t, env.responder.calls, 1)
	c := env.responder.calls[0]
	assert.Equal(t, "toggle", c.op)
	assert.Equal(t, settings.FlagDisableSignups, c.flag)
	assert.Contains(t, c.reason, "25 signups")
	assert.True(t, c.caller.IsAutonomous())
}

func TestRunCycle_MessageFloodEntersReadOnly(t *testing.T) {
	env := newMonitorEnv(t, nil)
	env.recordEvents(t, events.KindMessage, 120, "u1")

	env.monitor.RunCycle(context.Background())

	require.Len(t, env.responder.calls, 1)
	assert.Equal(t, "toggle", env.responder.calls[0].op)
	assert.Equal(t, settings.FlagReadOnlyMode, env.responder.calls[0].flag)
}

func TestRunCycle_FailedLoginSpikeAlertsOnly(t *testing.T) {
	env := newMonitorEnv(t, nil)
	env.recordEvents(t, events.KindFailedLogin, 50, "")

	env.monitor.RunCycle(context.Background())

	assert.Equal(t, []string{"alert"}, env.responder.ops(),
		"failed logins must alert, never enforce")
}

func TestRunCycle_LockdownRanksOffenders(t *testing.T) {
	env := newMonitorEnv(t, func(s *settings.Settings) { s.AutoLockdownEnabled = true })
	env.recordEvents(t, events.KindSignup, 20, "worst")
	env.recordEvents(t, events.KindSignup, 5, "second")

	env.monitor.RunCycle(context.Background())

	ops := env.responder.ops()
	require.Contains(t, ops, "lockdown")
	for _, c := range env.responder.calls {
		if c.op != "lockdown" {
			continue
		}
		require.NotEmpty(t, c.actors)
		assert.Equal(t, "worst", c.actors[0], "busiest actor ranked first")
	}
}

func TestRunCycle_LockdownRequiresGovernor(t *testing.T) {
	// Lockdown is opt-in; a critical overall tier alone must not request it.
	env := newMonitorEnv(t, nil)
	env.recordEvents(t, events.KindSignup, 20, "u1")

	env.monitor.RunCycle(context.Background())

	assert.NotContains(t, env.responder.ops(), "lockdown")
}

func TestRunCycle_UnlocksWhenCalm(t *testing.T) {
	env := newMonitorEnv(t, func(s *settings.Settings) { s.LockdownMode = true })

	env.monitor.RunCycle(context.Background())

	assert.Equal(t, []string{"unlock"}, env.responder.ops())
}

func TestRunCycle_Debounce(t *testing.T) {
	env := newMonitorEnv(t, nil)
	env.recordEvents(t, events.KindSignup, 25, "u1")

	env.monitor.RunCycle(context.Background())
	env.monitor.RunCycle(context.Background())
	require.Len(t, env.responder.calls, 1, "second cycle inside the window must not re-fire")

	// Past the debounce window the rule may fire again. The aggregation
	// window has also moved on, so fresh events are needed.
	env.clock.Advance(6 * time.Minute)
	env.recordEvents(t, events.KindSignup, 25, "u1")
	env.monitor.RunCycle(context.Background())
	assert.Len(t, env.responder.calls, 2)
}

func TestRunCycle_DebounceIsPerRule(t *testing.T) {
	env := newMonitorEnv(t, nil)
	env.recordEvents(t, events.KindSignup, 25, "u1")

	env.monitor.RunCycle(context.Background())
	require.Equal(t, []string{"toggle"}, env.responder.ops())

	// A different metric going critical fires its own rule immediately.
	env.recordEvents(t, events.KindFailedLogin, 50, "")
	env.monitor.RunCycle(context.Background())
	assert.Equal(t, []string{"toggle", "alert"}, env.responder.ops())
}

func TestRunCycle_EngineDisabled(t *testing.T) {
	env := newMonitorEnv(t, func(s *settings.Settings) { s.NaviEnabled = false })
	env.recordEvents(t, events.KindSignup, 100, "u1")

	env.monitor.RunCycle(context.Background())

	assert.Empty(t, env.responder.ops(), "disabled engine must never respond")
}

func TestRunCycle_ObserveOnly(t *testing.T) {
	env := newMonitorEnv(t, func(s *settings.Settings) { s.AutoResponseEnabled = false })
	env.recordEvents(t, events.KindSignup, 100, "u1")

	env.monitor.RunCycle(context.Background())

	assert.Empty(t, env.responder.ops(), "observe-only mode evaluates but never responds")
}

func TestRunCycle_AlreadyActiveFlagNotRetoggled(t *testing.T) {
	env := newMonitorEnv(t, func(s *settings.Settings) { s.DisableSignups = true })
	env.recordEvents(t, events.KindSignup, 25, "u1")

	env.monitor.RunCycle(context.Background())

	assert.Empty(t, env.responder.ops())
}

func TestStartStop(t *testing.T) {
	env := newMonitorEnv(t, nil)
	env.monitor.config.PollInterval = 10 * time.Millisecond

	require.NoError(t, env.monitor.Start(context.Background()))
	assert.Error(t, env.monitor.Start(context.Background()), "double start must fail")

	time.Sleep(30 * time.Millisecond)
	env.monitor.Stop()
}

type captureAssessments struct {
	mu          sync.Mutex
	assessments []*threat.Assessment
}

func (p *captureAssessments) PublishAssessment(a *threat.Assessment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assessments = append(p.assessments, a)
}

func (p *captureAssessments) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assessments)
}

func TestRunCycle_PublishesAssessments(t *testing.T) {
	env := newMonitorEnv(t, nil)
	pub := &captureAssessments{}
	env.monitor.publisher = pub

	env.recordEvents(t, events.KindSignup, 25, "u1")
	env.monitor.RunCycle(context.Background())
	env.monitor.RunCycle(context.Background())

	require.Equal(t, 2, pub.count())
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, threat.TierCritical, pub.assessments[0].Overall)
}

// blockingSettings gates Get so a cycle can be held in flight.
type blockingSettings struct {
	settings.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSettings) Get(ctx context.Context) (*settings.Settings, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.Get(ctx)
}

func TestRunCycle_OverlappingCycleIsDropped(t *testing.T) {
	st := &blockingSettings{
		Store:   settings.NewMemoryStore(),
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	responder := &fakeResponder{}
	activity := events.NewAggregator(events.NewMemoryStore())
	m := New(DefaultConfig(), st, activity, responder, WithLogger(logging.Nop()))

	first := make(chan struct{})
	go func() {
		defer close(first)
		m.RunCycle(context.Background())
	}()
	<-st.entered // first cycle is now in flight

	// Second cycle must return immediately without touching settings.
	second := make(chan struct{})
	go func() {
		defer close(second)
		m.RunCycle(context.Background())
	}()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("overlapping cycle should have been dropped")
	}
	assert.Empty(t, st.entered)

	close(st.release)
	<-first

	// With the first cycle finished, the next one proceeds normally.
	m.RunCycle(context.Background())
	select {
	case <-st.entered:
	default:
		t.Fatal("follow-up cycle should have read settings")
	}
}
