// Package sentinel runs the autonomous policy loop.
//
// Every poll interval the monitor snapshots the trailing activity window,
// evaluates it into threat tiers, and decides which responses to request
// from the executor. The monitor never mutates protected state itself; it
// only calls the executor, which applies its own authorization, governor,
// and rate-limit checks. A response the monitor wants but the executor
// refuses is the system working, not a bug.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/navidesk/sentinel/internal/actor"
	"github.com/navidesk/sentinel/internal/events"
	"github.com/navidesk/sentinel/internal/executor"
	"github.com/navidesk/sentinel/internal/metrics"
	"github.com/navidesk/sentinel/internal/settings"
	"github.com/navidesk/sentinel/internal/threat"
)

// Responder is the slice of the executor the policy loop drives.
type Responder interface {
	ToggleAuthority(ctx context.Context, caller actor.Actor, flag string, value bool, reason string, stats executor.TriggerStats, level threat.Tier) (*executor.Result, error)
	SecurityAlert(ctx context.Context, caller actor.Actor, reason string, stats executor.TriggerStats, level threat.Tier) (*executor.Result, error)
	AutoLockdown(ctx context.Context, caller actor.Actor, reason string, stats executor.TriggerStats, topOffenders []string) (*executor.Result, error)
	AutoUnlock(ctx context.Context, caller actor.Actor, reason string) (*executor.Result, error)
}

// Rule names, used as debounce keys and in logs.
const (
	ruleDisableSignups = "disable_signups"
	ruleReadOnlyMode   = "read_only_mode"
	ruleSecurityAlert  = "security_alert"
	ruleLockdown       = "lockdown"
	ruleUnlock         = "unlock"
)

const lockdownOffenderLimit = 5

// AssessmentPublisher receives each completed evaluation for live
// streaming. Optional.
type AssessmentPublisher interface {
	PublishAssessment(a *threat.Assessment)
}

// Config for the policy loop.
type Config struct {
	PollInterval   time.Duration
	DebounceWindow time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		DebounceWindow: 5 * time.Minute,
	}
}

// Monitor is the polling policy loop.
type Monitor struct {
	config    Config
	settings  settings.Store
	activity  *events.Aggregator
	responder Responder
	publisher AssessmentPublisher
	logger    *slog.Logger
	now       func() time.Time

	// Last time each rule fired, successfully or not. Guarded by mu so a
	// slow executor call never lets a concurrent manual cycle double-fire.
	mu          sync.Mutex
	lastFired   map[string]time.Time
	running     bool
	cycleActive bool

	stop chan struct{}
	done chan struct{}
}

// Option configures the Monitor.
type Option func(*Monitor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithPublisher streams every completed assessment (live decision feed).
func WithPublisher(p AssessmentPublisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// New creates the policy loop.
func New(cfg Config, st settings.Store, activity *events.Aggregator, responder Responder, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultConfig().DebounceWindow
	}
	m := &Monitor{
		config:    cfg,
		settings:  st,
		activity:  activity,
		responder: responder,
		logger:    slog.Default(),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling. Returns an error if already started.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	m.logger.Info("policy loop started",
		"interval", m.config.PollInterval,
		"debounce", m.config.DebounceWindow,
	)

	go m.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle executes one observe-evaluate-respond pass. Exported so the
// admin API can trigger an immediate cycle.
func (m *Monitor) RunCycle(ctx context.Context) {
	// One cycle at a time: a manual trigger that lands while the ticker
	// cycle is still in flight is dropped, not queued.
	m.mu.Lock()
	if m.cycleActive {
		m.mu.Unlock()
		m.logger.Warn("cycle skipped: previous cycle still in flight")
		metrics.MonitorCyclesTotal.WithLabelValues("overlap").Inc()
		return
	}
	m.cycleActive = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cycleActive = false
		m.mu.Unlock()
	}()

	cfg, err := m.settings.Get(ctx)
	if err != nil {
		// A cycle that cannot read its configuration does nothing. Skipping
		// is always safer than acting on stale toggles.
		m.logger.Error("cycle skipped: settings unavailable", "error", err)
		metrics.MonitorCyclesTotal.WithLabelValues("error").Inc()
		return
	}
	if !cfg.NaviEnabled {
		metrics.MonitorCyclesTotal.WithLabelValues("disabled").Inc()
		return
	}

	stats, err := m.activity.Snapshot(ctx)
	if err != nil {
		m.logger.Error("cycle skipped: activity snapshot failed", "error", err)
		metrics.MonitorCyclesTotal.WithLabelValues("error").Inc()
		return
	}

	assessment := threat.Evaluate(threat.Stats{
		Signups:      stats.Signups,
		Messages:     stats.Messages,
		FailedLogins: stats.FailedLogins,
		ActiveUsers:  stats.ActiveUsers,
	}, cfg.Thresholds())

	metrics.ThreatTier.Set(float64(assessment.Overall))
	if m.publisher != nil {
		m.publisher.PublishAssessment(assessment)
	}

	if assessment.Overall >= threat.TierWarning {
		m.logger.Warn("elevated threat level",
			"overall", assessment.OverallName,
			"signups", stats.Signups,
			"messages", stats.Messages,
			"failed_logins", stats.FailedLogins,
		)
	}

	if !cfg.AutoResponseEnabled {
		metrics.MonitorCyclesTotal.WithLabelValues("observe_only").Inc()
		return
	}

	m.respond(ctx, cfg, stats, assessment)
	metrics.MonitorCyclesTotal.WithLabelValues("ok").Inc()
}

// respond applies the response rules for one cycle. Rules are independent;
// a failure in one never blocks the others.
func (m *Monitor) respond(ctx context.Context, cfg *settings.Settings, stats *events.ActivityStats, a *threat.Assessment) {
	trigger := executor.TriggerStats{
		Signups:          stats.Signups,
		Messages:         stats.Messages,
		FailedLogins:     stats.FailedLogins,
		ActiveUsers:      stats.ActiveUsers,
		SignupRatio:      a.Signups.Ratio,
		MessageRatio:     a.Messages.Ratio,
		FailedLoginRatio: a.FailedLogins.Ratio,
	}
	self := actor.Autonomous()

	if a.Signups.Tier >= threat.TierCritical && cfg.AutoDisableSignups && !cfg.DisableSignups && m.fire(ruleDisableSignups) {
		reason := fmt.Sprintf("Signup spike: %d signups in the last 5 minutes (threshold %d)",
			stats.Signups, a.Signups.Threshold)
		m.request(ruleDisableSignups, func() (*executor.Result, error) {
			return m.responder.ToggleAuthority(ctx, self, settings.FlagDisableSignups, true, reason, trigger, a.Signups.Tier)
		})
	}

	if a.Messages.Tier >= threat.TierCritical && cfg.AutoReadOnlyMode && !cfg.ReadOnlyMode && m.fire(ruleReadOnlyMode) {
		reason := fmt.Sprintf("Message flood: %d messages in the last 5 minutes (threshold %d)",
			stats.Messages, a.Messages.Threshold)
		m.request(ruleReadOnlyMode, func() (*executor.Result, error) {
			return m.responder.ToggleAuthority(ctx, self, settings.FlagReadOnlyMode, true, reason, trigger, a.Messages.Tier)
		})
	}

	// Failed logins alert operators but never trigger enforcement: a login
	// flood is evidence about attackers, not about any account we could act
	// against.
	if a.FailedLogins.Tier >= threat.TierCritical && m.fire(ruleSecurityAlert) {
		reason := fmt.Sprintf("Failed login spike: %d failures in the last 5 minutes (threshold %d)",
			stats.FailedLogins, a.FailedLogins.Threshold)
		m.request(ruleSecurityAlert, func() (*executor.Result, error) {
			return m.responder.SecurityAlert(ctx, self, reason, trigger, a.FailedLogins.Tier)
		})
	}

	if a.Overall >= threat.TierCritical && cfg.AutoLockdownEnabled && !cfg.LockdownMode && m.fire(ruleLockdown) {
		offenders, err := m.activity.TopOffenders(ctx, lockdownOffenderLimit)
		if err != nil {
			m.logger.Error("offender ranking failed, locking down without bans", "error", err)
			offenders = nil
		}
		ids := make([]string, 0, len(offenders))
		for _, o := range offenders {
			ids = append(ids, o.ActorID)
		}
		reason := fmt.Sprintf("Critical threat level: signups=%d messages=%d failed_logins=%d",
			stats.Signups, stats.Messages, stats.FailedLogins)
		m.request(ruleLockdown, func() (*executor.Result, error) {
			return m.responder.AutoLockdown(ctx, self, reason, trigger, ids)
		})
	}

	// Recovery: end a lockdown once the window is quiet again.
	if a.Overall == threat.TierNormal && cfg.LockdownMode && m.fire(ruleUnlock) {
		m.request(ruleUnlock, func() (*executor.Result, error) {
			return m.responder.AutoUnlock(ctx, self, "Activity returned to normal levels")
		})
	}
}

// fire records a rule firing and reports whether it is outside the debounce
// window. The timestamp is recorded before the executor call: a failed call
// still consumed the attempt, and the next window gets a fresh one.
func (m *Monitor) fire(rule string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastFired[rule]; ok && now.Sub(last) < m.config.DebounceWindow {
		metrics.ActionSkipsTotal.WithLabelValues("debounced").Inc()
		return false
	}
	m.lastFired[rule] = now
	return true
}

// request invokes one executor call and logs the outcome.
func (m *Monitor) request(rule string, call func() (*executor.Result, error)) {
	res, err := call()
	if err != nil {
		m.logger.Error("response rejected", "rule", rule, "error", err)
		return
	}
	if res.Skipped {
		m.logger.Info("response skipped", "rule", rule, "reason", res.SkipReason)
		return
	}
	m.logger.Info("response executed", "rule", rule, "action", res.Entry.ActionType)
}
