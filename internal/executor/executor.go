// Package executor is the authoritative action executor: the only component
// permitted to mutate moderation records, site settings, and the audit
// ledger.
//
// Callers reach it either as an authenticated operator or as the autonomous
// policy loop holding the shared engine secret; both paths converge on the
// same validation here. Every operation re-reads the settings row immediately
// before acting and re-checks its rate limits against the durable audit
// ledger, never an in-memory flag, so concurrent callers cannot double-fire.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/navidesk/sentinel/internal/actor"
	"github.com/navidesk/sentinel/internal/audit"
	"github.com/navidesk/sentinel/internal/idgen"
	"github.com/navidesk/sentinel/internal/metrics"
	"github.com/navidesk/sentinel/internal/moderation"
	"github.com/navidesk/sentinel/internal/notify"
	"github.com/navidesk/sentinel/internal/settings"
	"github.com/navidesk/sentinel/internal/threat"
)

// Error taxonomy. Unauthorized maps to 401 at the HTTP boundary; governor
// and validation failures map to 400. Rate-limited and already-handled
// outcomes are NOT errors: they come back as skipped results so retries and
// duplicate triggers are always safe.
var (
	ErrUnauthorized     = errors.New("executor: credential required")
	ErrGovernorDisabled = errors.New("executor: action class disabled by governor")
	ErrValidation       = errors.New("executor: invalid request")
)

// Action type names recorded in the audit ledger.
const (
	ActionWarn          = "warn"
	ActionTempBan       = "temp_ban"
	ActionLockdown      = "lockdown"
	ActionUnlock        = "unlock"
	ActionSecurityAlert = "security_alert"
	actionTogglePrefix  = "toggle_"
)

const (
	warnDedupWindow     = time.Hour
	lockdownRateWindow  = time.Hour
	reversalLookback    = 5 * time.Minute
	lockdownMaxBans     = 5
	lockdownBanDuration = time.Hour
)

// AllowedBanDurations are the only temp-ban lengths the executor accepts.
var AllowedBanDurations = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}

// TriggerStats snapshots the metrics that triggered a decision.
type TriggerStats struct {
	Signups          int     `json:"signups"`
	Messages         int     `json:"messages"`
	FailedLogins     int     `json:"failedLogins"`
	ActiveUsers      int     `json:"activeUsers"`
	SignupRatio      float64 `json:"signupRatio,omitempty"`
	MessageRatio     float64 `json:"messageRatio,omitempty"`
	FailedLoginRatio float64 `json:"failedLoginRatio,omitempty"`
}

// JSON renders the snapshot for the audit ledger.
func (ts TriggerStats) JSON() json.RawMessage {
	b, err := json.Marshal(ts)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Result is the outcome of an executor operation.
type Result struct {
	Skipped     bool         `json:"skipped,omitempty"`
	SkipReason  string       `json:"skipReason,omitempty"`
	Entry       *audit.Entry `json:"entry,omitempty"`
	BannedCount int          `json:"bannedCount,omitempty"`
}

func skipped(reason string) *Result {
	metrics.ActionSkipsTotal.WithLabelValues(reason).Inc()
	return &Result{Skipped: true, SkipReason: reason}
}

// Publisher receives executed actions for live streaming. Optional.
type Publisher interface {
	PublishAction(e *audit.Entry)
}

// Service executes autonomous actions.
type Service struct {
	settings  settings.Store
	audits    audit.Store
	mods      moderation.Store
	notifier  *notify.Notifier
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPublisher streams executed actions to a live feed.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the executor service.
func New(st settings.Store, audits audit.Store, mods moderation.Store, notifier *notify.Notifier, opts ...Option) *Service {
	s := &Service{
		settings: st,
		audits:   audits,
		mods:     mods,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoWarn issues a warning against a user. Warning the same target twice
// inside an hour is a benign no-op so callers can retry freely.
func (s *Service) AutoWarn(ctx context.Context, caller actor.Actor, targetUserID, reason string, stats TriggerStats, level threat.Tier) (*Result, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}
	if targetUserID == "" {
		return nil, fmt.Errorf("%w: targetUserId is required", ErrValidation)
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if !cfg.AutoWarnEnabled {
		return nil, fmt.Errorf("%w: auto_warn_enabled is off", ErrGovernorDisabled)
	}

	entry := s.newEntry(ActionWarn, targetUserID, reason, stats, level, caller)
	created, err := s.audits.CreateIfNoneSince(ctx, entry, warnDedupWindow)
	if err != nil {
		return nil, fmt.Errorf("audit warn: %w", err)
	}
	if !created {
		return skipped("already_warned"), nil
	}

	if err := s.mods.Create(ctx, &moderation.Action{
		ID:           idgen.WithPrefix("mod_"),
		TargetUserID: targetUserID,
		Type:         moderation.TypeWarn,
		Reason:       reason,
		Active:       true,
		Actor:        caller,
		CreatedAt:    entry.CreatedAt,
	}); err != nil {
		// Audit entry is already durable; surface the failure, don't unwind.
		return nil, fmt.Errorf("create warn record: %w", err)
	}

	if cfg.WarnMessageEnabled {
		if err := s.notifier.Direct(ctx, targetUserID, "Account warning",
			"Automated monitoring detected unusual activity from your account: "+reason); err != nil {
			s.logger.Warn("warn notification failed", "target", targetUserID, "error", err)
		}
	}

	s.executed(entry)
	return &Result{Entry: entry}, nil
}

// AutoTempBan issues a temporary ban. Unlike warnings there is no hourly
// de-dup: a fresh critical signal may warrant repeated bans.
func (s *Service) AutoTempBan(ctx context.Context, caller actor.Actor, targetUserID, reason string, duration time.Duration, stats TriggerStats, level threat.Tier) (*Result, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}
	if targetUserID == "" {
		return nil, fmt.Errorf("%w: targetUserId is required", ErrValidation)
	}
	if !allowedDuration(duration) {
		return nil, fmt.Errorf("%w: ban duration must be 1h, 6h, or 24h", ErrValidation)
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if !cfg.AutoTempBanEnabled {
		return nil, fmt.Errorf("%w: auto_temp_ban_enabled is off", ErrGovernorDisabled)
	}

	entry, err := s.tempBan(ctx, caller, targetUserID, reason, duration, stats, level)
	if err != nil {
		return nil, err
	}
	s.executed(entry)
	return &Result{Entry: entry}, nil
}

// tempBan writes the ban and its audit entry. Shared with the lockdown
// cascade, which applies its own system-wide rate limit instead.
func (s *Service) tempBan(ctx context.Context, caller actor.Actor, targetUserID, reason string, duration time.Duration, stats TriggerStats, level threat.Tier) (*audit.Entry, error) {
	entry := s.newEntry(ActionTempBan, targetUserID, reason, stats, level, caller)
	expires := entry.CreatedAt.Add(duration)

	if err := s.mods.Create(ctx, &moderation.Action{
		ID:           idgen.WithPrefix("mod_"),
		TargetUserID: targetUserID,
		Type:         moderation.TypeTempBan,
		Reason:       reason,
		ExpiresAt:    &expires,
		Active:       true,
		Actor:        caller,
		CreatedAt:    entry.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("create ban record: %w", err)
	}
	if err := s.audits.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit ban: %w", err)
	}
	return entry, nil
}

// AutoLockdown flips the site into lockdown, bans the worst offenders, and
// broadcasts a degraded-service notice. Rate-limited to once per hour across
// the whole system via the audit ledger, so concurrent callers cannot
// double-trigger.
func (s *Service) AutoLockdown(ctx context.Context, caller actor.Actor, reason string, stats TriggerStats, topOffenders []string) (*Result, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if !cfg.AutoLockdownEnabled {
		return nil, fmt.Errorf("%w: auto_lockdown_enabled is off", ErrGovernorDisabled)
	}

	entry := s.newEntry(ActionLockdown, "", reason, stats, threat.TierCritical, caller)
	created, err := s.audits.CreateIfNoneSince(ctx, entry, lockdownRateWindow)
	if err != nil {
		return nil, fmt.Errorf("audit lockdown: %w", err)
	}
	if !created {
		return skipped("lockdown_rate_limited"), nil
	}

	if err := s.settings.SetFlag(ctx, settings.FlagLockdownMode, true); err != nil {
		return nil, fmt.Errorf("enable lockdown_mode: %w", err)
	}

	banned := 0
	if len(topOffenders) > lockdownMaxBans {
		topOffenders = topOffenders[:lockdownMaxBans]
	}
	for _, userID := range topOffenders {
		if userID == "" {
			continue
		}
		if _, err := s.tempBan(ctx, caller, userID,
			"Automatic temporary ban during site lockdown: "+reason,
			lockdownBanDuration, stats, threat.TierCritical); err != nil {
			s.logger.Error("lockdown offender ban failed", "target", userID, "error", err)
			continue
		}
		banned++
	}

	if cfg.LockdownAlertEnabled {
		if err := s.notifier.Broadcast(ctx, "Service notice",
			"The site is temporarily in protective lockdown. Some features are unavailable."); err != nil {
			s.logger.Warn("lockdown broadcast failed", "error", err)
		}
	}

	s.executed(entry)
	return &Result{Entry: entry, BannedCount: banned}, nil
}

// AutoUnlock ends a lockdown. Always permitted: recovery is never gated
// behind the toggles that gate escalation.
func (s *Service) AutoUnlock(ctx context.Context, caller actor.Actor, reason string) (*Result, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}

	if err := s.settings.SetFlag(ctx, settings.FlagLockdownMode, false); err != nil {
		return nil, fmt.Errorf("disable lockdown_mode: %w", err)
	}

	entry := s.newEntry(ActionUnlock, "", reason, TriggerStats{}, threat.TierNormal, caller)
	if err := s.audits.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit unlock: %w", err)
	}

	s.executed(entry)
	return &Result{Entry: entry}, nil
}

// SecurityAlert records a failed-login spike and notifies operators. This
// path never mutates protected state: failed logins are a weaker signal of
// intent than volume spikes.
func (s *Service) SecurityAlert(ctx context.Context, caller actor.Actor, reason string, stats TriggerStats, level threat.Tier) (*Result, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}

	entry := s.newEntry(ActionSecurityAlert, "", reason, stats, level, caller)
	if err := s.audits.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit security alert: %w", err)
	}

	if err := s.notifier.Ops(ctx, "Security alert", reason); err != nil {
		s.logger.Warn("security alert notification failed", "error", err)
	}

	s.executed(entry)
	return &Result{Entry: entry}, nil
}

// ToggleAuthority flips one allow-listed site flag. Flags with a dedicated
// governor are rejected while that governor is off, so operators can disable
// specific autonomous behaviors without disabling the whole engine.
func (s *Service) ToggleAuthority(ctx context.Context, caller actor.Actor, flag string, value bool, reason string, stats TriggerStats, level threat.Tier) (*Result, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	current, ok := cfg.FlagValue(flag)
	if !ok {
		return nil, fmt.Errorf("%w: setting %q is not on the allow-list", ErrValidation, flag)
	}
	if !cfg.GovernorAllows(flag) {
		return nil, fmt.Errorf("%w: governor for %q is off", ErrGovernorDisabled, flag)
	}
	if current == value {
		return skipped("already_set"), nil
	}

	if err := s.settings.SetFlag(ctx, flag, value); err != nil {
		return nil, fmt.Errorf("set %s: %w", flag, err)
	}

	entry := s.newEntry(actionTogglePrefix+flag, "", reason, stats, level, caller)
	if err := s.audits.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit toggle: %w", err)
	}

	s.executed(entry)
	return &Result{Entry: entry}, nil
}

// ReverseAction undoes a previously executed autonomous action. Idempotent:
// reversing an already-reversed action returns the existing record.
func (s *Service) ReverseAction(ctx context.Context, caller actor.Actor, actionID, reason string) (*Result, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}

	entry, err := s.audits.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if entry.Reversed {
		return &Result{Skipped: true, SkipReason: "already_reversed", Entry: entry}, nil
	}

	now := s.now()
	ok, err := s.audits.MarkReversed(ctx, actionID, caller.String(), now)
	if err != nil {
		return nil, fmt.Errorf("mark reversed: %w", err)
	}
	if !ok {
		// Lost a race with a concurrent reversal; treat as the no-op case.
		entry, err = s.audits.Get(ctx, actionID)
		if err != nil {
			return nil, err
		}
		return &Result{Skipped: true, SkipReason: "already_reversed", Entry: entry}, nil
	}

	switch entry.ActionType {
	case ActionWarn, ActionTempBan:
		// Bounded lookback: only the record created by this action should be
		// touched, never an unrelated older enforcement.
		deactivated, err := s.mods.DeactivateRecent(ctx, entry.TargetUserID,
			moderation.ActionType(entry.ActionType), now.Add(-reversalLookback))
		if err != nil {
			return nil, fmt.Errorf("deactivate enforcement: %w", err)
		}
		if !deactivated {
			s.logger.Warn("no enforcement record found to deactivate",
				"action", actionID, "target", entry.TargetUserID)
		}
	case ActionLockdown:
		if err := s.settings.SetFlag(ctx, settings.FlagLockdownMode, false); err != nil {
			return nil, fmt.Errorf("clear lockdown_mode: %w", err)
		}
	}

	entry, err = s.audits.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	metrics.AutoActionsTotal.WithLabelValues("reverse").Inc()
	s.logger.Info("autonomous action reversed",
		"action", actionID, "action_type", entry.ActionType, "actor", caller.String())
	if s.publisher != nil {
		s.publisher.PublishAction(entry)
	}
	return &Result{Entry: entry}, nil
}

// newEntry builds an audit entry with a fixed creation time.
func (s *Service) newEntry(actionType, target, reason string, stats TriggerStats, level threat.Tier, caller actor.Actor) *audit.Entry {
	return &audit.Entry{
		ID:           idgen.WithPrefix("act_"),
		ActionType:   actionType,
		TargetUserID: target,
		Reason:       reason,
		TriggerStats: stats.JSON(),
		ThreatLevel:  level.String(),
		Actor:        caller,
		CreatedAt:    s.now(),
	}
}

// executed records metrics and streams the action.
func (s *Service) executed(entry *audit.Entry) {
	metrics.AutoActionsTotal.WithLabelValues(entry.ActionType).Inc()
	s.logger.Info("autonomous action executed",
		"action", entry.ActionType, "target", entry.TargetUserID,
		"threat_level", entry.ThreatLevel, "actor", entry.Actor.String())
	if s.publisher != nil {
		s.publisher.PublishAction(entry)
	}
}

func allowedDuration(d time.Duration) bool {
	for _, allowed := range AllowedBanDurations {
		if d == allowed {
			return true
		}
	}
	return false
}
