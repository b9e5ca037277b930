package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navidesk/sentinel/internal/actor"
	"github.com/navidesk/sentinel/internal/audit"
	"github.com/navidesk/sentinel/internal/logging"
	"github.com/navidesk/sentinel/internal/moderation"
	"github.com/navidesk/sentinel/internal/notify"
	"github.com/navidesk/sentinel/internal/settings"
	"github.com/navidesk/sentinel/internal/threat"
)

type testEnv struct {
	svc      *Service
	settings *settings.MemoryStore
	audits   *audit.MemoryStore
	mods     *moderation.MemoryStore
	notices  *notify.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*settings.Settings)) *testEnv {
	t.Helper()

	st := settings.NewMemoryStore()
	if mutate != nil {
		cfg, err := st.Get(context.Background())
		require.NoError(t, err)
		mutate(cfg)
		require.NoError(t, st.Update(context.Background(), cfg))
	}

	audits := audit.NewMemoryStore()
	mods := moderation.NewMemoryStore()
	notices := notify.NewMemoryStore()
	notifier := notify.New(notices, notify.WithLogger(logging.Nop()))

	return &testEnv{
		svc:      New(st, audits, mods, notifier, WithLogger(logging.Nop())),
		settings: st,
		audits:   audits,
		mods:     mods,
		notices:  notices,
	}
}

func TestAutoWarn_CreatesRecordAndNotice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "signup spike",
		TriggerStats{Signups: 25}, threat.TierCritical)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotNil(t, res.Entry)
	assert.Equal(t, ActionWarn, res.Entry.ActionType)
	assert.Equal(t, "u1", res.Entry.TargetUserID)
	assert.Equal(t, "critical", res.Entry.ThreatLevel)
	assert.True(t, res.Entry.Actor.IsAutonomous())
	assert.JSONEq(t, `{"signups":25,"messages":0,"failedLogins":0,"activeUsers":0}`,
		string(res.Entry.TriggerStats))

	active, err := env.mods.ActiveFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, moderation.TypeWarn, active[0].Type)
	assert.Nil(t, active[0].ExpiresAt)

	notices, err := env.notices.ListFor(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, "Account warning", notices[0].Title)
}

func TestAutoWarn_DedupWithinHour(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "spike", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "spike again", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "already_warned", second.SkipReason)
	assert.Nil(t, second.Entry)

	entries, err := env.audits.List(ctx, audit.Filter{ActionType: ActionWarn})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "duplicate warn must not write a second entry")

	// A different target is not deduplicated.
	other, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u2", "spike", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)
	assert.False(t, other.Skipped)
}

func TestAutoWarn_Authorization(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.AutoWarn(ctx, actor.Actor{}, "u1", "r", TriggerStats{}, threat.TierWarning)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.svc.AutoWarn(ctx, actor.Autonomous(), "", "r", TriggerStats{}, threat.TierWarning)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAutoWarn_GovernorOff(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) { s.AutoWarnEnabled = false })
	ctx := context.Background()

	_, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "r", TriggerStats{}, threat.TierWarning)
	assert.ErrorIs(t, err, ErrGovernorDisabled)

	entries, err := env.audits.List(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAutoWarn_NoDirectNoticeWhenDisabled(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) { s.WarnMessageEnabled = false })
	ctx := context.Background()

	res, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "r", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Empty(t, env.notices.All())
}

func TestAutoTempBan_DurationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, d := range AllowedBanDurations {
		res, err := env.svc.AutoTempBan(ctx, actor.Autonomous(), fmt.Sprintf("u-%s", d), "spam", d, TriggerStats{}, threat.TierCritical)
		require.NoError(t, err)
		assert.False(t, res.Skipped)
	}

	_, err := env.svc.AutoTempBan(ctx, actor.Autonomous(), "u1", "spam", 30*time.Minute, TriggerStats{}, threat.TierCritical)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.AutoTempBan(ctx, actor.Autonomous(), "u1", "spam", 48*time.Hour, TriggerStats{}, threat.TierCritical)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAutoTempBan_SetsExpiry(t *testing.T) {
	start := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, nil)
	env.svc.now = func() time.Time { return start }
	ctx := context.Background()

	res, err := env.svc.AutoTempBan(ctx, actor.Human("op1"), "u1", "spam", 6*time.Hour, TriggerStats{}, threat.TierCritical)
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "human:op1", res.Entry.Actor.String())

	active, err := env.mods.ActiveFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NotNil(t, active[0].ExpiresAt)
	assert.Equal(t, start.Add(6*time.Hour), *active[0].ExpiresAt)

	// No hourly de-dup for bans: a second ban on the same target succeeds.
	res, err = env.svc.AutoTempBan(ctx, actor.Human("op1"), "u1", "still spamming", time.Hour, TriggerStats{}, threat.TierCritical)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestAutoLockdown_FullCascade(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) { s.AutoLockdownEnabled = true })
	ctx := context.Background()

	offenders := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7"}
	res, err := env.svc.AutoLockdown(ctx, actor.Autonomous(), "multi-metric critical", TriggerStats{Signups: 40, Messages: 200}, offenders)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, 5, res.BannedCount, "offender bans are capped")

	cfg, err := env.settings.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.LockdownMode)

	for _, u := range offenders[:5] {
		active, err := env.mods.ActiveFor(ctx, u)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, moderation.TypeTempBan, active[0].Type)
	}
	active, err := env.mods.ActiveFor(ctx, "u6")
	require.NoError(t, err)
	assert.Empty(t, active)

	// The user-facing broadcast is recorded.
	notices, err := env.notices.ListFor(ctx, "anyone", 10)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, notify.AudienceAll, notices[0].Audience)
}

func TestAutoLockdown_GovernorDefaultsOff(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.AutoLockdown(context.Background(), actor.Autonomous(), "r", TriggerStats{}, nil)
	assert.ErrorIs(t, err, ErrGovernorDisabled)
}

func TestAutoLockdown_RateLimitedPerHour(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) { s.AutoLockdownEnabled = true })
	ctx := context.Background()

	first, err := env.svc.AutoLockdown(ctx, actor.Autonomous(), "r", TriggerStats{}, nil)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := env.svc.AutoLockdown(ctx, actor.Autonomous(), "r", TriggerStats{}, nil)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "lockdown_rate_limited", second.SkipReason)
}

func TestAutoLockdown_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) { s.AutoLockdownEnabled = true })
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = env.svc.AutoLockdown(ctx, actor.Autonomous(), "r", TriggerStats{}, nil)
		}(i)
	}
	wg.Wait()

	executed := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if !results[i].Skipped {
			executed++
		}
	}
	assert.Equal(t, 1, executed, "exactly one lockdown must win")

	entries, err := env.audits.List(ctx, audit.Filter{ActionType: ActionLockdown})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAutoUnlock_AlwaysPermitted(t *testing.T) {
	// Every escalation governor off; unlock must still work.
	env := newTestEnv(t, func(s *settings.Settings) {
		s.AutoWarnEnabled = false
		s.AutoTempBanEnabled = false
		s.AutoLockdownEnabled = false
		s.LockdownMode = true
	})
	ctx := context.Background()

	res, err := env.svc.AutoUnlock(ctx, actor.Autonomous(), "metrics back to normal")
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, ActionUnlock, res.Entry.ActionType)
	assert.Equal(t, "normal", res.Entry.ThreatLevel)

	cfg, err := env.settings.Get(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.LockdownMode)
}

func TestSecurityAlert_NoStateMutation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	before, err := env.settings.Get(ctx)
	require.NoError(t, err)

	res, err := env.svc.SecurityAlert(ctx, actor.Autonomous(), "failed login spike: 80 in 5m",
		TriggerStats{FailedLogins: 80}, threat.TierCritical)
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, ActionSecurityAlert, res.Entry.ActionType)

	after, err := env.settings.Get(ctx)
	require.NoError(t, err)
	before.UpdatedAt, after.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, before, after)

	all := env.notices.All()
	require.Len(t, all, 1)
	assert.Equal(t, notify.AudienceOps, all[0].Audience)

	// Ops alerts must never surface in a user's feed.
	visible, err := env.notices.ListFor(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestToggleAuthority(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.svc.ToggleAuthority(ctx, actor.Autonomous(), settings.FlagDisableSignups, true,
		"signup flood", TriggerStats{Signups: 30}, threat.TierCritical)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, "toggle_disable_signups", res.Entry.ActionType)

	cfg, err := env.settings.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.DisableSignups)

	// Same value again is a benign no-op, not a second audit entry.
	res, err = env.svc.ToggleAuthority(ctx, actor.Autonomous(), settings.FlagDisableSignups, true,
		"still flooding", TriggerStats{}, threat.TierCritical)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "already_set", res.SkipReason)

	entries, err := env.audits.List(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestToggleAuthority_Rejections(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) { s.AutoReadOnlyMode = false })
	ctx := context.Background()

	_, err := env.svc.ToggleAuthority(ctx, actor.Autonomous(), "navi_enabled", false, "r", TriggerStats{}, threat.TierNormal)
	assert.ErrorIs(t, err, ErrValidation, "governors are not on the allow-list")

	_, err = env.svc.ToggleAuthority(ctx, actor.Autonomous(), settings.FlagReadOnlyMode, true, "r", TriggerStats{}, threat.TierCritical)
	assert.ErrorIs(t, err, ErrGovernorDisabled)

	cfg, err := env.settings.Get(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.ReadOnlyMode, "rejected toggle must not mutate state")
}

func TestReverseAction_Warn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	warned, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "spike", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)

	res, err := env.svc.ReverseAction(ctx, actor.Human("op1"), warned.Entry.ID, "false positive")
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.True(t, res.Entry.Reversed)
	assert.Equal(t, "human:op1", res.Entry.ReversedBy)
	require.NotNil(t, res.Entry.ReversedAt)

	active, err := env.mods.ActiveFor(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active, "the warn record must be deactivated")
}

func TestReverseAction_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	warned, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "spike", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)

	first, err := env.svc.ReverseAction(ctx, actor.Human("op1"), warned.Entry.ID, "false positive")
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := env.svc.ReverseAction(ctx, actor.Human("op2"), warned.Entry.ID, "again")
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "already_reversed", second.SkipReason)
	require.NotNil(t, second.Entry)
	assert.Equal(t, "human:op1", second.Entry.ReversedBy, "original reversal metadata is preserved")
	assert.Equal(t, first.Entry.ReversedAt.UTC(), second.Entry.ReversedAt.UTC())
}

func TestReverseAction_Lockdown(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) { s.AutoLockdownEnabled = true })
	ctx := context.Background()

	locked, err := env.svc.AutoLockdown(ctx, actor.Autonomous(), "r", TriggerStats{}, nil)
	require.NoError(t, err)

	_, err = env.svc.ReverseAction(ctx, actor.Human("op1"), locked.Entry.ID, "false alarm")
	require.NoError(t, err)

	cfg, err := env.settings.Get(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.LockdownMode)
}

func TestReverseAction_BoundedLookback(t *testing.T) {
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, nil)
	env.svc.now = func() time.Time { return base }
	ctx := context.Background()

	warned, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "spike", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)

	// Reversal arrives well after the lookback window: the ledger entry is
	// still marked reversed, but the old enforcement record is left alone.
	env.svc.now = func() time.Time { return base.Add(time.Hour) }
	res, err := env.svc.ReverseAction(ctx, actor.Human("op1"), warned.Entry.ID, "late reversal")
	require.NoError(t, err)
	assert.True(t, res.Entry.Reversed)

	active, err := env.mods.ActiveFor(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestReverseAction_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.ReverseAction(context.Background(), actor.Human("op1"), "act_missing", "r")
	assert.True(t, errors.Is(err, audit.ErrNotFound))
}

type capturePublisher struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (p *capturePublisher) PublishAction(e *audit.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

func TestPublisherReceivesActions(t *testing.T) {
	env := newTestEnv(t, nil)
	pub := &capturePublisher{}
	env.svc.publisher = pub

	_, err := env.svc.AutoWarn(context.Background(), actor.Autonomous(), "u1", "spike", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.entries, 1)
	assert.Equal(t, ActionWarn, pub.entries[0].ActionType)
}

func TestPublisherReceivesReversals(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	pub := &capturePublisher{}
	env.svc.publisher = pub

	res, err := env.svc.AutoWarn(ctx, actor.Autonomous(), "u1", "spike", TriggerStats{}, threat.TierWarning)
	require.NoError(t, err)

	_, err = env.svc.ReverseAction(ctx, actor.Human("op1"), res.Entry.ID, "false positive")
	require.NoError(t, err)

	pub.mu.Lock()
	require.Len(t, pub.entries, 2)
	assert.True(t, pub.entries[1].Reversed)
	assert.Equal(t, res.Entry.ID, pub.entries[1].ID)
	pub.mu.Unlock()

	// A second reversal is a no-op and must not publish again.
	_, err = env.svc.ReverseAction(ctx, actor.Human("op1"), res.Entry.ID, "again")
	require.NoError(t, err)
	pub.mu.Lock()
	assert.Len(t, pub.entries, 2)
	pub.mu.Unlock()
}
