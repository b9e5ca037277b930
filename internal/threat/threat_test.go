package threat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		SignupsPerWindow:      10,
		MessagesPerWindow:     50,
		FailedLoginsPerWindow: 20,
		AutoResponseEnabled:   true,
		EscalationMultiplier:  2,
	}
}

func TestEvaluate_TierBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		observed int
		want     Tier
	}{
		{"well under threshold", 4, TierNormal},
		{"just under half", 4, TierNormal},
		{"half of threshold", 5, TierElevated},
		{"just under threshold", 9, TierElevated},
		{"at threshold", 10, TierWarning},
		{"under multiplier", 19, TierWarning},
		{"at multiplier", 20, TierCritical},
		{"far over", 25, TierCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Evaluate(Stats{Signups: tt.observed}, defaultThresholds())
			assert.Equal(t, tt.want, a.Signups.Tier)
		})
	}
}

func TestEvaluate_ZeroThresholdIsNormal(t *testing.T) {
	th := defaultThresholds()
	th.MessagesPerWindow = 0

	a := Evaluate(Stats{Messages: 100000}, th)
	assert.Equal(t, TierNormal, a.Messages.Tier)
	assert.Zero(t, a.Messages.Ratio)
}

func TestEvaluate_OverallIsWorstMetric(t *testing.T) {
	a := Evaluate(Stats{Signups: 4, Messages: 120, FailedLogins: 15}, defaultThresholds())

	assert.Equal(t, TierNormal, a.Signups.Tier)
	assert.Equal(t, TierCritical, a.Messages.Tier)
	assert.Equal(t, TierWarning, a.FailedLogins.Tier)
	assert.Equal(t, TierCritical, a.Overall)
	assert.Equal(t, "critical", a.OverallName)
}

func TestEvaluate_Deterministic(t *testing.T) {
	stats := Stats{Signups: 25, Messages: 40, FailedLogins: 7}
	th := defaultThresholds()

	first := Evaluate(stats, th)
	second := Evaluate(stats, th)
	assert.Equal(t, first, second)
}

func TestEvaluate_SignupSpikeCritical(t *testing.T) {
	// signups=25, threshold=10, multiplier 2: ratio 2.5 must be critical
	th := defaultThresholds()
	a := Evaluate(Stats{Signups: 25}, th)

	assert.Equal(t, TierCritical, a.Signups.Tier)
	assert.InDelta(t, 2.5, a.Signups.Ratio, 0.0001)
}

func TestEvaluate_MultiplierDefaultsWhenUnset(t *testing.T) {
	th := defaultThresholds()
	th.EscalationMultiplier = 0

	// ratio 1.9 stays warning under the implied default multiplier of 2
	a := Evaluate(Stats{Signups: 19}, th)
	assert.Equal(t, TierWarning, a.Signups.Tier)
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "normal", TierNormal.String())
	assert.Equal(t, "elevated", TierElevated.String())
	assert.Equal(t, "warning", TierWarning.String())
	assert.Equal(t, "critical", TierCritical.String())
}
