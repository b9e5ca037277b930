// Package threat derives severity tiers from observed activity metrics.
//
// Evaluation is a pure function over a metrics snapshot and the configured
// thresholds. Tiers are recomputed every cycle and never stored.
package threat

// Tier is the ordered severity classification for a metric or the system.
type Tier int

const (
	TierNormal Tier = iota
	TierElevated
	TierWarning
	TierCritical
)

// String returns the tier name used in audit entries and API responses.
func (t Tier) String() string {
	switch t {
	case TierElevated:
		return "elevated"
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	default:
		return "normal"
	}
}

// DefaultEscalationMultiplier is the ratio at which a metric becomes critical.
const DefaultEscalationMultiplier = 2.0

// Stats is the metrics snapshot evaluated against thresholds.
type Stats struct {
	Signups      int
	Messages     int
	FailedLogins int
	ActiveUsers  int
}

// Thresholds is the operator-configured trigger configuration.
type Thresholds struct {
	SignupsPerWindow      int
	MessagesPerWindow     int
	FailedLoginsPerWindow int
	AutoResponseEnabled   bool
	EscalationMultiplier  float64
}

// Metric is the per-metric evaluation result.
type Metric struct {
	Observed  int     `json:"observed"`
	Threshold int     `json:"threshold"`
	Ratio     float64 `json:"ratio"`
	Tier      Tier    `json:"-"`
	TierName  string  `json:"tier"`
}

// Assessment is the full evaluation result for one cycle.
type Assessment struct {
	Signups      Metric `json:"signups"`
	Messages     Metric `json:"messages"`
	FailedLogins Metric `json:"failedLogins"`
	Overall      Tier   `json:"-"`
	OverallName  string `json:"overall"`
}

// Evaluate maps a metrics snapshot to per-metric tiers and an overall tier.
// Deterministic, no I/O.
func Evaluate(stats Stats, th Thresholds) *Assessment {
	mult := th.EscalationMultiplier
	if mult <= 1 {
		mult = DefaultEscalationMultiplier
	}

	a := &Assessment{
		Signups:      evalMetric(stats.Signups, th.SignupsPerWindow, mult),
		Messages:     evalMetric(stats.Messages, th.MessagesPerWindow, mult),
		FailedLogins: evalMetric(stats.FailedLogins, th.FailedLoginsPerWindow, mult),
	}

	a.Overall = maxTier(a.Signups.Tier, a.Messages.Tier, a.FailedLogins.Tier)
	a.OverallName = a.Overall.String()
	return a
}

// evalMetric computes ratio and tier for a single metric. A zero or missing
// threshold is treated as infinite: ratio 0, tier normal.
func evalMetric(observed, threshold int, mult float64) Metric {
	m := Metric{Observed: observed, Threshold: threshold}
	if threshold > 0 {
		m.Ratio = float64(observed) / float64(threshold)
	}

	switch {
	case m.Ratio < 0.5:
		m.Tier = TierNormal
	case m.Ratio < 1:
		m.Tier = TierElevated
	case m.Ratio < mult:
		m.Tier = TierWarning
	default:
		m.Tier = TierCritical
	}
	m.TierName = m.Tier.String()
	return m
}

func maxTier(tiers ...Tier) Tier {
	max := TierNormal
	for _, t := range tiers {
		if t > max {
			max = t
		}
	}
	return max
}
