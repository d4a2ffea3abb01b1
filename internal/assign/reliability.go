package assign

import (
	"sort"

	"github.com/example/ems-dispatch/internal/models"
)

// Reliability scoring weights. Kept as named constants so tuning never
// touches control flow.
const (
	WeightZeroCompletionsToday = 30
	WeightHighCancelRate       = 25
	WeightLowWeeklyCompletions = 20
	WeightIdleWhileActive      = 15
	WeightSuspiciousInactivity = 10

	// CancelRateLimit is the trailing-7-day cancellation rate above
	// which a driver accrues WeightHighCancelRate.
	CancelRateLimit = 0.20
	// MinWeeklyCompletions is the floor under which an active driver
	// accrues WeightLowWeeklyCompletions.
	MinWeeklyCompletions = 3

	SeverityMediumFloor   = 40
	SeverityHighFloor     = 50
	SeverityCriticalFloor = 70
)

// Score is the advisory 0-100 risk indicator for one driver. It never
// blocks assignment; it only surfaces candidates for manual review.
type Score struct {
	DriverID string   `json:"driver_id"`
	Score    int      `json:"score"`
	Severity string   `json:"severity,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

// ScoreDriver computes the reliability score from the rolling counters.
// Pure: same stats in, same score out.
func ScoreDriver(s models.DriverStats) Score {
	sc := Score{DriverID: s.DriverID}
	if !s.Active {
		return sc
	}

	if s.CompletedToday == 0 {
		sc.add(WeightZeroCompletionsToday, "no completions today while active")
	}
	if total := s.Completed7d + s.Cancelled7d; total > 0 {
		if rate := float64(s.Cancelled7d) / float64(total); rate > CancelRateLimit {
			sc.add(WeightHighCancelRate, "cancellation rate above 20% over 7 days")
		}
	}
	if s.Completed7d < MinWeeklyCompletions {
		sc.add(WeightLowWeeklyCompletions, "fewer than 3 completions over 7 days")
	}
	if s.Load() == 0 && s.CompletedToday == 0 {
		sc.add(WeightIdleWhileActive, "active with no workload and no completions today")
	}
	if suspiciousInactivity(s) {
		sc.add(WeightSuspiciousInactivity, "suspicious inactivity pattern")
	}

	sc.Severity = severity(sc.Score)
	return sc
}

// suspiciousInactivity is a reserved extension point for a temporal
// pattern detector (recurring unavailability windows). Not implemented.
func suspiciousInactivity(models.DriverStats) bool { return false }

func (s *Score) add(weight int, reason string) {
	s.Score += weight
	s.Reasons = append(s.Reasons, reason)
}

func severity(score int) string {
	switch {
	case score >= SeverityCriticalFloor:
		return "critical"
	case score >= SeverityHighFloor:
		return "high"
	case score >= SeverityMediumFloor:
		return "medium"
	default:
		return ""
	}
}

// FlaggedDrivers scores every driver and returns those at or above the
// threshold, worst first.
func FlaggedDrivers(all []models.DriverStats, threshold int) []Score {
	out := make([]Score, 0)
	for _, s := range all {
		sc := ScoreDriver(s)
		if sc.Score >= threshold {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

// WorkloadLabel derives the dashboard status for one driver.
func WorkloadLabel(s models.DriverStats, cap int) string {
	switch {
	case s.Load() >= cap:
		return "overloaded"
	case s.ActiveRides > 0:
		return "in_ride"
	case s.PendingRides > 0:
		return "has_pending"
	default:
		return "available"
	}
}
