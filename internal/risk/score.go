package risk

import "github.com/org/webguard/pkg/models"

// Score thresholds. UI badge color and automated escalation key off the
// Medium/High breakpoints, so they must not drift.
const (
	mediumThreshold = 4
	highThreshold   = 8
)

// Score maps an origin's accumulated behavior counters to a risk
// assessment. It is a pure function of the counters: suspicious scripts
// contribute 2 points each capped at 6, any phishing form contributes a
// flat 5, blocked downloads contribute 3 points each capped at 9.
func Score(s models.SiteStats) models.RiskAssessment {
	score := min(s.SuspiciousScripts*2, 6)
	if s.PhishingForms > 0 {
		score += 5
	}
	score += min(s.BlockedDownloads*3, 9)

	level := models.RiskLow
	switch {
	case score >= highThreshold:
		level = models.RiskHigh
	case score >= mediumThreshold:
		level = models.RiskMedium
	}
	return models.RiskAssessment{Score: score, Level: level}
}
