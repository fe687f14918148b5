package models

// DateLayout is the calendar-date format used for daily stat rollover.
const DateLayout = "2006-01-02"

// SiteStats holds the accumulated behavior counters for one origin.
// Counters only ever go up, except on a full reset.
type SiteStats struct {
	SuspiciousScripts int `json:"suspicious_scripts"`
	PhishingForms     int `json:"phishing_forms"`
	BlockedDownloads  int `json:"blocked_downloads"`
}

// RiskLevel classifies an origin's risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// RiskAssessment is the derived risk for an origin. It is recomputed on
// demand and never stored.
type RiskAssessment struct {
	Score int       `json:"score"`
	Level RiskLevel `json:"level"`
}

// DailyStats are the aggregate counters for a single calendar day (UTC).
// Any access on a new day replaces the record with zeroed counters.
type DailyStats struct {
	Date               string `json:"date"`
	ThreatsBlocked     int    `json:"threats_blocked"`
	DownloadsBlocked   int    `json:"downloads_blocked"`
	PermissionsBlocked int    `json:"permissions_blocked"`
	PermissionsAllowed int    `json:"permissions_allowed"`
}

// SignalKind names a per-origin behavior counter fed by external sensors.
type SignalKind string

const (
	SignalSuspiciousScript SignalKind = "suspicious-script"
	SignalPhishingForm     SignalKind = "phishing-form"
	SignalBlockedDownload  SignalKind = "blocked-download"
)

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalSuspiciousScript, SignalPhishingForm, SignalBlockedDownload:
		return true
	}
	return false
}
