package policy

import (
	"time"

	"github.com/org/webguard/pkg/models"
)

// Temporal window checks. All are pure functions over the settings and an
// explicit now; they never read the clock, mutate, or log, so a single
// decision stays internally consistent and tests need no real clock.

// IsWhitelisted reports whether origin is on the permanent trust list.
func IsWhitelisted(s *models.Settings, origin string) bool {
	for _, o := range s.Whitelist {
		if o == origin {
			return true
		}
	}
	return false
}

// IsTempAllowed reports whether origin holds an unexpired temporary
// grant. The upper bound is exclusive: at exactly now == expiry the grant
// is gone.
func IsTempAllowed(s *models.Settings, origin string, now time.Time) bool {
	expiry, ok := s.TempAllow[origin]
	return ok && expiry.After(now)
}

// IsAdminMFAActive reports whether the admin MFA window is open.
func IsAdminMFAActive(s *models.Settings, now time.Time) bool {
	return s.AdminMFAVerified && now.Before(s.AdminMFAExpiry)
}

// AreSensorsUnlocked reports whether the global sensors-unlock window is
// open. It is independent of any per-origin state.
func AreSensorsUnlocked(s *models.Settings, now time.Time) bool {
	return now.Before(s.SensorsUnlockedUntil)
}
