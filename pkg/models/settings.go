package models

import "time"

// Role is the coarse trust tier of the current user.
type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleUser, RoleAdmin:
		return true
	}
	return false
}

// Mode is the operating mode. It is stored and reported but not consulted
// by any decision rule.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeWork   Mode = "work"
	ModeSafe   Mode = "safe"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeWork, ModeSafe:
		return true
	}
	return false
}

// Settings is the policy state consulted by every decision.
// A temp-allow entry is active iff its expiry is strictly after now;
// expired entries are logically absent but may linger until pruned.
type Settings struct {
	ProtectionEnabled          bool                 `json:"protection_enabled"`
	Role                       Role                 `json:"role"`
	Mode                       Mode                 `json:"mode"`
	Whitelist                  []string             `json:"whitelist"`
	TempAllow                  map[string]time.Time `json:"temp_allow"`
	AdminMFAVerified           bool                 `json:"admin_mfa_verified"`
	AdminMFAExpiry             time.Time            `json:"admin_mfa_expiry"`
	SensorsUnlockedUntil       time.Time            `json:"sensors_unlocked_until"`
	ClipboardProtectionEnabled bool                 `json:"clipboard_protection_enabled"`
}

// DefaultSettings returns the first-run policy state.
func DefaultSettings() Settings {
	return Settings{
		ProtectionEnabled: true,
		Role:              RoleUser,
		Mode:              ModeNormal,
		TempAllow:         map[string]time.Time{},
	}
}

// Clone returns a deep copy so callers can hold a snapshot without
// observing later mutations.
func (s Settings) Clone() Settings {
	out := s
	out.Whitelist = append([]string(nil), s.Whitelist...)
	out.TempAllow = make(map[string]time.Time, len(s.TempAllow))
	for origin, expiry := range s.TempAllow {
		out.TempAllow[origin] = expiry
	}
	return out
}

// CapabilityKind identifies the browser capability a request is for.
type CapabilityKind string

const (
	CapCameraMic   CapabilityKind = "camera-mic"
	CapGeolocation CapabilityKind = "geolocation"
)

// IsSensor reports whether the capability is sensor-class (camera/mic or
// geolocation). Sensor-class kinds are covered by the sensors-unlock
// window; everything else is not.
func (k CapabilityKind) IsSensor() bool {
	return k == CapCameraMic || k == CapGeolocation
}

// Decision is the outcome of a permission evaluation.
type Decision struct {
	Allowed bool `json:"allowed"`
}
