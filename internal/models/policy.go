package models

import "time"

// Defaults applied when an organization has no policy or leaves a field unset.
const (
	DefaultMaxFailedAttempts      = 5
	DefaultLockoutDurationMinutes = 30
	DefaultMaxConcurrentSessions  = 3
	DefaultIdleTimeoutMinutes     = 30
	DefaultPasswordMinLength      = 8
)

// SecurityPolicy is the per-organization security configuration.
type SecurityPolicy struct {
	PasswordMinLength        int  `yaml:"password_min_length" json:"password_min_length"`
	PasswordRequireUppercase bool `yaml:"password_require_uppercase" json:"password_require_uppercase"`
	PasswordRequireNumber    bool `yaml:"password_require_number" json:"password_require_number"`
	PasswordRequireSpecial   bool `yaml:"password_require_special" json:"password_require_special"`
	MaxFailedAttempts        int  `yaml:"max_failed_attempts" json:"max_failed_attempts"`
	LockoutDurationMinutes   int  `yaml:"lockout_duration_minutes" json:"lockout_duration_minutes"`
	MaxConcurrentSessions    int  `yaml:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	IdleTimeoutMinutes       int  `yaml:"idle_timeout_minutes" json:"idle_timeout_minutes"`
	Require2FA               bool `yaml:"require_2fa" json:"require_2fa"`
}

// DefaultSecurityPolicy returns the documented fallback policy.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		PasswordMinLength:      DefaultPasswordMinLength,
		MaxFailedAttempts:      DefaultMaxFailedAttempts,
		LockoutDurationMinutes: DefaultLockoutDurationMinutes,
		MaxConcurrentSessions:  DefaultMaxConcurrentSessions,
		IdleTimeoutMinutes:     DefaultIdleTimeoutMinutes,
	}
}

// WithDefaults fills every unset numeric field from the defaults.
func (p SecurityPolicy) WithDefaults() SecurityPolicy {
	d := DefaultSecurityPolicy()
	if p.PasswordMinLength <= 0 {
		p.PasswordMinLength = d.PasswordMinLength
	}
	if p.MaxFailedAttempts <= 0 {
		p.MaxFailedAttempts = d.MaxFailedAttempts
	}
	if p.LockoutDurationMinutes <= 0 {
		p.LockoutDurationMinutes = d.LockoutDurationMinutes
	}
	if p.MaxConcurrentSessions <= 0 {
		p.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if p.IdleTimeoutMinutes <= 0 {
		p.IdleTimeoutMinutes = d.IdleTimeoutMinutes
	}
	return p
}

// LockoutDuration returns the lockout window as a duration.
func (p SecurityPolicy) LockoutDuration() time.Duration {
	return time.Duration(p.LockoutDurationMinutes) * time.Minute
}

// IdleTimeout returns the session idle timeout as a duration.
func (p SecurityPolicy) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutMinutes) * time.Minute
}
