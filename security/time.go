package security

import "time"

// ClockSkewGracePeriod absorbs NTP drift between this service, the provider,
// and storage when checking token expiry. A token is treated as expired
// slightly early rather than ever being used past its true lifetime.
const ClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether a token expiry has passed, with the clock
// skew grace period applied. A zero expiresAt means no expiration.
func IsTokenExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(-ClockSkewGracePeriod))
}
