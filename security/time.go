package security

import "time"

// IsExpired reports whether a credential with the given expiry is expired
// at the reference time. The comparison is inclusive: a credential whose
// expiry equals the reference time is already expired, matching the
// token-endpoint and introspection semantics. A zero expiry means the
// credential never expires.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !expiresAt.After(now)
}
