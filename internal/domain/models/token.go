package models

import "time"

// RefreshToken represents a refresh token record as stored in the database.
// Only the SHA-256 hash of the raw token is ever persisted.
//
// Lifecycle: Active -> Used (rotation), Active -> Expired (time),
// Active -> Revoked (logout). All three end states are terminal.
type RefreshToken struct {
	TokenHash      string
	AccountID      int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Used           bool
	RevokedAt      *time.Time
	ReplacedByHash *string
}

// ActiveAt reports whether the token can still be redeemed at the given instant.
func (t *RefreshToken) ActiveAt(now time.Time) bool {
	return !t.Used && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenPair is the result of login or rotation: a signed access token,
// the raw opaque refresh token, and the access token's expiry instant.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
