package cache

import "time"

// TokenEntry is a cached access token.
type TokenEntry struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
	CachedAt    time.Time `json:"cached_at"`
}

// IsExpired reports whether the token expires within margin.
func (e *TokenEntry) IsExpired(margin time.Duration) bool {
	if e.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(e.Expiry)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *TokenEntry) TTL() time.Duration {
	ttl := time.Until(e.Expiry)
	if ttl < 0 {
		return 0
	}
	return ttl
}
