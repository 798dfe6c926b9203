// Package ratelimit coordinates per-tenant backoff after the API answers
// with HTTP 429. State lives in a Store so that every process calling the
// same tenant honours one cool-down window.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Redis key layout for backoff state.
const (
	RedisKeyPrefix     = "newstore:backoff:"
	redisFieldUntil    = "until"
	redisFieldHits     = "hits"
	redisFieldUpdated  = "last_update"
	redisExpiryPadding = time.Minute
)

// Backoff bounds used when the server sends no Retry-After header.
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// BackoffState is the cool-down window of one tenant.
type BackoffState struct {
	Tenant string `json:"tenant"`

	// Until is the earliest time the next request may be sent.
	Until time.Time `json:"until"`

	// Hits counts consecutive 429 responses. A successful response resets it.
	Hits int `json:"hits"`

	LastUpdate time.Time `json:"last_update"`
}

// Remaining returns how long requests must still wait. It is never negative.
func (s *BackoffState) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Active reports whether the tenant is cooling down at now.
func (s *BackoffState) Active(now time.Time) bool {
	return s.Remaining(now) > 0
}

// IsStale reports whether the state was last written more than maxAge
// before now.
func (s *BackoffState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// exponentialDelay returns base * 2^(hits-1), capped at max.
func exponentialDelay(hits int, base, max time.Duration) time.Duration {
	if hits < 1 {
		hits = 1
	}
	d := base
	for i := 1; i < hits; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
