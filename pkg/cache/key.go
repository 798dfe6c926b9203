package cache

import "strings"

// TokenKey identifies the cached token of one OAuth client on one tenant.
type TokenKey struct {
	Tenant   string
	ClientID string
}

// String returns the Redis key.
//
// Example:
//
//	newstore:token:acme:tap-client
func (k TokenKey) String() string {
	return strings.Join([]string{"newstore", "token", k.Tenant, k.ClientID}, ":")
}
