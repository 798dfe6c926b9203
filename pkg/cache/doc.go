// Package cache shares bearer tokens between processes through Redis.
//
// Every tap process calling the same tenant with the same client id can
// reuse one access token instead of running its own client-credentials
// exchange:
//
//	manager := cache.NewManager(redisClient)
//	key := cache.TokenKey{Tenant: "acme", ClientID: "tap"}
//
//	entry, err := manager.Get(ctx, key, time.Minute)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// exchange credentials, then manager.Set(ctx, key, entry)
//	}
//
// Set stores an entry with a TTL equal to the token's remaining lifetime.
// The margin given to Get only applies on read: a token that lapses within
// the margin is reported as a miss, so it is never handed out right before
// it expires.
//
// # Metrics
//
//   - newstore_token_cache_hits_total
//   - newstore_token_cache_misses_total
//   - newstore_token_cache_errors_total{operation}
package cache
