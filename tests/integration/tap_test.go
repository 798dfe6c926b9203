//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/newstore-tap/internal/testutil"
	"github.com/Sternrassler/newstore-tap/pkg/auth"
	"github.com/Sternrassler/newstore-tap/pkg/cache"
	"github.com/Sternrassler/newstore-tap/pkg/client"
	"github.com/Sternrassler/newstore-tap/pkg/engine"
	"github.com/Sternrassler/newstore-tap/pkg/newstore"
	"github.com/Sternrassler/newstore-tap/pkg/ratelimit"
	"github.com/Sternrassler/newstore-tap/pkg/sink"
)

const tenant = "acme"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get container endpoint: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

type tap struct {
	tokens  *auth.Provider
	tracker *ratelimit.Tracker
	api     *client.Client
}

func newTap(t *testing.T, mock *testutil.MockNewStore, rdb *redis.Client) *tap {
	t.Helper()

	tokens, err := auth.NewProvider(auth.Config{
		TokenURL:     mock.TokenURL(),
		ClientID:     testutil.ClientID,
		ClientSecret: testutil.ClientSecret,
		Tenant:       tenant,
		Cache:        cache.NewManager(rdb),
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	tracker := ratelimit.NewTracker(ratelimit.NewRedisStore(rdb), testLogger())

	cfg := client.DefaultConfig(mock.URL(), "newstore-tap-integration/1.0")
	cfg.Tenant = tenant
	cfg.RateLimit = 0
	cfg.Tokens = tokens
	cfg.Backoff = tracker
	cfg.Retry = client.UniformRetryPolicy(client.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	api, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { api.Close() })

	return &tap{tokens: tokens, tracker: tracker, api: api}
}

func (tp *tap) run(t *testing.T, selected ...string) (*engine.RunResult, *sink.Collector) {
	t.Helper()

	reg, err := newstore.NewRegistry()
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	nodes, err := newstore.NewNodes(reg, tp.api, newstore.Options{ProductsPageSize: 1})
	if err != nil {
		t.Fatalf("Failed to build nodes: %v", err)
	}

	out := sink.NewCollector()
	orch, err := engine.New(reg, nodes, out, engine.Options{Selected: selected})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return result, out
}

// TestFullExtraction_SharedTokenCache runs two independent processes'
// worth of wiring against one Redis: the second reuses the cached token.
func TestFullExtraction_SharedTokenCache(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockNewStore()
	defer mock.Close()

	result, out := newTap(t, mock, rdb).run(t)
	if result.Failed() {
		t.Fatalf("Unexpected branch failures: %v", result.Err())
	}
	if n := len(out.RecordsOf(newstore.StreamAvailabilities)); n != 6 {
		t.Errorf("availabilities = %d, want 6", n)
	}
	// products are paged one per request
	if got := result.Streams[newstore.StreamProducts].Pages; got < 6 {
		t.Errorf("product pages = %d, want at least 6", got)
	}

	key := cache.TokenKey{Tenant: tenant, ClientID: testutil.ClientID}.String()
	if n, err := rdb.Exists(context.Background(), key).Result(); err != nil || n != 1 {
		t.Fatalf("Expected cached token at %s (n=%d, err=%v)", key, n, err)
	}

	newTap(t, mock, rdb).run(t, newstore.StreamStores)
	if n := mock.GetTokenCount(); n != 1 {
		t.Errorf("tokens issued = %d, want 1", n)
	}
}

// TestRevokedTokenRefreshes replaces a rejected token in process and in
// the shared cache.
func TestRevokedTokenRefreshes(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockNewStore()
	defer mock.Close()

	tp := newTap(t, mock, rdb)
	tp.run(t, newstore.StreamStores)

	mock.RevokeTokens()
	result, out := tp.run(t, newstore.StreamStores)
	if result.Failed() {
		t.Fatalf("Unexpected branch failures: %v", result.Err())
	}
	if n := len(out.RecordsOf(newstore.StreamStores)); n != 2 {
		t.Errorf("stores = %d, want 2", n)
	}
	if n := mock.GetTokenCount(); n != 2 {
		t.Errorf("tokens issued = %d, want 2", n)
	}

	entry, err := cache.NewManager(rdb).Get(context.Background(), cache.TokenKey{Tenant: tenant, ClientID: testutil.ClientID}, 0)
	if err != nil {
		t.Fatalf("Get cached token: %v", err)
	}
	if entry.AccessToken != "token-2" {
		t.Errorf("cached token = %s, want token-2", entry.AccessToken)
	}
}

// TestRateLimitedTenantBacksOff checks that a 429 with Retry-After gates
// the next request and that the shared state is cleared afterwards.
func TestRateLimitedTenantBacksOff(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockNewStore()
	defer mock.Close()
	mock.Fail("/v0/c/shops", testutil.NewRateLimitResponse(time.Second), 1)

	tp := newTap(t, mock, rdb)

	start := time.Now()
	result, out := tp.run(t, newstore.StreamShops)
	elapsed := time.Since(start)

	if result.Failed() {
		t.Fatalf("Unexpected branch failures: %v", result.Err())
	}
	if n := len(out.RecordsOf(newstore.StreamShops)); n != 4 {
		t.Errorf("shops = %d, want 4", n)
	}
	if elapsed < 900*time.Millisecond {
		t.Errorf("run took %v, expected to wait for Retry-After", elapsed)
	}

	st, err := tp.tracker.State(context.Background(), tenant)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != nil {
		t.Errorf("Expected backoff state to be cleared, got %+v", st)
	}
}

// TestPermanentFailureSkipsBranch abandons one shop listing and keeps the
// rest of the tree.
func TestPermanentFailureSkipsBranch(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockNewStore()
	defer mock.Close()
	mock.Fail("/v0/c/shops", testutil.NewNotFoundResponse(), 1)

	result, out := newTap(t, mock, rdb).run(t)
	if !result.Failed() || len(result.Failures) != 1 {
		t.Fatalf("Expected one failed branch, got %+v", result.Failures)
	}
	if f := result.Failures[0]; f.Stream != newstore.StreamShops {
		t.Errorf("failed stream = %s, want shops", f.Stream)
	}
	// only the second store's subtree remains
	if n := len(out.RecordsOf(newstore.StreamAvailabilities)); n != 3 {
		t.Errorf("availabilities = %d, want 3", n)
	}
}
