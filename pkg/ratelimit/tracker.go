package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for tenant backoff.
var (
	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newstore_rate_limited_total",
		Help: "Total number of 429 responses by tenant",
	}, []string{"tenant"})

	backoffWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "newstore_backoff_wait_seconds",
		Help:    "Time requests spent waiting for a tenant cool-down",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"tenant"})
)

// Tracker gates requests on the backoff state of their tenant.
type Tracker struct {
	store     Store
	logger    zerolog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration

	// mu serializes read-modify-write of state within this process.
	mu  sync.Mutex
	now func() time.Time
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		logger:    logger,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		now:       time.Now,
	}
}

// SetDelays overrides the exponential backoff bounds used without
// Retry-After.
func (t *Tracker) SetDelays(base, max time.Duration) {
	t.baseDelay = base
	t.maxDelay = max
}

// State returns the current backoff state of tenant, or nil.
func (t *Tracker) State(ctx context.Context, tenant string) (*BackoffState, error) {
	st, err := t.store.Load(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("get backoff state: %w", err)
	}
	return st, nil
}

// Observe records the outcome of one response. A 429 extends the tenant's
// window by Retry-After or by an exponential delay; a success after
// throttling clears it.
func (t *Tracker) Observe(ctx context.Context, tenant string, status int, headers http.Header) error {
	switch {
	case status == http.StatusTooManyRequests:
		return t.throttled(ctx, tenant, headers)
	case status < http.StatusBadRequest:
		return t.recovered(ctx, tenant)
	default:
		return nil
	}
}

func (t *Tracker) throttled(ctx context.Context, tenant string, headers http.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st, err := t.store.Load(ctx, tenant)
	if err != nil {
		return fmt.Errorf("get backoff state: %w", err)
	}
	// A 429 long after the last one starts a new episode.
	if st == nil || (!st.Active(now) && st.IsStale(now, t.maxDelay)) {
		st = &BackoffState{Tenant: tenant}
	}
	st.Hits++

	delay, fromHeader := ParseRetryAfter(headers, now)
	if !fromHeader {
		delay = exponentialDelay(st.Hits, t.baseDelay, t.maxDelay)
	}
	if until := now.Add(delay); until.After(st.Until) {
		st.Until = until
	}
	st.LastUpdate = now

	if err := t.store.Save(ctx, st); err != nil {
		return err
	}

	rateLimitedTotal.WithLabelValues(tenant).Inc()
	t.logger.Warn().
		Str("tenant", tenant).
		Int("hits", st.Hits).
		Dur("delay", delay).
		Bool("retry_after", fromHeader).
		Time("until", st.Until).
		Msg("Tenant rate limited - backing off")

	return nil
}

func (t *Tracker) recovered(ctx context.Context, tenant string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.store.Load(ctx, tenant)
	if err != nil {
		return fmt.Errorf("get backoff state: %w", err)
	}
	if st == nil || st.Hits == 0 {
		return nil
	}
	if st.Active(t.now()) {
		// Another request is still inside the window.
		return nil
	}

	t.logger.Info().Str("tenant", tenant).Int("hits", st.Hits).Msg("Tenant backoff cleared")
	return t.store.Clear(ctx, tenant)
}

// Wait blocks until tenant's window has passed or ctx is done.
func (t *Tracker) Wait(ctx context.Context, tenant string) error {
	st, err := t.State(ctx, tenant)
	if err != nil {
		return err
	}
	wait := st.Remaining(t.now())
	if wait <= 0 {
		return nil
	}

	t.logger.Debug().Str("tenant", tenant).Dur("wait", wait).Msg("Waiting for tenant backoff")
	backoffWaitSeconds.WithLabelValues(tenant).Observe(wait.Seconds())

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for tenant backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
