package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/newstore-tap/pkg/auth"
	"github.com/Sternrassler/newstore-tap/pkg/cache"
	"github.com/Sternrassler/newstore-tap/pkg/client"
	"github.com/Sternrassler/newstore-tap/pkg/config"
	"github.com/Sternrassler/newstore-tap/pkg/engine"
	"github.com/Sternrassler/newstore-tap/pkg/logging"
	"github.com/Sternrassler/newstore-tap/pkg/metrics"
	"github.com/Sternrassler/newstore-tap/pkg/newstore"
	"github.com/Sternrassler/newstore-tap/pkg/ratelimit"
	"github.com/Sternrassler/newstore-tap/pkg/sink"
)

type syncOptions struct {
	envFile     string
	tenant      string
	redisURL    string
	startDate   string
	logLevel    string
	logPretty   bool
	streams     []string
	metricsAddr string
	pageSize    int
}

func newSyncCmd() *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Extract records to stdout",
		Long: `Walk the resource tree depth-first and emit every record of the selected
streams. Ancestors of a selected stream are walked for context but not emitted.

A branch answered with a permanent HTTP error (404 and other 4xx) is skipped
and the run continues; the command then exits non-zero. Authentication
failures, exhausted retries and stalled pagination abort the run.`,
		Example: `  # Extract everything
  newstore-tap sync > out.jsonl

  # Only availabilities, with a shared Redis token cache
  newstore-tap sync --stream availabilities --redis-url redis://localhost:6379/0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runSync(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the environment")
	f.StringVar(&opts.tenant, "tenant", "", "tenant name (overrides NEWSTORE_TENANT)")
	f.StringVar(&opts.redisURL, "redis-url", "", "Redis URL for the shared token cache and backoff state")
	f.StringVar(&opts.startDate, "start-date", "", "advisory start date (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.BoolVar(&opts.logPretty, "log-pretty", false, "human-readable logs on stderr")
	f.StringSliceVar(&opts.streams, "stream", nil, "stream to emit, repeatable (default all)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.IntVar(&opts.pageSize, "products-page-size", 0, "page size of product requests")

	return cmd
}

// loadConfig applies .env, environment and then explicitly set flags.
func loadConfig(cmd *cobra.Command, opts *syncOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("tenant") {
		cfg.Tenant = opts.tenant
	}
	if flags.Changed("redis-url") {
		cfg.RedisURL = opts.redisURL
	}
	if flags.Changed("start-date") {
		cfg.StartDate = opts.startDate
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("log-pretty") {
		cfg.LogPretty = opts.logPretty
	}
	if flags.Changed("products-page-size") {
		cfg.ProductsPageSize = opts.pageSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runSync(ctx context.Context, cfg *config.Config, opts *syncOptions, stdout, stderr io.Writer) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{Level: level, Pretty: cfg.LogPretty, Output: stderr})
	logger := logging.NewLogger("newstore-tap")

	if start, _ := cfg.ParseStartDate(); !start.IsZero() {
		// no stream filters on it
		logger.Info().Time("start_date", start).Msg("Start date is advisory; full extraction follows")
	}

	if opts.metricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, opts.metricsAddr, logger); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	var (
		tokenCache *cache.Manager
		store      ratelimit.Store = ratelimit.NewMemoryStore()
	)
	if cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		tokenCache = cache.NewManager(rdb)
		store = ratelimit.NewRedisStore(rdb)
		logger.Info().Msg("Connected to Redis")
	}

	tokens, err := auth.NewProvider(auth.Config{
		TokenURL:     cfg.TokenEndpoint(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Tenant:       cfg.Tenant,
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
		Cache:        tokenCache,
	})
	if err != nil {
		return err
	}

	clientCfg := client.DefaultConfig(cfg.APIBaseURL(), cfg.UserAgent)
	clientCfg.Tenant = cfg.Tenant
	clientCfg.Timeout = cfg.Timeout
	clientCfg.RateLimit = cfg.RateLimit
	clientCfg.RateBurst = cfg.RateBurst
	clientCfg.Tokens = tokens
	clientCfg.Backoff = ratelimit.NewTracker(store, logging.NewLogger("ratelimit"))
	clientCfg.Retry = retryPolicy(cfg.MaxRetries, cfg.InitialBackoff)

	api, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer api.Close()

	reg, err := newstore.NewRegistry()
	if err != nil {
		return err
	}
	nodes, err := newstore.NewNodes(reg, api, newstore.Options{ProductsPageSize: cfg.ProductsPageSize})
	if err != nil {
		return err
	}
	orch, err := engine.New(reg, nodes, sink.NewWriter(stdout), engine.Options{Selected: opts.streams})
	if err != nil {
		return err
	}

	result, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s aborted: %w", orch.RunID(), err)
	}
	logSummary(logger, result)

	if result.Failed() {
		return fmt.Errorf("run %s finished with %d failed branches: %w", result.RunID, len(result.Failures), result.Err())
	}
	return nil
}

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// retryPolicy applies the configured attempts and initial backoff to server
// and network errors. Rate limiting keeps its longer schedule.
func retryPolicy(maxAttempts int, initial time.Duration) client.RetryPolicy {
	return func(class client.ErrorClass) client.RetryConfig {
		rc := client.RetryConfigForErrorClass(class)
		if class != client.ErrorClassRateLimit {
			rc.MaxAttempts = maxAttempts
			rc.InitialBackoff = initial
			if rc.MaxBackoff < initial {
				rc.MaxBackoff = initial
			}
		}
		return rc
	}
}

func logSummary(logger zerolog.Logger, result *engine.RunResult) {
	for name, s := range result.Streams {
		logger.Info().
			Str("stream", name).
			Int("invocations", s.Invocations).
			Int("pages", s.Pages).
			Int("records", s.Records).
			Int("failures", s.Failures).
			Msg("Stream summary")
	}
}
