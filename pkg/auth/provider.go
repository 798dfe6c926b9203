// Package auth exchanges NewStore client credentials for bearer tokens.
//
// A single Provider is built at process start and shared by every stream.
// It keeps the current token in memory, optionally shares it through a
// Redis cache, and runs at most one exchange at a time.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/newstore-tap/pkg/cache"
)

// DefaultExpiryMargin is how long before expiry a token is replaced.
const DefaultExpiryMargin = 60 * time.Second

var tokenFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "newstore_token_fetches_total",
	Help: "Total token acquisitions by source and result",
}, []string{"source", "result"})

// TokenURL returns the realm token endpoint of tenant on host.
func TokenURL(host, tenant string) string {
	return fmt.Sprintf("https://id.%s/auth/realms/%s/protocol/openid-connect/token", host, tenant)
}

// AuthError reports a failed credential exchange. It is fatal for a run.
type AuthError struct {
	Tenant string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("newstore auth: token exchange for tenant %q failed: %v", e.Tenant, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Config configures a Provider.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Tenant       string

	// ExpiryMargin defaults to DefaultExpiryMargin.
	ExpiryMargin time.Duration

	// HTTPClient is used for the exchange when set.
	HTTPClient *http.Client

	// Cache shares tokens between processes. Optional.
	Cache *cache.Manager
}

// Validate checks the required fields.
func (c Config) Validate() error {
	var errs []error
	if c.TokenURL == "" {
		errs = append(errs, errors.New("token url is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client id is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("client secret is required"))
	}
	return errors.Join(errs...)
}

// Provider supplies bearer tokens. It is safe for concurrent use.
type Provider struct {
	cfg    Config
	oauth  *clientcredentials.Config
	margin time.Duration
	logger zerolog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	token *oauth2.Token
	// stale is set by Invalidate; the next acquisition skips the shared
	// cache because it may hold the rejected token.
	stale bool
}

// NewProvider validates cfg and returns a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}

	return &Provider{
		cfg: cfg,
		oauth: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		margin: margin,
		logger: log.With().Str("component", "auth").Str("tenant", cfg.Tenant).Logger(),
	}, nil
}

// Token returns a valid access token, exchanging credentials when needed.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if tok := p.current(); tok != nil {
		return tok.AccessToken, nil
	}

	v, err, shared := p.group.Do("token", func() (any, error) {
		return p.acquire(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		p.logger.Debug().Msg("Joined in-flight token acquisition")
	}
	return v.(string), nil
}

// Invalidate drops the current token.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = nil
	p.stale = true
	p.logger.Debug().Msg("Token invalidated")
}

func (p *Provider) current() *oauth2.Token {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.valid(p.token) {
		return p.token
	}
	return nil
}

func (p *Provider) valid(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || time.Now().Add(p.margin).Before(tok.Expiry)
}

func (p *Provider) acquire(ctx context.Context) (string, error) {
	if tok := p.current(); tok != nil {
		return tok.AccessToken, nil
	}

	p.mu.RLock()
	stale := p.stale
	p.mu.RUnlock()

	key := cache.TokenKey{Tenant: p.cfg.Tenant, ClientID: p.cfg.ClientID}

	if p.cfg.Cache != nil && !stale {
		entry, err := p.cfg.Cache.Get(ctx, key, p.margin)
		switch {
		case err == nil:
			tokenFetchesTotal.WithLabelValues("cache", "success").Inc()
			p.store(&oauth2.Token{AccessToken: entry.AccessToken, TokenType: entry.TokenType, Expiry: entry.Expiry})
			p.logger.Debug().Time("expiry", entry.Expiry).Msg("Token loaded from shared cache")
			return entry.AccessToken, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			p.logger.Warn().Err(err).Msg("Token cache get error")
		}
	}

	if p.cfg.Cache != nil && stale {
		// The shared token was rejected; drop it so peers refresh as well.
		if err := p.cfg.Cache.Delete(ctx, key); err != nil {
			p.logger.Warn().Err(err).Msg("Token cache delete error")
		}
	}

	exchangeCtx := ctx
	if p.cfg.HTTPClient != nil {
		exchangeCtx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}

	start := time.Now()
	tok, err := p.oauth.Token(exchangeCtx)
	if err != nil {
		tokenFetchesTotal.WithLabelValues("exchange", "error").Inc()
		p.logger.Error().Err(err).Msg("Token exchange failed")
		return "", &AuthError{Tenant: p.cfg.Tenant, Err: err}
	}
	tokenFetchesTotal.WithLabelValues("exchange", "success").Inc()
	p.logger.Info().
		Time("expiry", tok.Expiry).
		Dur("duration", time.Since(start)).
		Msg("Token acquired")

	p.store(tok)

	if p.cfg.Cache != nil {
		entry := &cache.TokenEntry{
			AccessToken: tok.AccessToken,
			TokenType:   tok.TokenType,
			Expiry:      tok.Expiry,
		}
		if err := p.cfg.Cache.Set(ctx, key, entry); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to cache token")
		}
	}

	return tok.AccessToken, nil
}

func (p *Provider) store(tok *oauth2.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = tok
	p.stale = false
}
