// Package config loads process configuration from a .env file, NEWSTORE_*
// environment variables and CLI flag overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/Sternrassler/newstore-tap/pkg/auth"
)

// DefaultHost is the NewStore platform domain tenants live under.
const DefaultHost = "p.newstore.net"

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "NEWSTORE_"

// Config holds all settings of a run.
type Config struct {
	// Tenant credentials
	Tenant       string `validate:"required,hostname_rfc1123"`
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`

	// StartDate is advisory. RFC3339 or 2006-01-02.
	StartDate string

	// Host, BaseURL and TokenURL locate the API. The URLs are derived from
	// Host and Tenant when empty.
	Host     string `validate:"required,hostname"`
	BaseURL  string `validate:"omitempty,url"`
	TokenURL string `validate:"omitempty,url"`

	// RedisURL enables the shared token cache and backoff state when set.
	RedisURL string `validate:"omitempty,url"`

	// Transport
	RateLimit      float64       `validate:"gt=0"`
	RateBurst      int           `validate:"gte=1"`
	MaxRetries     int           `validate:"gte=1,lte=10"`
	InitialBackoff time.Duration `validate:"gt=0"`
	Timeout        time.Duration `validate:"gt=0"`
	UserAgent      string        `validate:"required"`

	ProductsPageSize int `validate:"gte=1,lte=1000"`

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogPretty bool
}

// DefaultConfig returns a Config with every optional setting filled in.
func DefaultConfig() *Config {
	return &Config{
		Host:             DefaultHost,
		RateLimit:        10,
		RateBurst:        5,
		MaxRetries:       3,
		InitialBackoff:   time.Second,
		Timeout:          30 * time.Second,
		UserAgent:        "newstore-tap/0.1.0",
		ProductsPageSize: 500,
		LogLevel:         "info",
	}
}

// Load reads envFile (a missing file is not an error), then the
// environment, and validates the result.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overrides fields with NEWSTORE_* variables that are set.
func (c *Config) LoadFromEnv() error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str("TENANT", &c.Tenant)
	str("CLIENT_ID", &c.ClientID)
	str("CLIENT_SECRET", &c.ClientSecret)
	str("START_DATE", &c.StartDate)
	str("HOST", &c.Host)
	str("BASE_URL", &c.BaseURL)
	str("TOKEN_URL", &c.TokenURL)
	str("REDIS_URL", &c.RedisURL)
	str("USER_AGENT", &c.UserAgent)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, envError("RATE_LIMIT", err))
		} else {
			c.RateLimit = f
		}
	}

	ints := map[string]*int{
		"RATE_BURST":         &c.RateBurst,
		"MAX_RETRIES":        &c.MaxRetries,
		"PRODUCTS_PAGE_SIZE": &c.ProductsPageSize,
	}
	for name, dst := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, envError(name, err))
				continue
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"INITIAL_BACKOFF": &c.InitialBackoff,
		"TIMEOUT":         &c.Timeout,
	}
	for name, dst := range durations {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, envError(name, err))
				continue
			}
			*dst = d
		}
	}

	if v, ok := lookup("LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, envError("LOG_PRETTY", err))
		} else {
			c.LogPretty = b
		}
	}

	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envError(name string, err error) error {
	return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the start date format.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}
	if _, err := c.ParseStartDate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	if fe.Param() != "" {
		return fmt.Errorf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s: must satisfy %s", fe.Field(), fe.Tag())
}

// ParseStartDate returns the start date, or the zero time when unset.
func (c *Config) ParseStartDate() (time.Time, error) {
	if c.StartDate == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, c.StartDate); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("StartDate: %q is neither RFC3339 nor YYYY-MM-DD", c.StartDate)
}

// APIBaseURL returns BaseURL or https://<tenant>.<host>.
func (c *Config) APIBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.%s", c.Tenant, c.Host)
}

// TokenEndpoint returns TokenURL or the tenant's realm token endpoint.
func (c *Config) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return auth.TokenURL(c.Host, c.Tenant)
}

// String renders the config with the client secret masked.
func (c *Config) String() string {
	secret := ""
	if c.ClientSecret != "" {
		secret = "****"
	}
	return fmt.Sprintf("tenant=%s client_id=%s client_secret=%s base_url=%s token_url=%s redis=%t",
		c.Tenant, c.ClientID, secret, c.APIBaseURL(), c.TokenEndpoint(), c.RedisURL != "")
}
