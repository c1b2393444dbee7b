// Package config loads and holds all fortknox configuration.
// Settings start from defaults, are overridden by fortknox.yaml and then by
// FORTKNOX_* environment variables, and are validated before use.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fortknox/internal/lease"
	"fortknox/internal/pack"
	"fortknox/internal/pii"
	"fortknox/internal/remote"
	"fortknox/internal/reportstore"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "fortknox.yaml"

// Config holds the full configuration.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	EngineID string `yaml:"engine_id" validate:"required"`

	// MinSanitizeLevel is a floor applied to every policy's minimum level.
	MinSanitizeLevel pii.Level `yaml:"min_sanitize_level"`
	// MaxPackBytes caps every policy's byte ceiling when > 0.
	MaxPackBytes int `yaml:"max_pack_bytes" validate:"gte=0"`
	// ReIDSpan overrides the per-policy re-identification span when > 0.
	ReIDSpan    int  `yaml:"reid_span" validate:"gte=0"`
	Concurrency int  `yaml:"concurrency" validate:"gte=1,lte=64"`
	TestMode    bool `yaml:"test_mode"`

	Remote     RemoteConfig     `yaml:"remote"`
	Store      StoreConfig      `yaml:"store"`
	Lease      LeaseConfig      `yaml:"lease"`
	Management ManagementConfig `yaml:"management"`

	Detectors []pii.Extra   `yaml:"detectors" validate:"dive"`
	Policies  []pack.Policy `yaml:"policies" validate:"dive"`
}

// RemoteConfig selects the compile engine.
type RemoteConfig struct {
	Kind      string        `yaml:"kind" validate:"oneof=http openai anthropic fixture"`
	Endpoint  string        `yaml:"endpoint" validate:"omitempty,url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries   uint64        `yaml:"retries" validate:"lte=10"`
	RetryBase time.Duration `yaml:"retry_base"`
}

// StoreConfig selects the report store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory bbolt redis"`
	Path        string `yaml:"path" validate:"required_if=Driver bbolt"`
	RedisURL    string `yaml:"redis_url" validate:"required_if=Driver redis"`
	HotCapacity int    `yaml:"hot_capacity" validate:"gte=0"`
}

// LeaseConfig controls concurrent compiles of the same key.
type LeaseConfig struct {
	Mode string `yaml:"mode" validate:"oneof=wait fail_fast"`
	// TTL bounds how long a holder may keep a key. 0 derives it from the
	// remote budget; an explicit value must leave room for that budget.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// ManagementConfig controls the HTTP API.
type ManagementConfig struct {
	BindAddress string  `yaml:"bind_address" validate:"required,ip"`
	Port        int     `yaml:"port" validate:"gte=1,lte=65535"`
	Token       string  `yaml:"token"`
	RateLimit   float64 `yaml:"rate_limit" validate:"gte=0"` // compile requests per second, 0 disables
	RateBurst   int     `yaml:"rate_burst" validate:"gte=1"`
}

// Load returns config with defaults overridden by the file at path (or
// DefaultPath when empty) and FORTKNOX_* env vars. A missing file is not an
// error; an unparsable one is.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		path = DefaultPath
	}
	if err := loadFile(cfg, path); err != nil {
		return nil, err
	}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:         "info",
		EngineID:         "local@1",
		MinSanitizeLevel: pii.Normal,
		Concurrency:      4,
		Remote: RemoteConfig{
			Kind:      remote.KindHTTP,
			Timeout:   120 * time.Second,
			Retries:   2,
			RetryBase: 500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:      reportstore.DriverBolt,
			Path:        "fortknox-reports.db",
			HotCapacity: 256,
		},
		Lease: LeaseConfig{
			Mode: lease.Wait.String(),
		},
		Management: ManagementConfig{
			BindAddress: "127.0.0.1",
			Port:        8081,
			RateLimit:   2,
			RateBurst:   4,
		},
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // file is optional
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("FORTKNOX_LOG_LEVEL", &cfg.LogLevel)
	str("FORTKNOX_ENGINE_ID", &cfg.EngineID)
	if v := os.Getenv("FORTKNOX_MIN_SANITIZE_LEVEL"); v != "" {
		l, err := pii.ParseLevel(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FORTKNOX_MIN_SANITIZE_LEVEL: %w", err))
		} else {
			cfg.MinSanitizeLevel = l
		}
	}
	num("FORTKNOX_MAX_PACK_BYTES", &cfg.MaxPackBytes)
	num("FORTKNOX_REID_SPAN", &cfg.ReIDSpan)
	num("FORTKNOX_CONCURRENCY", &cfg.Concurrency)
	switch strings.ToLower(os.Getenv("FORTKNOX_TESTMODE")) {
	case "1", "true", "yes":
		cfg.TestMode = true
	}

	str("FORTKNOX_REMOTE_KIND", &cfg.Remote.Kind)
	str("FORTKNOX_REMOTE_ENDPOINT", &cfg.Remote.Endpoint)
	str("FORTKNOX_REMOTE_API_KEY", &cfg.Remote.APIKey)
	str("FORTKNOX_REMOTE_MODEL", &cfg.Remote.Model)
	dur("FORTKNOX_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	if v := os.Getenv("FORTKNOX_REMOTE_RETRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FORTKNOX_REMOTE_RETRIES: %w", err))
		} else {
			cfg.Remote.Retries = n
		}
	}

	str("FORTKNOX_STORE_DRIVER", &cfg.Store.Driver)
	str("FORTKNOX_STORE_PATH", &cfg.Store.Path)
	str("FORTKNOX_REDIS_URL", &cfg.Store.RedisURL)
	num("FORTKNOX_HOT_CAPACITY", &cfg.Store.HotCapacity)

	str("FORTKNOX_LEASE_MODE", &cfg.Lease.Mode)
	dur("FORTKNOX_LEASE_TTL", &cfg.Lease.TTL)

	str("FORTKNOX_BIND_ADDRESS", &cfg.Management.BindAddress)
	num("FORTKNOX_MANAGEMENT_PORT", &cfg.Management.Port)
	str("FORTKNOX_API_TOKEN", &cfg.Management.Token)
	if v := os.Getenv("FORTKNOX_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FORTKNOX_RATE_LIMIT: %w", err))
		} else {
			cfg.Management.RateLimit = f
		}
	}
	num("FORTKNOX_RATE_BURST", &cfg.Management.RateBurst)

	return errors.Join(errs...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := pii.NewRuleset(c.Detectors); err != nil {
		return fmt.Errorf("detectors: %w", err)
	}
	if ttl := c.Lease.TTL; ttl > 0 {
		if budget := c.remoteBudget(); lease.DeadlineFor(ttl) <= budget {
			return fmt.Errorf("lease.ttl %s is too short for the remote budget %s (timeout x attempts + backoff)", ttl, budget)
		}
	}
	if ip := net.ParseIP(c.Management.BindAddress); !ip.IsLoopback() && c.Management.Token == "" {
		return errors.New("management.token is required when binding beyond loopback")
	}
	return nil
}

// Ruleset builds the detector ruleset including configured extras.
func (c *Config) Ruleset() (*pii.Ruleset, error) {
	return pii.NewRuleset(c.Detectors)
}

// PolicySet returns the built-in policies with configured overrides, each
// raised to MinSanitizeLevel and capped at MaxPackBytes.
func (c *Config) PolicySet() pack.Policies {
	ps := pack.DefaultPolicies().With(c.Policies)
	for id, p := range ps {
		if p.MinLevel < c.MinSanitizeLevel {
			p.MinLevel = c.MinSanitizeLevel
		}
		if c.MaxPackBytes > 0 && p.MaxBytes > c.MaxPackBytes {
			p.MaxBytes = c.MaxPackBytes
		}
		ps[id] = p
	}
	return ps
}

// RemoteOptions returns the engine client options.
func (c *Config) RemoteOptions() remote.Options {
	return remote.Options{
		Kind:      c.Remote.Kind,
		Endpoint:  c.Remote.Endpoint,
		APIKey:    c.Remote.APIKey,
		Model:     c.Remote.Model,
		EngineID:  c.EngineID,
		Timeout:   c.Remote.Timeout,
		Retries:   c.Remote.Retries,
		RetryBase: c.Remote.RetryBase,
		TestMode:  c.TestMode,
	}
}

// StoreOptions returns the report store options.
func (c *Config) StoreOptions() reportstore.Options {
	return reportstore.Options{
		Driver:      c.Store.Driver,
		Path:        c.Store.Path,
		RedisURL:    c.Store.RedisURL,
		HotCapacity: c.Store.HotCapacity,
	}
}

// LeaseTTL returns the configured lease TTL, or one derived from the remote
// budget so that work under a lease always ends before the lease does.
func (c *Config) LeaseTTL() time.Duration {
	if c.Lease.TTL > 0 {
		return c.Lease.TTL
	}
	return c.remoteBudget()*10/9 + time.Minute
}

func (c *Config) remoteBudget() time.Duration {
	return remote.Budget(c.Remote.Timeout, c.Remote.Retries, c.Remote.RetryBase)
}

// LeaseMode returns the parsed lease mode. Validate guarantees it parses.
func (c *Config) LeaseMode() lease.Mode {
	m, _ := lease.ParseMode(c.Lease.Mode)
	return m
}
