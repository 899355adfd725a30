// Package config loads the immutable process configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "PRESSLINE_"

	// MinBcryptCost is the lowest work factor the service accepts.
	MinBcryptCost = 10
)

// Config is read once by Load and passed explicitly to every component
// that needs it. Nothing re-reads the environment after startup.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	PGDSN    string `yaml:"pg_dsn"`

	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed. Empty means none.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Auth  AuthConfig  `yaml:"auth"`
	Audit AuditConfig `yaml:"audit"`
	Rate  RateConfig  `yaml:"rate_limit"`
}

// AuthConfig holds token, password and role settings.
type AuthConfig struct {
	Secret          string        `yaml:"secret"`
	Issuer          string        `yaml:"issuer"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	ResetTokenTTL   time.Duration `yaml:"reset_token_ttl"`
	ResetURL        string        `yaml:"reset_url"`
	BcryptCost      int           `yaml:"bcrypt_cost"`
	DefaultRoleName string        `yaml:"default_role"`
	AdminRoleName   string        `yaml:"admin_role"`
	CatalogPath     string        `yaml:"catalog_path"`

	// AdminEmail and AdminPassword bootstrap an administrator when the
	// service runs on the in-memory store, and default authctl create-admin.
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"-"`
}

// AuditConfig controls activity-log retention.
type AuditConfig struct {
	RetentionDays int           `yaml:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateConfig bounds unauthenticated credential endpoints per client IP.
type RateConfig struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

// Default returns the baseline configuration before files and
// environment overrides are applied.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Auth: AuthConfig{
			Issuer:          "pressline",
			TokenTTL:        7 * 24 * time.Hour,
			ResetTokenTTL:   time.Hour,
			ResetURL:        "http://localhost:3000/reset-password",
			BcryptCost:      MinBcryptCost,
			DefaultRoleName: "user",
			AdminRoleName:   "admin",
			CatalogPath:     "config/catalog.yaml",
		},
		Audit: AuditConfig{
			RetentionDays: 90,
			SweepInterval: 24 * time.Hour,
		},
		Rate: RateConfig{
			Burst:     10,
			PerSecond: 5,
		},
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// an optional .env file, the YAML file named by PRESSLINE_CONFIG, and
// PRESSLINE_* environment variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("PG_DSN", &c.PGDSN)
	str("AUTH_SECRET", &c.Auth.Secret)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	dur("TOKEN_TTL", &c.Auth.TokenTTL)
	dur("RESET_TOKEN_TTL", &c.Auth.ResetTokenTTL)
	str("RESET_URL", &c.Auth.ResetURL)
	num("BCRYPT_COST", &c.Auth.BcryptCost)
	str("DEFAULT_ROLE", &c.Auth.DefaultRoleName)
	str("ADMIN_ROLE", &c.Auth.AdminRoleName)
	str("CATALOG_PATH", &c.Auth.CatalogPath)
	str("ADMIN_EMAIL", &c.Auth.AdminEmail)
	if v, ok := lookup(envPrefix + "ADMIN_PASSWORD"); ok && v != "" {
		c.Auth.AdminPassword = v
	}
	if v, ok := lookup(envPrefix + "TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		c.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TrustedProxies = append(c.TrustedProxies, p)
			}
		}
	}
	num("AUDIT_RETENTION_DAYS", &c.Audit.RetentionDays)
	dur("AUDIT_SWEEP_INTERVAL", &c.Audit.SweepInterval)
	num("RATE_BURST", &c.Rate.Burst)
	num("RATE_PER_SECOND", &c.Rate.PerSecond)

	return errors.Join(errs...)
}

// Validate reports configuration that would make the service unsafe to start.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth secret is not configured (PRESSLINE_AUTH_SECRET)"))
	}
	if c.Auth.BcryptCost < MinBcryptCost {
		errs = append(errs, fmt.Errorf("bcrypt cost %d is below minimum %d", c.Auth.BcryptCost, MinBcryptCost))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.Auth.ResetTokenTTL <= 0 {
		errs = append(errs, errors.New("reset token ttl must be positive"))
	}
	if strings.TrimSpace(c.Auth.DefaultRoleName) == "" || strings.TrimSpace(c.Auth.AdminRoleName) == "" {
		errs = append(errs, errors.New("default and admin role names are required"))
	}
	if c.Audit.RetentionDays < 0 {
		errs = append(errs, errors.New("audit retention days must not be negative"))
	}
	if c.Audit.RetentionDays > 0 && c.Audit.SweepInterval <= 0 {
		errs = append(errs, errors.New("audit sweep interval must be positive"))
	}
	if c.Rate.Burst <= 0 || c.Rate.PerSecond <= 0 {
		errs = append(errs, errors.New("rate limit burst and per_second must be positive"))
	}
	for _, p := range c.TrustedProxies {
		if _, err := ParseProxy(p); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Auth.AdminEmail != "" && c.Auth.AdminPassword == "" {
		errs = append(errs, errors.New("admin email is set but PRESSLINE_ADMIN_PASSWORD is empty"))
	}
	return errors.Join(errs...)
}

// ParseProxy accepts a single address or a CIDR range.
func ParseProxy(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("trusted proxy %q: %w", raw, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Proxies returns the parsed trusted proxy ranges. Validate has already
// rejected malformed entries.
func (c Config) Proxies() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if p, err := ParseProxy(raw); err == nil {
			out = append(out, p)
		}
	}
	return out
}
