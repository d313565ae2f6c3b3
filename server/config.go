package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"authnzd/authnz"
	"authnzd/store"
)

// Hardcoded session and login defaults
const (
	DefaultSessionTTL = 12 * time.Hour
	DefaultStateTTL   = 10 * time.Minute
)

// Session backends
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Authnz   AuthnzConfig   `yaml:"authnz"`
	Sessions SessionsConfig `yaml:"sessions"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	AppRoot         string    `yaml:"app_root"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// AuthnzConfig controls third-party login.
type AuthnzConfig struct {
	EnableOIDC  bool                               `yaml:"enable_oidc"`
	IDSecret    string                             `yaml:"id_secret"`
	StateTTL    time.Duration                      `yaml:"state_ttl"`
	LinkByEmail bool                               `yaml:"link_by_email"`
	Providers   map[string]authnz.UpstreamProvider `yaml:"providers"`
}

// SessionsConfig selects where browser sessions live.
type SessionsConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Backend string        `yaml:"backend"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the redis session backend connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig points at the identity store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			AppRoot:         "/",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Authnz: AuthnzConfig{
			EnableOIDC: true,
			StateTTL:   DefaultStateTTL,
			Providers:  map[string]authnz.UpstreamProvider{},
		},
		Sessions: SessionsConfig{
			TTL:     DefaultSessionTTL,
			Backend: SessionBackendMemory,
		},
		Database: DatabaseConfig{
			Driver: store.DriverSQLite,
			DSN:    "file:authnz.db",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHNZD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHNZD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHNZD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHNZD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHNZD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHNZD_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"AUTHNZD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHNZD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHNZD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHNZD_SERVER_APP_ROOT":          func(v string) { cfg.Server.AppRoot = v },
		"AUTHNZD_AUTHNZ_ENABLE_OIDC":       func(v string) { cfg.Authnz.EnableOIDC = parseBool(v, cfg.Authnz.EnableOIDC) },
		"AUTHNZD_AUTHNZ_ID_SECRET":         func(v string) { cfg.Authnz.IDSecret = v },
		"AUTHNZD_AUTHNZ_STATE_TTL":         func(v string) { cfg.Authnz.StateTTL = parseDuration(v, cfg.Authnz.StateTTL) },
		"AUTHNZD_AUTHNZ_LINK_BY_EMAIL":     func(v string) { cfg.Authnz.LinkByEmail = parseBool(v, cfg.Authnz.LinkByEmail) },
		"AUTHNZD_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"AUTHNZD_SESSIONS_BACKEND":         func(v string) { cfg.Sessions.Backend = v },
		"AUTHNZD_SESSIONS_REDIS_ADDR":      func(v string) { cfg.Sessions.Redis.Addr = v },
		"AUTHNZD_SESSIONS_REDIS_PASSWORD":  func(v string) { cfg.Sessions.Redis.Password = v },
		"AUTHNZD_SESSIONS_REDIS_DB":        func(v string) { cfg.Sessions.Redis.DB = parseInt(v, cfg.Sessions.Redis.DB) },
		"AUTHNZD_DATABASE_DRIVER":          func(v string) { cfg.Database.Driver = v },
		"AUTHNZD_DATABASE_DSN":             func(v string) { cfg.Database.DSN = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the whole config and reports every problem found.
func (c Config) Validate() error {
	var result *multierror.Error

	switch {
	case c.Server.PublicURL == "":
		result = multierror.Append(result, errors.New("server.public_url is required"))
	case !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://"):
		result = multierror.Append(result, fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL))
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		result = multierror.Append(result, errors.New("server.tls.domains must be provided in production"))
	}

	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		result = multierror.Append(result, fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion))
	}

	if c.Server.CookieDomain != "" {
		if u, err := url.Parse(c.Server.PublicURL); err == nil && u.Hostname() != "" {
			// e.g., public_url: galaxy.usegalaxy.org -> cookie_domain: .usegalaxy.org (valid)
			cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
			if !strings.HasSuffix(u.Hostname(), cookieDomain) {
				result = multierror.Append(result, fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, u.Hostname()))
			}
		}
	}

	if root := c.Server.AppRoot; root != "" && !strings.HasPrefix(root, "/") &&
		!strings.HasPrefix(root, "http://") && !strings.HasPrefix(root, "https://") {
		result = multierror.Append(result, fmt.Errorf("server.app_root must be a path or an http(s) URL, got: %s", root))
	}

	if len(c.Authnz.IDSecret) > 56 {
		result = multierror.Append(result, errors.New("authnz.id_secret must be at most 56 bytes"))
	}

	if c.Authnz.StateTTL <= 0 {
		result = multierror.Append(result, errors.New("authnz.state_ttl must be positive"))
	}

	names := make([]string, 0, len(c.Authnz.Providers))
	for name := range c.Authnz.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.Authnz.Providers[name]
		if !validProviderName(name) {
			result = multierror.Append(result, fmt.Errorf("authnz.providers: %q is not a valid provider name (use letters, digits, '-' or '_')", name))
		}
		if p.Issuer == "" {
			result = multierror.Append(result, fmt.Errorf("authnz.providers.%s.issuer is required", name))
		} else if !strings.HasPrefix(p.Issuer, "https://") && !(c.Server.DevMode && strings.HasPrefix(p.Issuer, "http://")) {
			result = multierror.Append(result, fmt.Errorf("authnz.providers.%s.issuer must use https, got: %s", name, p.Issuer))
		}
		if p.ClientID == "" {
			result = multierror.Append(result, fmt.Errorf("authnz.providers.%s.client_id is required", name))
		}
	}

	if c.Authnz.EnableOIDC && !c.Server.DevMode && len(c.Authnz.Providers) == 0 {
		result = multierror.Append(result, errors.New("authnz.providers must configure at least one provider when enable_oidc is true in production"))
	}

	if c.Sessions.TTL <= 0 {
		result = multierror.Append(result, errors.New("sessions.ttl must be positive"))
	}
	switch c.Sessions.Backend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.Sessions.Redis.Addr == "" {
			result = multierror.Append(result, errors.New("sessions.redis.addr is required for the redis backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("sessions.backend must be 'memory' or 'redis', got: %s", c.Sessions.Backend))
	}

	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		result = multierror.Append(result, fmt.Errorf("database.driver must be 'sqlite' or 'postgres', got: %s", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		result = multierror.Append(result, errors.New("database.dsn is required"))
	}

	return result.ErrorOrNil()
}

func validProviderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
