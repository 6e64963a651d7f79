package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/developingchet/portfolio-gate/internal/catalog"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Access Gate
	GateCatalog         string        `koanf:"gate_catalog"`
	GateSessionDuration time.Duration `koanf:"gate_session_duration"`
	GateMaxAttempts     int           `koanf:"gate_max_attempts"`
	GateLockoutDuration time.Duration `koanf:"gate_lockout_duration"`
	GateProfile         string        `koanf:"gate_profile"`

	// Parsed from GATE_CREDENTIALS (slug=secret,slug=secret)
	EnvCredentials map[string]string `koanf:"-"`
	// Loaded from GATE_CATALOG, nil when unset
	Catalog *catalog.Catalog `koanf:"-"`

	// Storage
	StoreBackend string `koanf:"store_backend"`
	DataDir      string `koanf:"data_dir"`

	// HTTP API
	HTTPAddr         string  `koanf:"http_addr"`
	UnlockRatePerSec float64 `koanf:"unlock_rate_per_sec"`
	UnlockBurst      int     `koanf:"unlock_burst"`
	CookieSecure     bool    `koanf:"cookie_secure"`

	// Operational
	LogLevel       string        `koanf:"log_level"`
	LogFormat      string        `koanf:"log_format"`
	MetricsEnabled bool          `koanf:"metrics_enabled"`
	MetricsAddr    string        `koanf:"metrics_addr"`
	HealthAddr     string        `koanf:"health_addr"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

// Credentials returns the merged credential registry: catalog entries first,
// then GATE_CREDENTIALS entries, which win on conflict.
func (c *Config) Credentials() map[string]string {
	creds := make(map[string]string)
	if c.Catalog != nil {
		for id, s := range c.Catalog.Credentials() {
			creds[id] = s
		}
	}
	for id, s := range c.EnvCredentials {
		creds[id] = s
	}
	return creds
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	c.GateCatalog = stripEnvQuotes(c.GateCatalog)
	c.GateProfile = stripEnvQuotes(c.GateProfile)
	c.StoreBackend = stripEnvQuotes(c.StoreBackend)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.HTTPAddr = stripEnvQuotes(c.HTTPAddr)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"gate_catalog":          "",
		"gate_credentials":      "",
		"gate_session_duration": "24h",
		"gate_max_attempts":     5,
		"gate_lockout_duration": "15m",
		"gate_profile":          "default",
		"store_backend":         "bbolt",
		"data_dir":              "/data",
		"http_addr":             ":8080",
		"unlock_rate_per_sec":   5.0,
		"unlock_burst":          10,
		"cookie_secure":         false,
		"log_level":             "info",
		"log_format":            "json",
		"metrics_enabled":       true,
		"metrics_addr":          ":9090",
		"health_addr":           ":8081",
		"sweep_interval":        "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret
// injection, and loads the content catalog when one is configured.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys. E.g. GATE_MAX_ATTEMPTS → "gate_max_attempts".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.sanitise()

	creds, err := ParseCredentials(stripEnvQuotes(k.String("gate_credentials")))
	if err != nil {
		return nil, fmt.Errorf("GATE_CREDENTIALS: %w", err)
	}
	cfg.EnvCredentials = creds

	if cfg.GateCatalog != "" {
		cat, err := catalog.Load(cfg.GateCatalog)
		if err != nil {
			return nil, fmt.Errorf("GATE_CATALOG: %w", err)
		}
		cfg.Catalog = cat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if len(c.Credentials()) == 0 {
		return fmt.Errorf("no protected content configured: set GATE_CREDENTIALS or GATE_CATALOG")
	}

	if c.GateMaxAttempts < 1 || c.GateMaxAttempts > 100 {
		return fmt.Errorf("GATE_MAX_ATTEMPTS must be 1–100; got %d", c.GateMaxAttempts)
	}
	if c.GateSessionDuration <= 0 {
		return fmt.Errorf("GATE_SESSION_DURATION must be > 0; got %s", c.GateSessionDuration)
	}
	if c.GateLockoutDuration <= 0 {
		return fmt.Errorf("GATE_LOCKOUT_DURATION must be > 0; got %s", c.GateLockoutDuration)
	}
	if c.GateProfile == "" {
		return fmt.Errorf("GATE_PROFILE must not be empty")
	}

	validBackends := map[string]bool{"bbolt": true, "memory": true}
	if !validBackends[c.StoreBackend] {
		return fmt.Errorf("STORE_BACKEND must be bbolt or memory; got %q", c.StoreBackend)
	}
	if c.StoreBackend == "bbolt" && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required for the bbolt backend")
	}

	if c.UnlockRatePerSec < 0 {
		return fmt.Errorf("UNLOCK_RATE_PER_SEC must be >= 0; got %v", c.UnlockRatePerSec)
	}
	if c.UnlockRatePerSec > 0 && c.UnlockBurst < 1 {
		return fmt.Errorf("UNLOCK_BURST must be >= 1; got %d", c.UnlockBurst)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0; got %s", c.SweepInterval)
	}

	return nil
}

// ParseCredentials parses "slug=secret" entries separated by commas or
// newlines. The secret is everything after the first "=".
func ParseCredentials(s string) (map[string]string, error) {
	creds := make(map[string]string)
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, secret, ok := strings.Cut(f, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("entry %q must be slug=secret", redactEntry(f))
		}
		if _, dup := creds[id]; dup {
			return nil, fmt.Errorf("duplicate entry for %q", id)
		}
		creds[id] = secret
	}
	return creds, nil
}

// redactEntry keeps the slug of a malformed credential entry for error messages.
func redactEntry(f string) string {
	if id, _, ok := strings.Cut(f, "="); ok {
		return id + "=…"
	}
	return f
}

// fileSecretKeys lists config keys that accept a <KEY>_FILE indirection.
var fileSecretKeys = []string{
	"gate_credentials",
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
