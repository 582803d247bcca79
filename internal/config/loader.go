package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownUpstreams lists the provider names shipped with livescribe.
// Used by [Validate] to warn about unrecognised provider names.
var KnownUpstreams = []string{"deepgram"}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides from the process environment, and returns a
// validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReaderEnv(f, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The process environment is not consulted, which keeps tests
// hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	return LoadFromReaderEnv(r, func(string) string { return "" })
}

// LoadFromReaderEnv is [LoadFromReader] with environment overrides resolved
// through getenv.
func LoadFromReaderEnv(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes must not be negative, got %d", cfg.Server.MaxMessageBytes))
	}
	for i, pattern := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] %q: %w", i, pattern, err))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	validateProviderName(cfg.Upstream.Name)
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required (or set DEEPGRAM_API_KEY)"))
	}
	if _, _, err := cfg.Upstream.OptDuration("keepalive"); err != nil {
		errs = append(errs, fmt.Errorf("upstream.options.keepalive: %w", err))
	}
	for i, fb := range cfg.UpstreamFallbacks {
		validateProviderName(fb.Name)
		if fb.APIKey == "" {
			errs = append(errs, fmt.Errorf("upstream_fallbacks[%d].api_key is required", i))
		}
		if _, _, err := fb.OptDuration("keepalive"); err != nil {
			errs = append(errs, fmt.Errorf("upstream_fallbacks[%d].options.keepalive: %w", i, err))
		}
	}

	// Broker
	b := cfg.Broker
	if b.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("broker.idle_timeout must not be negative, got %s", b.IdleTimeout))
	}
	if b.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("broker.sweep_interval must not be negative, got %s", b.SweepInterval))
	}
	if b.OpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("broker.open_timeout must not be negative, got %s", b.OpenTimeout))
	}
	if b.SweepInterval > 0 && b.IdleTimeout > 0 && b.SweepInterval > b.IdleTimeout {
		slog.Warn("broker.sweep_interval exceeds broker.idle_timeout; idle sessions will linger past their timeout",
			"sweep_interval", b.SweepInterval,
			"idle_timeout", b.IdleTimeout,
		)
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; every session key is accepted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [KnownUpstreams].
func validateProviderName(name string) {
	if name == "" || slices.Contains(KnownUpstreams, name) {
		return
	}
	slog.Warn("unknown upstream provider name; may be a typo or third-party provider",
		"name", name,
		"known", KnownUpstreams,
	)
}
