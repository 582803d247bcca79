package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			LogLevel:       config.LogInfo,
			AllowedOrigins: []string{"localhost:3000"},
		},
		Upstream: config.ProviderEntry{
			Name:    "deepgram",
			APIKey:  "k",
			Options: map[string]any{"language": "en-US"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no hot-reload changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-only changes, got %v", d.RestartRequired)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	cur.Server.LogLevel = config.LogDebug
	cur.Broker.IdleTimeout = 2 * time.Minute
	cur.Broker.SweepInterval = 10 * time.Second

	d := config.Diff(old, cur)
	if !d.Changed() {
		t.Fatal("expected changes")
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.IdleTimeoutChanged || d.NewIdleTimeout != 2*time.Minute {
		t.Errorf("idle timeout diff = %v/%v", d.IdleTimeoutChanged, d.NewIdleTimeout)
	}
	if !d.SweepIntervalChanged || d.NewSweepInterval != 10*time.Second {
		t.Errorf("sweep interval diff = %v/%v", d.SweepIntervalChanged, d.NewSweepInterval)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("unexpected restart-only changes: %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }, "server.listen_addr"},
		{"origins", func(c *config.Config) { c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, "x.com") }, "server.allowed_origins"},
		{"api key", func(c *config.Config) { c.Upstream.APIKey = "other" }, "upstream"},
		{"upstream option", func(c *config.Config) { c.Upstream.Options["language"] = "de-DE" }, "upstream"},
		{"fallback added", func(c *config.Config) {
			c.UpstreamFallbacks = append(c.UpstreamFallbacks, config.ProviderEntry{Name: "deepgram", APIKey: "backup"})
		}, "upstream_fallbacks"},
		{"breaker", func(c *config.Config) { c.Broker.Breaker.MaxFailures = 1 }, "broker.breaker"},
		{"dsn", func(c *config.Config) { c.Store.PostgresDSN = "postgres://x" }, "store.postgres_dsn"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, cur := baseConfig(), baseConfig()
			tc.mutate(cur)

			d := config.Diff(old, cur)
			if !slices.Contains(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tc.want)
			}
			if d.Changed() {
				t.Errorf("restart-only change reported as hot-reloadable: %+v", d)
			}
		})
	}
}

func TestDiff_NestedOptionsDoNotPanic(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	old.Upstream.Options["extra"] = map[string]any{"a": 1}
	cur.Upstream.Options["extra"] = map[string]any{"a": 1}

	d := config.Diff(old, cur)
	if slices.Contains(d.RestartRequired, "upstream") {
		t.Error("equal nested options reported as changed")
	}
}
