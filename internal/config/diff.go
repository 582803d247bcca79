package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	IdleTimeoutChanged bool
	NewIdleTimeout     time.Duration

	SweepIntervalChanged bool
	NewSweepInterval     time.Duration

	// RestartRequired names changed settings that only take effect after a
	// restart (listener, upstream provider, store).
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.IdleTimeoutChanged || d.SweepIntervalChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Broker.IdleTimeout != new.Broker.IdleTimeout {
		d.IdleTimeoutChanged = true
		d.NewIdleTimeout = new.Broker.IdleTimeout
	}
	if old.Broker.SweepInterval != new.Broker.SweepInterval {
		d.SweepIntervalChanged = true
		d.NewSweepInterval = new.Broker.SweepInterval
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("server.max_message_bytes", old.Server.MaxMessageBytes != new.Server.MaxMessageBytes)
	restart("upstream", !sameProvider(old.Upstream, new.Upstream))
	restart("upstream_fallbacks", !slices.EqualFunc(old.UpstreamFallbacks, new.UpstreamFallbacks, sameProvider))
	restart("broker.open_timeout", old.Broker.OpenTimeout != new.Broker.OpenTimeout)
	restart("broker.breaker", old.Broker.Breaker != new.Broker.Breaker)
	restart("store.postgres_dsn", old.Store.PostgresDSN != new.Store.PostgresDSN)

	return d
}

func sameProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) == 0 && len(b.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
