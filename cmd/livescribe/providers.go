package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/deepgram"
)

// registerBuiltinProviders wires the upstream factories that ship with
// livescribe into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", newDeepgram)

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildUpstream creates the primary upstream. With fallbacks configured the
// result is a [resilience.Failover] trying the primary first.
func buildUpstream(cfg *config.Config, reg *config.Registry, breaker resilience.CircuitBreakerConfig) (stt.Provider, error) {
	primary, err := reg.CreateSTT(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Upstream.Name)
	if len(cfg.UpstreamFallbacks) == 0 {
		return primary, nil
	}

	f := resilience.NewFailover(breaker)
	f.Add(cfg.Upstream.Name, primary)
	for i, entry := range cfg.UpstreamFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("upstream_fallbacks[%d]: %w", i, err)
		}
		f.Add(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
	}
	slog.Info("upstream failover enabled", "order", f.Names())
	return f, nil
}

func newDeepgram(entry config.ProviderEntry) (stt.Provider, error) {
	var opts []deepgram.Option
	if entry.Model != "" {
		opts = append(opts, deepgram.WithModel(entry.Model))
	}
	if entry.BaseURL != "" {
		opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
	}
	if lang := entry.OptString("language"); lang != "" {
		opts = append(opts, deepgram.WithLanguage(lang))
	}
	if v, ok := entry.OptBool("punctuate"); ok {
		opts = append(opts, deepgram.WithPunctuate(v))
	}
	if v, ok := entry.OptBool("interim_results"); ok {
		opts = append(opts, deepgram.WithInterimResults(v))
	}
	keepAlive, ok, err := entry.OptDuration("keepalive")
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	if ok {
		opts = append(opts, deepgram.WithKeepAlive(keepAlive))
	}
	if enc := entry.OptString("encoding"); enc != "" {
		opts = append(opts, deepgram.WithRawAudio(enc, entry.OptInt("sample_rate")))
	}
	return deepgram.New(entry.APIKey, opts...)
}
