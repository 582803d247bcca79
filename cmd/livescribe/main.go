// Command livescribe is the live transcription relay: browsers stream audio
// over a WebSocket, livescribe forwards it to the upstream recognizer and
// fans transcripts back out to every tab of the same user.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/broker"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/transport"
	"github.com/MrWong99/livescribe/internal/userstore"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livescribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("livescribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "livescribe"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	breakerCfg := resilience.CircuitBreakerConfig{
		Name:         "upstream",
		MaxFailures:  cfg.Broker.Breaker.MaxFailures,
		ResetTimeout: cfg.Broker.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, err := buildUpstream(cfg, reg, breakerCfg)
	if err != nil {
		slog.Error("failed to build upstream provider", "err", err)
		return 1
	}

	breaker := resilience.NewCircuitBreaker(breakerCfg)
	checkers := []health.Checker{{Name: "upstream", Check: breaker.Check}}

	var (
		pool  *pgxpool.Pool
		users broker.UserDirectory
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to open user store", "err", err)
			return 1
		}
		defer pool.Close()
		store := userstore.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate user store", "err", err)
			return 1
		}
		users = store
		checkers = append(checkers, health.Checker{Name: "userstore", Check: store.Ping})
	}

	srv := transport.New(transport.Config{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		Metrics:         metrics,
	})

	// Config.Stream stays zero: every upstream entry carries its own
	// recognition profile in its provider options.
	b := broker.New(provider, srv, broker.Config{
		IdleTimeout:   cfg.Broker.IdleTimeout,
		SweepInterval: cfg.Broker.SweepInterval,
		OpenTimeout:   cfg.Broker.OpenTimeout,
		EventBuffer:   cfg.Broker.EventBuffer,
		Breaker:       breaker,
		Users:         users,
		Metrics:       metrics,
	})

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), &level, b)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv.Handler(b))
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).WithStats(b.Stats).Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		return shutdown(httpSrv, srv, b, otelShutdown)
	})

	slog.Info("server ready", "addr", cfg.Server.ListenAddr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown stops accepting requests, closes client sockets and then every
// upstream session.
func shutdown(httpSrv *http.Server, srv *transport.Server, b *broker.Broker, otelShutdown func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := b.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := otelShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func applyReload(d config.ConfigDiff, level *slog.LevelVar, b *broker.Broker) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.IdleTimeoutChanged {
		b.SetIdleTimeout(d.NewIdleTimeout)
		slog.Info("idle timeout changed", "idle_timeout", d.NewIdleTimeout)
	}
	if d.SweepIntervalChanged {
		b.SetSweepInterval(d.NewSweepInterval)
		slog.Info("sweep interval changed", "sweep_interval", d.NewSweepInterval)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "settings", d.RestartRequired)
	}
}

func printStartupSummary(cfg *config.Config) {
	users := "(any key)"
	if cfg.Store.PostgresDSN != "" {
		users = "postgres"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       livescribe startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Upstream", upstreamLabel(cfg.Upstream))
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Idle timeout", cfg.Broker.IdleTimeout.String())
	printRow("Sweep every", cfg.Broker.SweepInterval.String())
	printRow("Users", users)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func upstreamLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
