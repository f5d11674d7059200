// Command telemetryd is the classroom telemetry server. It loads a YAML
// configuration file, opens the Merkle log store, starts the websocket
// event-ingestion pipeline, exposes a REST API for stream inspection, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arglab/telemetry/internal/auth"
	"github.com/arglab/telemetry/internal/blacklist"
	"github.com/arglab/telemetry/internal/config"
	"github.com/arglab/telemetry/internal/decoder"
	"github.com/arglab/telemetry/internal/merkle"
	"github.com/arglab/telemetry/internal/observability"
	"github.com/arglab/telemetry/internal/pipeline"
	"github.com/arglab/telemetry/internal/reducer"
	"github.com/arglab/telemetry/internal/streamstore"
	"github.com/arglab/telemetry/internal/transport"
)

func main() {
	var configPath, otlpEndpoint string
	flag.StringVar(&configPath, "config", "/etc/telemetryd/config.yaml", "path to the YAML config file")
	flag.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace collector endpoint (empty disables export)")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetryd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("telemetryd starting", slog.String("listen_addr", cfg.ListenAddr), slog.String("merkle_store", cfg.Merkle.Store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.Setup(ctx, "telemetryd", otlpEndpoint)
	if err != nil {
		logger.Error("failed to set up observability", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown error", slog.Any("error", err))
		}
	}()

	// ── Stream storage ──────────────────────────────────────────────────────
	store, closeStore, err := buildStore(ctx, cfg.Merkle)
	if err != nil {
		logger.Error("failed to build stream store", slog.Any("error", err))
		os.Exit(1)
	}
	if closeStore != nil {
		defer closeStore()
	}

	engine := merkle.New(store, cfg.Categories)
	async := merkle.NewAsync(engine, cfg.Merkle.Workers)
	defer async.Close()

	// ── Auth resolver ────────────────────────────────────────────────────────
	resolver, err := buildAuthResolver(cfg.Auth)
	if err != nil {
		logger.Error("failed to build auth resolver", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Blacklist evaluator ──────────────────────────────────────────────────
	rules := blacklist.DefaultRules
	if len(cfg.Blacklist.Rules) > 0 {
		rules = toBlacklistRules(cfg.Blacklist.Rules)
	}
	evaluator, err := blacklist.New(rules)
	if err != nil {
		logger.Error("failed to build blacklist evaluator", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Reducer dispatcher ───────────────────────────────────────────────────
	catalog := reducer.NewCatalog()
	dispatcher := &reducer.Dispatcher{
		Catalog:      catalog,
		Adapter:      reducer.IdentityAdapter,
		Logger:       logger,
		ErrorCounter: obs.Counters.ReducerErrors,
	}

	// ── Pipeline composer ────────────────────────────────────────────────────
	composer, err := pipeline.NewComposer(pipeline.Deps{
		AuthResolver:    resolver,
		Blacklist:       evaluator,
		ReducerCatalog:  catalog,
		DedupCapacity:   cfg.DedupCapacity,
		Logger:          logger,
		DedupDrops:      obs.Counters.DedupDrops,
		BlacklistDenies: obs.Counters.BlacklistDenies,
		UpdateHandler:   pipeline.BuildUpdateHandler(dispatcher),
	})
	if err != nil {
		logger.Error("failed to build pipeline composer", slog.Any("error", err))
		os.Exit(1)
	}

	newDecoder := func() decoder.Logger {
		if cfg.LegacyLogDir != "" {
			l, err := decoder.NewLegacyLogger(cfg.LegacyLogDir, time.Now().UTC().Format("20060102T150405"), "-", "-")
			if err != nil {
				logger.Error("failed to open legacy logger; falling back to merkle", slog.Any("error", err))
			} else {
				return l
			}
		}
		return decoder.NewMerkleLogger(async, nil, logger)
	}

	wsHandler := transport.NewWSHandler(composer, newDecoder, logger, 10*time.Second)
	restRouter := transport.NewRouter(&transport.API{Store: store, Engine: engine})

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", restRouter)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      otelhttp.NewHandler(mux, "telemetryd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("telemetryd listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("telemetryd exited cleanly")
}

// buildStore constructs the configured stream-storage backend and an
// optional close function to release it.
func buildStore(ctx context.Context, cfg config.MerkleConfig) (streamstore.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return streamstore.NewMemory(), nil, nil
	case "filesystem":
		fs, err := streamstore.NewFilesystem(cfg.Dir, cfg.IndexPath)
		if err != nil {
			return nil, nil, fmt.Errorf("build filesystem store: %w", err)
		}
		return fs, nil, nil
	case "postgres":
		pg, err := streamstore.NewPostgres(ctx, cfg.ConnString)
		if err != nil {
			return nil, nil, fmt.Errorf("build postgres store: %w", err)
		}
		return pg, func() { pg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown merkle.store %q", cfg.Store)
	}
}

// buildAuthResolver constructs the configured auth resolver.
func buildAuthResolver(cfg config.AuthConfig) (auth.Resolver, error) {
	switch cfg.Mode {
	case "fixture":
		return auth.FixtureResolver{}, nil
	case "jwt":
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		return auth.NewJWTResolver(pubKey), nil
	default:
		return nil, fmt.Errorf("unknown auth.mode %q", cfg.Mode)
	}
}

// toBlacklistRules converts the YAML-friendly config shape into
// blacklist.Rule.
func toBlacklistRules(rules []config.BlacklistRule) []blacklist.Rule {
	out := make([]blacklist.Rule, len(rules))
	for i, r := range rules {
		patterns := make([]blacklist.Pattern, len(r.Patterns))
		for j, p := range r.Patterns {
			patterns[j] = blacklist.Pattern{Field: p.Field, Patterns: p.Patterns}
		}
		out[i] = blacklist.Rule{Action: blacklist.Action(r.Action), Priority: r.Priority, Patterns: patterns}
	}
	return out
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
