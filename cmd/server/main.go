package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sensei/internal/artifact"
	"sensei/internal/config"
	"sensei/internal/explain"
	"sensei/internal/hints"
	"sensei/internal/limiter"
	"sensei/internal/process"
	"sensei/internal/protocol"
	"sensei/internal/realtime"
	"sensei/internal/session"
	"sensei/internal/stream"
)

func main() {
	configPath := flag.String("config", os.Getenv("SENSEI_CONFIG"), "path to a YAML config file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.Log)

	store, err := artifact.New(cfg.Artifacts.Dir, &logger, artifact.WithPrefix(cfg.Artifacts.Prefix))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open artifact directory")
	}
	if n := store.Sweep(); n > 0 {
		logger.Info().Int("removed", n).Msg("removed stale artifacts")
	}

	toolchains := process.NewRegistry()
	for _, tc := range cfg.Toolchains {
		toolchains.Register(tc)
	}
	supervisor := process.NewSupervisor(process.WithLogger(&logger))

	hintTable := hints.Default
	if cfg.HintsFile != "" {
		if hintTable, err = hints.Load(cfg.HintsFile); err != nil {
			logger.Fatal().Err(err).Msg("failed to load hints")
		}
	}

	var explainer explain.Explainer = explain.Default()
	if cfg.ExplainRulesFile != "" {
		if explainer, err = explain.Load(cfg.ExplainRulesFile); err != nil {
			logger.Fatal().Err(err).Msg("failed to load explain rules")
		}
	}

	coordinator := session.NewCoordinator(store, supervisor, toolchains,
		session.WithLogger(&logger),
		session.WithHints(hintTable),
		session.WithLimits(protocol.Limits{
			MaxSourceBytes: cfg.Limits.MaxSourceBytes,
			MaxLineBytes:   cfg.Limits.MaxLineBytes,
		}),
		session.WithRunTimeout(cfg.Session.RunTimeout()),
		session.WithCompileTimeout(cfg.Session.CompileTimeout()),
		session.WithInputBuffer(cfg.Session.InputBuffer),
		session.WithPumpOptions(stream.WithPollInterval(cfg.Session.PollInterval())),
	)
	sessions := session.NewManager(coordinator, cfg.Session.MaxSessions, &logger)

	rl := limiter.New(limiter.Config{
		GlobalRPS:   cfg.RateLimit.GlobalRPS,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
		PerIPRPS:    cfg.RateLimit.PerIPRPS,
		PerIPBurst:  cfg.RateLimit.PerIPBurst,
		IdleTTL:     cfg.RateLimit.CleanupInterval(),
	})
	rl.StartCleanup(cfg.RateLimit.CleanupInterval())

	rtServer := realtime.New(sessions, explainer,
		realtime.WithLimiter(rl),
		realtime.WithStaticDir(cfg.Server.StaticDir),
		realtime.WithReadLimit(int64(cfg.Limits.MaxSourceBytes)+1024),
		realtime.WithLogger(&logger),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Int("toolchains", len(toolchains.List())).Msg("sensei server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server crashed")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	// Hijacked WebSocket connections are not tracked by the HTTP server, so
	// sessions are stopped explicitly.
	if err := sessions.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("sessions did not stop in time")
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	rl.Stop()
	if n := store.Live(); n > 0 {
		logger.Warn().Int("live", n).Msg("artifacts still allocated at exit")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
