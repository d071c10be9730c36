// Package commands implements the nebulardma subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulardma/internal/config"
	"github.com/piwi3910/nebulardma/internal/health"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/metrics"
	"github.com/piwi3910/nebulardma/internal/session"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// globals are the flags every subcommand shares.
type globals struct {
	configPath string
	debug      bool
	opts       config.Options
}

var flags globals

// AddGlobalFlags registers the shared flags on the root command.
func AddGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()

	pf.StringVar(&flags.configPath, "config", "", "Path to configuration file")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&flags.opts.SessionID, "session-id", "", "Session id (default: random uuid)")
	pf.StringVar(&flags.opts.MasterIP, "master-ip", "", "Address of the accepting peer")
	pf.IntVar(&flags.opts.TCPPort, "tcp-port", 0, "Handshake port (default 2020)")
	pf.StringVar(&flags.opts.Backend, "backend", "", "Verbs backend: simulated or hardware")
	pf.StringVar(&flags.opts.Device, "device", "", "RDMA device name")
	pf.StringVar(&flags.opts.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
}

// loadConfig resolves the configuration for role and sets up logging.
func loadConfig(role string) (*config.Config, error) {
	opts := flags.opts
	opts.Role = role

	cfg, err := config.Load(flags.configPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel, flags.debug)

	return cfg, nil
}

func setupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if debug {
		if lvl > zerolog.DebugLevel {
			lvl = zerolog.DebugLevel
		}

		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(lvl)
}

// newManager opens the configured verbs backend.
func newManager(cfg *config.Config) (*device.Manager, error) {
	if cfg.Backend == config.BackendHardware {
		backend, err := verbs.NewHardwareBackend()
		if err != nil {
			return nil, err
		}

		return device.NewManager(backend), nil
	}

	return device.NewManager(verbs.NewSimulatedBackend()), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// metricsRouter serves Prometheus metrics and the health probes of checker.
func metricsRouter(checker *health.Checker) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h := health.NewHandler(checker)
	r.Get("/healthz", h.LivenessHandler)
	r.Get("/readyz", h.ReadinessHandler)
	r.Get("/health", h.DetailedHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// startMetrics serves metricsRouter until ctx ends, when enabled. Sessions
// registered on the returned checker show up in the health probes.
func startMetrics(ctx context.Context, cfg *config.Config) *health.Checker {
	checker := health.NewChecker(health.DefaultCacheTTL)

	if !cfg.Metrics.Enabled {
		return checker
	}

	metrics.Init()

	srv := &http.Server{
		Addr:         cfg.Metrics.Address,
		Handler:      metricsRouter(checker),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Metrics server listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	return checker
}

// runSession drives s through its whole lifecycle and closes it.
func runSession(ctx context.Context, s *session.Session) (err error) {
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	if err := s.Init(ctx); err != nil {
		return err
	}

	if err := s.Connect(ctx); err != nil {
		return err
	}

	return s.Run(ctx)
}
