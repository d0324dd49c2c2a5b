// coapstackd runs one or more declarative CoAP/UDP/IPv6 client sessions
// against constrained peers, terminating Ethernet frames on a configured
// link driver (internal/link).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgenet6/coapstack/internal/config"
	"github.com/edgenet6/coapstack/internal/link"
	"github.com/edgenet6/coapstack/internal/metrics"
	"github.com/edgenet6/coapstack/internal/netstack"
	"github.com/edgenet6/coapstack/internal/session"
	"github.com/edgenet6/coapstack/internal/statusapi"
	appversion "github.com/edgenet6/coapstack/internal/version"
)

// shutdownTimeout bounds how long the HTTP servers are given to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// defaultPollInterval is used for any session whose config.SessionConfig
// leaves PollInterval unset.
const defaultPollInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("coapstackd starting",
		slog.String("version", appversion.Version),
		slog.String("status_api_addr", cfg.StatusAPI.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("link_driver", cfg.Link.Driver),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	statusReg := statusapi.NewRegistry()

	driver, closeDriver, err := link.Build(cfg.Link)
	if err != nil {
		logger.Error("failed to build link driver", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := closeDriver(); err != nil {
			logger.Warn("failed to close link driver", slog.String("error", err.Error()))
		}
	}()

	if err := runServers(cfg, driver, collector, statusReg, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("coapstackd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("coapstackd stopped")
	return 0
}

// runServers builds every declarative session, runs one poll loop per
// session plus the status-API and metrics HTTP servers, all supervised
// by one errgroup keyed off a signal-aware context.
func runServers(
	cfg *config.Config,
	driver netstack.Driver,
	collector *metrics.Collector,
	statusReg *statusapi.Registry,
	promReg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	sessions := newSessionRunner(driver, cfg.Link.Driver, collector, statusReg, logger)
	sessions.reconcile(cfg.Sessions)
	sessions.startAll(gCtx, g)

	startHTTPServers(gCtx, g, cfg, statusReg, promReg, logger)
	startSIGHUPHandler(gCtx, g, configPath, logLevel, sessions, logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the status-API and Prometheus metrics HTTP
// server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	statusReg *statusapi.Registry,
	promReg *prometheus.Registry,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	statusSrv := &http.Server{
		Addr:              cfg.StatusAPI.Addr,
		Handler:           statusapi.LoggingMiddleware(logger)(statusapi.RecoveryMiddleware(logger)(statusapi.Handler(statusReg))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("status API listening", slog.String("addr", cfg.StatusAPI.Addr))
		return listenAndServe(ctx, &lc, statusSrv, cfg.StatusAPI.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return statusSrv.Shutdown(shutdownCtx)
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
}

// listenAndServe creates a listener via lc (for noctx compliance) and
// serves until shutdown.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// startSIGHUPHandler reloads configuration and reconciles the running
// sessions on SIGHUP.
func startSIGHUPHandler(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	sessions *sessionRunner,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading configuration")
				newCfg, err := loadConfig(configPath)
				if err != nil {
					logger.Error("failed to reload configuration, keeping current settings",
						slog.String("error", err.Error()))
					continue
				}
				logLevel.Set(config.ParseLogLevel(newCfg.Log.Level))
				sessions.reconcile(newCfg.Sessions)
				sessions.startAll(ctx, g)
			}
		}
	})
}

// gracefulShutdown logs the start of shutdown; HTTP server draining and
// session loop cancellation happen via the already-cancelled context
// each goroutine watches.
func gracefulShutdown(ctx context.Context, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")
	return nil
}

// loadConfig loads configuration from a file path, or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel builds a structured logger using a shared LevelVar
// for dynamic log level changes on SIGHUP, rotating to disk via
// lumberjack when cfg.File is set.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var writer io.Writer = os.Stdout
	if cfg.File != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler)
}

// sessionRunner tracks the running poll-loop goroutines for the
// currently configured sessions, diffed by
// config.SessionConfig.SessionKey on SIGHUP.
type sessionRunner struct {
	driver     netstack.Driver
	linkDriver string
	collector  *metrics.Collector
	statusReg  *statusapi.Registry
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	configs map[string]config.SessionConfig
}

func newSessionRunner(driver netstack.Driver, linkDriver string, collector *metrics.Collector, statusReg *statusapi.Registry, logger *slog.Logger) *sessionRunner {
	return &sessionRunner{
		driver:     driver,
		linkDriver: linkDriver,
		collector:  collector,
		statusReg:  statusReg,
		logger:     logger,
		running:    make(map[string]context.CancelFunc),
		configs:    make(map[string]config.SessionConfig),
	}
}

// reconcile diffs desired against the currently running set: sessions no
// longer present are stopped, new ones are recorded for startAll to pick
// up. Changed sessions (same key, different settings) are restarted.
func (r *sessionRunner) reconcile(desired []config.SessionConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]struct{}, len(desired))
	for _, sc := range desired {
		key := sc.SessionKey()
		keep[key] = struct{}{}
		if old, ok := r.configs[key]; ok && old == sc {
			continue
		}
		if cancel, ok := r.running[key]; ok {
			cancel()
			delete(r.running, key)
		}
		r.configs[key] = sc
	}

	for key, cancel := range r.running {
		if _, ok := keep[key]; !ok {
			cancel()
			delete(r.running, key)
			delete(r.configs, key)
		}
	}
}

// startAll launches a poll-loop goroutine for every configured session
// that does not already have one running.
func (r *sessionRunner) startAll(ctx context.Context, g *errgroup.Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, sc := range r.configs {
		if _, running := r.running[key]; running {
			continue
		}
		sessCtx, cancel := context.WithCancel(ctx)
		r.running[key] = cancel
		sc := sc
		g.Go(func() error {
			r.runSession(sessCtx, sc)
			return nil
		})
	}
}

// runSession builds one stack instance and runs exchanges against it on
// a fixed interval until sessCtx is cancelled.
func (r *sessionRunner) runSession(sessCtx context.Context, sc config.SessionConfig) {
	r.collector.RegisterSession(sc.Name)
	defer r.collector.UnregisterSession(sc.Name)

	stack, err := session.Build(r.driver, sc, r.collector)
	if err != nil {
		r.logger.Error("failed to build session",
			slog.String("session", sc.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	interval := sc.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	retryLimit := int(sc.RetryLimit)

	r.logger.Info("session started",
		slog.String("session", sc.Name),
		slog.String("peer_addr", sc.PeerAddr),
		slog.Duration("poll_interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.exchangeOnce(sc, stack, retryLimit)
	for {
		select {
		case <-sessCtx.Done():
			r.logger.Info("session stopped", slog.String("session", sc.Name))
			return
		case <-ticker.C:
			r.exchangeOnce(sc, stack, retryLimit)
		}
	}
}

func (r *sessionRunner) exchangeOnce(sc config.SessionConfig, stack session.Stack, retryLimit int) {
	result, err := session.RunExchange(sc.Name, r.linkDriver, stack, nil, retryLimit, r.collector, r.statusReg)
	if err != nil {
		r.logger.Warn("exchange failed",
			slog.String("session", sc.Name),
			slog.String("status", result.Status.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("exchange completed",
		slog.String("session", sc.Name),
		slog.String("status", result.Status.String()),
		slog.Int("response_code", int(result.ResponseCode)),
	)
}
