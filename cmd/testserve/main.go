// Command testserve runs the test HTTP server: HTTP/1.1 and HTTP/2
// listeners, a file handler over the configured document root, and the stash
// registry daemon for cross-process test state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albertbausili/testserve/internal/stashd"
	"github.com/albertbausili/testserve/pkg/testserve"
	"github.com/albertbausili/testserve/pkg/testserve/stash"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "testserve:", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local overrides; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg := testserve.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = testserve.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	router := testserve.NewRouter()
	if err := router.Register([]string{testserve.Any}, "/*", &testserve.FileHandler{Root: cfg.DocRoot}); err != nil {
		return err
	}

	// Stash registry daemon. Its address and auth key go into the
	// environment so handler subprocesses can reach it.
	stashPort, err := cfg.FreePort()
	if err != nil {
		return fmt.Errorf("allocate stash port: %w", err)
	}
	stashAddr := net.JoinHostPort(cfg.BindHost(), strconv.Itoa(stashPort))
	authKey := stashd.NewAuthKey()
	daemon := stashd.NewDaemon(stashAddr, authKey, logger)
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start stash daemon: %w", err)
	}
	if err := os.Setenv(stash.EnvVar, stash.EncodeEnv(stashAddr, authKey)); err != nil {
		return err
	}
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "testserve_stash_entries",
		Help: "Entries currently held in the stash registry.",
	}, func() float64 { return float64(daemon.Store().Len()) })
	logger.Info("stash daemon listening", "addr", stashAddr)

	var tlsOpt []testserve.Option
	if cfg.SSL.Type == "pregenerated" {
		tc, err := testserve.LoadTLSConfig(cfg.SSL.CertPath, cfg.SSL.KeyPath)
		if err != nil {
			return err
		}
		tlsOpt = append(tlsOpt, testserve.WithTLSConfig(tc))
	}

	var servers []*testserve.Server
	errCh := make(chan error, 1)
	for scheme, ports := range cfg.Ports {
		secure := scheme == "https" || scheme == "h2"
		if secure && len(tlsOpt) == 0 {
			return fmt.Errorf("scheme %q requires ssl type pregenerated", scheme)
		}
		for _, port := range ports {
			if port == 0 {
				port, err = cfg.FreePort()
				if err != nil {
					return err
				}
			}
			var opts []testserve.Option
			opts = append(opts, testserve.WithLogger(logger))
			if secure {
				opts = append(opts, tlsOpt...)
			}
			srv := testserve.NewServer(cfg, router, opts...)
			servers = append(servers, srv)

			addr := net.JoinHostPort(cfg.BindHost(), strconv.Itoa(port))
			go func(scheme, addr string) {
				logger.Info("listening", "scheme", scheme, "addr", addr)
				if err := srv.ListenAndServe(addr); err != nil {
					errCh <- fmt.Errorf("%s %s: %w", scheme, addr, err)
				}
			}(scheme, addr)
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("listener failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			logger.Warn("server stop", "err", err)
		}
	}
	return daemon.Stop(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
