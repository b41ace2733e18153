package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lockstepd/lockstep/internal/api"
	"github.com/lockstepd/lockstep/internal/config"
	"github.com/lockstepd/lockstep/internal/health"
	"github.com/lockstepd/lockstep/internal/logging"
	"github.com/lockstepd/lockstep/internal/logring"
	"github.com/lockstepd/lockstep/internal/metrics"
	"github.com/lockstepd/lockstep/internal/playsync"
	"github.com/lockstepd/lockstep/internal/security"
	"github.com/lockstepd/lockstep/internal/token"

	"golang.org/x/time/rate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lockstepd",
		Short: "Shared playback position synchronization daemon",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the synchronization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lockstepd %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Admin: %s\n", cfg.Admin.ListenAddress)
			fmt.Printf("  Force window: %s\n", cfg.Sync.ForceWindow)
			fmt.Printf("  Signing key set: %v\n", cfg.Token.SignKey != "")
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:3002/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	var ring *logring.Ring
	if cfg.Logging.RingSize > 0 {
		ring = logring.NewRing(cfg.Logging.RingSize)
	}
	lj := logging.Setup(cfg.Logging, ring)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting lockstepd",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"admin", cfg.Admin.ListenAddress,
		"force_window", cfg.Sync.ForceWindow.String(),
	)

	clock := clockwork.NewRealClock()
	registry := playsync.NewRegistry(clock)
	engine := playsync.NewEngine(clock, cfg.Sync.ForceWindow)

	// Without a signing key every token operation fails closed; the
	// daemon still boots so the admin surface stays reachable.
	var codec *token.Codec
	if cfg.Token.SignKey != "" {
		codec, err = token.NewCodec([]byte(cfg.Token.SignKey), cfg.Token.Issuer, cfg.Token.TTL)
		if err != nil {
			return fmt.Errorf("creating token codec: %w", err)
		}
	} else {
		slog.Warn("no signing key configured, token operations will fail", "env", config.SignKeyEnv)
	}

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.RequestsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.RequestsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"requests_per_minute", cfg.Security.RateLimit.RequestsPerMinute,
		)
	}

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	apiHandler := api.New(api.Dependencies{
		Registry:    registry,
		Engine:      engine,
		Codec:       codec,
		RateLimiter: rl,
		Metrics:     m,
		PushBuffer:  cfg.Sync.PushBuffer,
		MaxBodySize: cfg.Server.MaxBodySize,
		StartTime:   time.Now(),
	})

	// No WriteTimeout: sync streams stay open indefinitely.
	apiServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           apiHandler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminMux := http.NewServeMux()
		adminMux.Handle(cfg.Admin.HealthEndpoint,
			health.NewHandler(registry, Version, cfg.Admin.Detailed, codec != nil))
		if cfg.Monitoring.MetricsEnabled {
			adminMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		if ring != nil {
			adminMux.Handle("/logs", health.LogsHandler(ring))
		}
		adminServer = &http.Server{
			Addr:              cfg.Admin.ListenAddress,
			Handler:           adminMux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
	}

	if adminServer != nil {
		go func() {
			slog.Info("admin endpoint listening", "address", cfg.Admin.ListenAddress)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("admin server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("api listening", "address", cfg.Server.ListenAddress)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat (every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg = cfg.ApplyReloadableFields(newCfg)
			engine.SetForceWindow(cfg.Sync.ForceWindow)

			if cfg.Security.RateLimit.Enabled && rl != nil {
				r := rate.Limit(float64(cfg.Security.RateLimit.RequestsPerMinute) / 60.0)
				rl.UpdateRate(r, cfg.Security.RateLimit.RequestsPerMinute)
			}

			logging.Setup(cfg.Logging, ring)
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if adminServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					adminServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				apiServer.Shutdown(ctx)
			}()
			wg.Wait()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=lockstepd - Shared playback synchronization service
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=lockstepd
Group=lockstepd
EnvironmentFile=/etc/lockstepd/secret.env
ExecStartPre=/usr/local/bin/lockstepd validate --config /etc/lockstepd/config.yaml
ExecStart=/usr/local/bin/lockstepd start --config /etc/lockstepd/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/lockstepd
LogsDirectory=lockstepd
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=lockstepd

[Install]
WantedBy=multi-user.target
`)
}
