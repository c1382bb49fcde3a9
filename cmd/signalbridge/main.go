package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/krishimitra/signalbridge/internal/api"
	"github.com/krishimitra/signalbridge/internal/config"
	"github.com/krishimitra/signalbridge/internal/gateway"
	"github.com/krishimitra/signalbridge/internal/health"
	"github.com/krishimitra/signalbridge/internal/ledger"
	"github.com/krishimitra/signalbridge/internal/logging"
	"github.com/krishimitra/signalbridge/internal/metrics"
	"github.com/krishimitra/signalbridge/internal/registry"
	"github.com/krishimitra/signalbridge/internal/security"
	"github.com/krishimitra/signalbridge/internal/signaling"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signalbridge",
		Short: "Signaling and session coordinator for farmer/expert consultations",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the signaling server",
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
			fmt.Printf("signalbridge %s\n", Version)
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
			fmt.Printf("  Listen: %s%s\n", cfg.Server.ListenAddress, cfg.Server.Path)
			fmt.Printf("  ICE servers: %d\n", len(cfg.WebRTC.ICEServers))
			if cfg.API.Enabled {
				fmt.Printf("  Request API: %s\n", cfg.API.ListenAddress)
			}
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Auth token: %v\n", cfg.Security.AuthToken != "")
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
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

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

	var logFile io.Closer
	if lj := logging.Setup(cfg.Logging); lj != nil {
		logFile = lj
	}
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()

	slog.Info("starting signalbridge",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"path", cfg.Server.Path,
		"health", cfg.Health.ListenAddress,
	)

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	networks, err := security.NewNetworkAllowlist(cfg.Security.AllowedNetworks)
	if err != nil {
		return fmt.Errorf("parsing allowed networks: %w", err)
	}

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		rl = security.NewRateLimiter(security.PerMinute(cfg.Security.RateLimit.ConnectionsPerMinute))
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
			"messages_per_second", cfg.Security.RateLimit.MessagesPerSecond,
		)
	}

	conns := registry.New(registry.Options{
		QueueSize:    cfg.Server.SendQueueSize,
		WriteTimeout: cfg.Server.WriteTimeout,
		Metrics:      m,
	})
	requests := ledger.New(m)
	coord := signaling.New(conns, requests, signaling.Options{
		ICEServers:      cfg.WebRTC.Servers(),
		MaxIssueLength:  cfg.API.MaxIssueLength,
		RoomIdleTimeout: cfg.Rooms.IdleTimeout,
		Metrics:         m,
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	handler := gateway.NewHandler(cfg, conns, coord, rl, networks, shutdownCtx)
	handler.Metrics = m

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, handler)
	signalServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(requests, api.Options{
			AuthToken:      func() string { return handler.GetConfig().Security.AuthToken },
			MaxIssueLength: cfg.API.MaxIssueLength,
		})
	}

	var healthHandler *health.Handler
	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthHandler = health.NewHandler(conns, coord.Rooms(), requests, Version, cfg.Health.Detailed)
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		// Metrics endpoint on health listener
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthServer = &http.Server{
			Addr:              cfg.Health.ListenAddress,
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(context.Background())

	if healthServer != nil {
		g.Go(func() error {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			return serve(healthServer.ListenAndServe())
		})
	}
	if apiServer != nil {
		g.Go(func() error {
			return apiServer.Listen(cfg.API.ListenAddress)
		})
	}
	g.Go(func() error {
		slog.Info("signaling listening", "address", cfg.Server.ListenAddress, "tls", cfg.Server.TLS.Enabled)
		if cfg.Server.TLS.Enabled {
			return serve(signalServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
		}
		return serve(signalServer.ListenAndServe())
	})

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Start watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-gctx.Done():
			// A listener failed; shut the rest down and report why.
			slog.Error("server stopped unexpectedly", "error", context.Cause(gctx))
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logFile = reload(configPath, handler, rl, logFile)
				continue
			}
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)
		}
		break
	}

	watchdogCancel()
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if healthHandler != nil {
		healthHandler.SetDraining()
	}
	handler.StartDrain()
	shutdownCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer cancel()

	var sg errgroup.Group
	sg.Go(func() error { return signalServer.Shutdown(ctx) })
	if apiServer != nil {
		sg.Go(func() error { return apiServer.Shutdown(ctx) })
	}
	if healthServer != nil {
		sg.Go(func() error { return healthServer.Shutdown(ctx) })
	}
	if err := sg.Wait(); err != nil {
		slog.Warn("shutdown did not finish cleanly", "error", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// serve treats a graceful close as a clean exit.
func serve(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// reload applies the reloadable fields of the config at configPath.
func reload(configPath string, handler *gateway.Handler, rl *security.RateLimiter, logFile io.Closer) io.Closer {
	slog.Info("received SIGHUP, reloading config")
	current := handler.GetConfig()
	newCfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return logFile
	}

	for _, w := range config.IsReloadSafe(current, newCfg) {
		slog.Warn("config reload warning", "warning", w)
	}

	updated := current.ApplyReloadableFields(newCfg)
	handler.UpdateConfig(updated)

	if updated.Security.RateLimit.Enabled && rl != nil {
		rl.Update(security.PerMinute(updated.Security.RateLimit.ConnectionsPerMinute))
	}

	// Re-setup logging with new level
	next := logging.Setup(updated.Logging)
	if logFile != nil {
		logFile.Close()
	}

	slog.Info("config reloaded successfully")
	if next == nil {
		return nil
	}
	return next
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
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
Description=signalbridge - consultation signaling server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=signalbridge
Group=signalbridge
ExecStartPre=/usr/local/bin/signalbridge validate --config /etc/signalbridge/config.yaml
ExecStart=/usr/local/bin/signalbridge start --config /etc/signalbridge/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/signalbridge
LogsDirectory=signalbridge
StateDirectory=signalbridge
LimitNOFILE=65535
MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=signalbridge

[Install]
WantedBy=multi-user.target
`)
}
