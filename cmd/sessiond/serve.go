package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/api"
	"github.com/coopco/sessiond/internal/bus"
	"github.com/coopco/sessiond/internal/config"
	"github.com/coopco/sessiond/internal/cron"
	"github.com/coopco/sessiond/internal/dispatch"
	"github.com/coopco/sessiond/internal/metrics"
	"github.com/coopco/sessiond/internal/pairing"
	"github.com/coopco/sessiond/internal/session"
)

var autoStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&autoStart, "autostart", true, "Start the session as soon as the daemon is up")
}

func serve(ctx context.Context, cfg *config.Config) error {
	identity := access.Identity{User: cfg.Identity.User, UserID: cfg.Identity.UserID}
	guard := access.NewGuard(identity)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewRecorder(cfg.Gateway.MetricsNamespace, reg)
	if err != nil {
		return err
	}

	notifications := bus.NewNotificationBus(0)
	defer notifications.Close()
	rec.Attach(notifications)

	qr := pairing.NewEmitter(cfg.Pairing.Path, cfg.Pairing.Size)
	mgr, err := session.NewManager(session.Config{
		Network:              cfg.Session.Network,
		NetworkConfig:        cfg.NetworkConfig(),
		Identity:             identity,
		DataDir:              cfg.Session.DataDir,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Session.ReconnectDelayDuration(),
		SettleDelay:          cfg.Session.SettleDelayDuration(),
		ConnectTimeout:       cfg.Session.ConnectTimeoutDuration(),
	}, session.Deps{Bus: notifications, Pairing: qr, Metrics: rec})
	if err != nil {
		return err
	}
	defer mgr.Close()

	dispatcher := dispatch.NewDispatcher(guard, mgr,
		dispatch.NewMediaResolver(cfg.Dispatch.MediaDir, cfg.Dispatch.MaxMediaBytes),
		dispatch.Options{ItemTimeout: cfg.Dispatch.ItemTimeoutDuration(), Metrics: rec})

	opts := api.Options{
		PairingPath: qr.Path(),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if cfg.Schedules.Enabled {
		sched := cron.NewService(cfg.Schedules.Store, dispatcher, identity, cfg.Schedules.TimeoutDuration())
		if err := sched.LoadFromDisk(); err != nil {
			slog.Warn("serve: schedules not restored", "error", err)
		}
		sched.Start()
		defer sched.Stop()
		opts.Schedules = sched
	}

	hub := api.NewHub(notifications)
	defer hub.Close()
	srv := api.NewServer(mgr, session.NewQuery(guard, mgr), dispatcher, guard, hub, opts)

	errCh := make(chan error, 1)
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	go func() { errCh <- srv.ListenAndServe(addr) }()

	slog.Info("serve: sessiond running", "network", cfg.Session.Network, "identity", identity.String(), "addr", addr)
	if autoStart {
		go func() {
			res, err := mgr.Start(ctx)
			if err != nil {
				slog.Error("serve: initial start failed", "error", err)
				return
			}
			slog.Info("serve: initial start", "result", res)
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("serve: shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("serve: http shutdown", "error", err)
	}
	return nil
}
