package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/pulse/internal/audit"
	"github.com/fentz26/pulse/internal/config"
	"github.com/fentz26/pulse/internal/controlplane"
	"github.com/fentz26/pulse/internal/events"
	"github.com/fentz26/pulse/internal/logging"
	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/netmon"
	"github.com/fentz26/pulse/internal/offline"
	"github.com/fentz26/pulse/internal/remote"
	"github.com/fentz26/pulse/internal/scheduler"
	"github.com/fentz26/pulse/internal/sources"
	"github.com/fentz26/pulse/internal/store"
	"github.com/fentz26/pulse/internal/syncer"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Pulse daemon",
	Long:  `Starts the Pulse daemon: connectivity monitor, sync orchestrator, background scheduler and the local HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	return config.LoadConfigFromHome()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Daemon.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	logger.Info("starting pulse daemon", "version", Version, "db", cfg.Store.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database")
		if err := s.Close(); err != nil {
			logger.Error("database close failed", "err", err)
		}
	}()

	hub := events.NewHub(logger.With("component", "events"))
	defer hub.Close()
	journal := audit.NewJournal(s, logger)
	client := remote.New(cfg.API.BaseURL, cfg.API.Timeout, remote.WithToken(cfg.API.Token))

	// Connectivity
	monOpts := []netmon.Option{
		netmon.WithInterval(cfg.Network.ProbeInterval),
		netmon.WithProbeTimeout(cfg.Network.ProbeTimeout),
		netmon.WithLogger(logger.With("component", "netmon")),
	}
	if cfg.Network.WatchPath != "" {
		src := netmon.NewFileChangeSource(cfg.Network.WatchPath)
		src.Logger = logger.With("component", "netmon")
		monOpts = append(monOpts, netmon.WithChangeSource(src))
	}
	mon := netmon.New(ctx, netmon.NewHTTPProber(cfg.API.BaseURL), monOpts...)
	unsubscribeEvents := mon.Subscribe(func(state models.NetworkState) error {
		hub.Broadcast(events.NetworkChanged, state)
		return nil
	})
	defer unsubscribeEvents()

	// Sync
	sy, err := syncer.New(s, client, mon,
		syncer.WithMaxAttempts(cfg.Sync.MaxAttempts),
		syncer.WithPublisher(hub),
		syncer.WithJournal(journal),
		syncer.WithLogger(logger.With("component", "syncer")),
	)
	if err != nil {
		return err
	}
	unwatch := sy.WatchConnectivity(ctx, mon)
	defer unwatch()

	svcOffline := offline.New(s, sy, mon,
		offline.WithJournal(journal),
		offline.WithLogger(logger.With("component", "offline")),
	)

	// Sources
	signer, err := sources.NewStateSigner([]byte(cfg.OAuth.StateSecret), cfg.OAuth.StateTTL)
	if err != nil {
		return err
	}
	if cfg.OAuth.StateSecret == "" {
		logger.Warn("oauth.state_secret not set; pending authorizations will not survive a restart")
	}
	registry := sources.NewRegistry(s, client, signer,
		sources.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		sources.WithPublisher(hub),
		sources.WithJournal(journal),
		sources.WithLogger(logger.With("component", "sources")),
	)
	for _, a := range sources.Builtins(cfg.OAuth, client) {
		if err := registry.Register(a); err != nil {
			return err
		}
	}

	// Scheduler
	interval, err := scheduler.ParseInterval(cfg.Scheduler.Interval)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(sy, s, interval,
		scheduler.WithRefresher(registry),
		scheduler.WithLogger(logger.With("component", "scheduler")),
	)
	if err != nil {
		return err
	}

	service := controlplane.NewService(controlplane.Deps{
		Store:      s,
		Offline:    svcOffline,
		Syncer:     sy,
		Sources:    registry,
		Scheduler:  sched,
		Network:    mon,
		StaleAfter: cfg.Sync.StaleAfter,
		Version:    Version,
	})
	server := controlplane.NewServer(service, cfg.Daemon.Listen,
		controlplane.WithEvents(hub),
		controlplane.WithServerLogger(logger.With("component", "api")),
	)

	ln, err := net.Listen("tcp", cfg.Daemon.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Daemon.Listen, err)
	}

	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Drain whatever was queued while the daemon was down.
		if mon.State().IsConnected {
			if _, err := sy.SyncNow(gctx); err != nil {
				logger.Warn("startup sync failed", "err", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
