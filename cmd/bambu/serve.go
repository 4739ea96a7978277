package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/bambu-mqtt/internal/api"
	"github.com/nugget/bambu-mqtt/internal/buildinfo"
	"github.com/nugget/bambu-mqtt/internal/connwatch"
	"github.com/nugget/bambu-mqtt/internal/hamqtt"
	"github.com/nugget/bambu-mqtt/internal/opstate"
	"github.com/nugget/bambu-mqtt/internal/printer"
)

const (
	shutdownTimeout   = 5 * time.Second
	awaitTimeout      = 2 * time.Second
	stateSaveInterval = 30 * time.Second
	stateDBName       = "bambu.db"
)

// runServe handles "bambu serve": keep a printer session open, bridge
// it to Home Assistant when mqtt is configured, and serve the status
// API when listen.port is set. It returns after SIGINT/SIGTERM once
// every component has shut down.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting bambu", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"printer", cfg.Printer.Serial,
		"host", cfg.Printer.Host,
		"tls", cfg.Printer.UseTLS(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	client := printer.NewClient(printerConfig(cfg), logger)

	// --- Last-known state ---
	dbPath := filepath.Join(cfg.DataDir, stateDBName)
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()

	if fields, at, err := store.LoadDevice(cfg.Printer.Serial); err != nil {
		logger.Warn("saved device state unreadable, starting empty", "error", err)
	} else if client.Device().Restore(fields, at) {
		logger.Info("restored last-known device state", "fields", len(fields), "saved_at", at)
	}

	// Everything that can fail runs before any goroutine starts, so an
	// early return leaves nothing behind that still uses the store.

	// --- Home Assistant bridge ---
	var bridge *hamqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := hamqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)
		bridge = hamqtt.New(cfg.MQTT, cfg.Printer.Serial, instanceID, client.Device(), logger)
	}

	var server *api.Server
	if cfg.Listen.Port > 0 {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, client.Device(), client.Connected, connMgr, logger)
	}

	// --- Printer ---
	onUpdate := func(*printer.Device) {
		if bridge != nil {
			bridge.Notify()
		}
		if server != nil {
			server.Notify()
		}
	}
	if err := client.Connect(ctx, onUpdate); err != nil {
		return err
	}
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "printer",
		Probe:   awaitProbe(client.AwaitConnection),
		Backoff: connwatch.DefaultBackoffConfig(),
		OnDown: func(err error) {
			logger.Warn("printer unreachable, state is stale", "error", err)
		},
	})

	var wg sync.WaitGroup
	keeper := opstate.NewKeeper(store, cfg.Printer.Serial, client.Device(), stateSaveInterval, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		keeper.Run(ctx)
	}()

	if bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mqtt",
			Probe:   awaitProbe(bridge.AwaitConnection),
			Backoff: connwatch.DefaultBackoffConfig(),
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"sensors", len(cfg.MQTT.Sensors),
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Status API ---
	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("API server failed", "error", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}
	if err := client.Disconnect(shutdownCtx); err != nil {
		logger.Error("printer disconnect failed", "error", err)
	}
	wg.Wait()

	logger.Info("bambu stopped")
	return nil
}

// awaitProbe adapts an AwaitConnection method to a connwatch probe. The
// MQTT clients reconnect by themselves, so the probe only asks whether
// the session is currently up.
func awaitProbe(await func(context.Context) error) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		awaitCtx, cancel := context.WithTimeout(ctx, awaitTimeout)
		defer cancel()
		return await(awaitCtx)
	}
}
