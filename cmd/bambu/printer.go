package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/nugget/bambu-mqtt/internal/printer"
)

// probeResult is the -o json output of bambu probe.
type probeResult struct {
	Serial    string `json:"serial"`
	Host      string `json:"host"`
	Reachable bool   `json:"reachable"`
}

// runProbe handles "bambu probe": connect, wait for one report, and
// disconnect. An unreachable printer is reported as an error so the
// process exits non-zero.
func runProbe(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	client := printer.NewClient(printerConfig(cfg), logger)
	res := probeResult{
		Serial:    cfg.Printer.Serial,
		Host:      cfg.Printer.Host,
		Reachable: client.TryConnection(ctx),
	}

	if outputFmt == "json" {
		if err := json.NewEncoder(stdout).Encode(res); err != nil {
			return err
		}
	} else if res.Reachable {
		fmt.Fprintf(stdout, "printer %s at %s is reachable\n", res.Serial, res.Host)
	}

	if !res.Reachable {
		return fmt.Errorf("printer %s at %s did not report within %s", res.Serial, res.Host, printer.ProbeTimeout)
	}
	return nil
}

// runWatch handles "bambu watch": stay connected and report every merged
// update until SIGINT/SIGTERM. With -o json each update is written to
// stdout as one line holding the full device state.
func runWatch(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	logger.Info("config loaded", "path", cfgPath, "printer", cfg.Printer.Serial, "host", cfg.Printer.Host)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	enc := json.NewEncoder(stdout)
	cb := func(d *printer.Device) {
		if outputFmt == "json" {
			if err := enc.Encode(d); err != nil {
				logger.Warn("write update failed", "error", err)
			}
			return
		}
		logger.Info("printer update",
			"updates", d.Updates(),
			"fields", d.Len(),
			"gcode_state", d.String("gcode_state", "unknown"),
		)
	}

	client := printer.NewClient(printerConfig(cfg), logger)
	if err := client.Connect(ctx, cb); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("stopping watch")

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stopCancel()
	return client.Disconnect(stopCtx)
}
