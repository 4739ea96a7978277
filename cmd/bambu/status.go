package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/bambu-mqtt/internal/api"
	"github.com/nugget/bambu-mqtt/internal/httpkit"
)

// runStatus handles "bambu status [url]": fetch /health from a running
// serve instance. Without a URL the address comes from the listen
// section of the config.
func runStatus(ctx context.Context, stdout, stderr io.Writer, configPath, target, outputFmt string) error {
	logger := newLogger(stderr, slog.LevelError, "text")

	if target == "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		logger = configuredLogger(stderr, cfg)
		if cfg.Listen.Port == 0 {
			return fmt.Errorf("status API is disabled (listen.port is 0)")
		}
		host := cfg.Listen.Address
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		target = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Listen.Port))
	}

	client := httpkit.NewClient(
		httpkit.WithTimeout(5*time.Second),
		httpkit.WithRetry(2, 500*time.Millisecond, logger),
	)

	var health api.HealthResponse
	_, err := httpkit.GetJSON(ctx, client, strings.TrimSuffix(target, "/")+"/health", &health)
	if health.Status == "" && err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(health); encErr != nil {
			return encErr
		}
	} else {
		printHealth(stdout, health)
	}

	if health.Status != "healthy" {
		return fmt.Errorf("bambu is %s", health.Status)
	}
	return nil
}

func printHealth(w io.Writer, h api.HealthResponse) {
	fmt.Fprintf(w, "status: %s (up %s)\n", h.Status, h.Uptime)
	names := make([]string, 0, len(h.Services))
	for name := range h.Services {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		s := h.Services[name]
		state := "ready"
		if !s.Ready {
			state = "down"
		}
		line := fmt.Sprintf("  %-8s %s", name+":", state)
		if s.LastError != "" {
			line += " (" + s.LastError + ")"
		}
		fmt.Fprintln(w, line)
	}
}
