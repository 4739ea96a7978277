// Bambu talks to the MQTT broker built into a Bambu Lab printer in LAN
// mode. It can check that the printer answers, stream its telemetry, or
// run as a service that republishes the printer to Home Assistant and
// serves its state over HTTP. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bambu probe              Check that the printer is publishing telemetry
//	bambu watch              Stream printer state updates until interrupted
//	bambu serve              Run the bridge and status API
//	bambu status [url]       Query a running serve instance's /health
//	bambu init [dir]         Write an example config.yaml
//	bambu version            Print version and build information
//	bambu -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/bambu-mqtt/internal/buildinfo"
	"github.com/nugget/bambu-mqtt/internal/config"
	"github.com/nugget/bambu-mqtt/internal/printer"
)

// main only wires the OS environment into [run] so the whole command
// can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Command results go to stdout. serve logs
// to stdout as well; the one-shot commands log to stderr so their output
// stays machine readable.
//
// Arguments are parsed by hand rather than with the flag package, whose
// package-level state gets in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "probe":
		return runProbe(ctx, stdout, stderr, configPath, outputFmt)
	case "watch":
		return runWatch(ctx, stdout, stderr, configPath, outputFmt)
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "status":
		target := ""
		if len(cmdArgs) > 0 {
			target = cmdArgs[0]
		}
		return runStatus(ctx, stdout, stderr, configPath, target, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Bambu - LAN MQTT client for Bambu Lab printers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bambu [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  probe         Check that the printer is publishing telemetry")
	fmt.Fprintln(w, "  watch         Stream printer state updates until interrupted")
	fmt.Fprintln(w, "  serve         Run the Home Assistant bridge and status API")
	fmt.Fprintln(w, "  status [url]  Query a running serve instance (default: from config)")
	fmt.Fprintln(w, "  init [dir]    Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. Level strings
// were checked by Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates, parses, and validates the YAML configuration. It
// returns the path that was loaded alongside the config.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// printerConfig maps the file's printer section onto the client config.
func printerConfig(cfg *config.Config) printer.Config {
	return printer.Config{
		Host:              cfg.Printer.Host,
		Serial:            cfg.Printer.Serial,
		AccessCode:        cfg.Printer.AccessCode,
		TLS:               cfg.Printer.UseTLS(),
		Port:              cfg.Printer.Port,
		MaxMessagesPerSec: cfg.Printer.MaxMessagesPerSec,
	}
}
