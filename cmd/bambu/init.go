package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/bambu-mqtt/internal/defaults"
)

// runInit writes the example configuration into dir. An existing
// config.yaml is left untouched. The file is created 0600 because it
// holds the printer access code.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing bambu in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set printer.host, printer.serial and printer.access_code, then run:")
	fmt.Fprintln(w, "  bambu -config "+configPath+" probe")
	return nil
}

// writeIfMissing writes content to path with the given mode unless the
// file already exists, reporting which happened to w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
