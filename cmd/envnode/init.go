package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/envnode/internal/defaults"
)

// runInit writes the example configuration into dir. An existing
// config.yaml is never overwritten. The file may end up holding WiFi
// credentials, so it is created owner-readable only.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", configPath)
		return nil
	}
	if err := os.WriteFile(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}

	fmt.Fprintf(w, "Wrote %s\n", configPath)
	fmt.Fprintln(w, "Edit the mqtt and link sections, then start with: envnode run")
	return nil
}
