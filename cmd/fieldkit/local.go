package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldkit/internal/config"
)

// openLocal loads configuration and wires the core for a one-shot command.
// Logs go to stderr so command output stays parseable.
func openLocal(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadLocal(configPath)
	if err != nil {
		return nil, err
	}
	logger, _ := newLogger(config.LogConfig{Level: cfg.Log.Level, Format: "text"}, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return newApp(cfg, forceOffline, logger)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
