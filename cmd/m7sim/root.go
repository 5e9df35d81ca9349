package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	m7 "github.com/robert-anderson/M7-sub002"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "m7sim",
	Short: "Run walker populations on the distributed row store",
	Long: `m7sim drives the distributed row store with synthetic walker
populations: every rank spawns weighted rows onto skewed keys, rows are
delivered to the rank owning their block, and blocks are periodically
rebalanced by accumulated work.`,
	Version:       m7.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the logger selected by the global flags.
func newLogger() *m7.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		return m7.NoopLogger()
	case verbose:
		level = slog.LevelDebug
	}
	if logJSON {
		return m7.NewJSONLogger(level)
	}
	return m7.NewTextLogger(level)
}

// printInfo prints an info message if not in quiet mode
func printInfo(w io.Writer, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
