package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"synchrony/internal/db"
	"synchrony/internal/telemetry"
)

var (
	Version      = "0.1.0"
	jsonOutput   bool
	settingsPath string
	logFile      string
	logLevel     string
	verbose      bool
)

// commandsExemptFromDB lists commands that don't require database initialization
var commandsExemptFromDB = map[string]bool{
	"init":       true,
	"version":    true,
	"help":       true,
	"completion": true,
	"set-key":    true,
	"delete-key": true,
}

var rootCmd = &cobra.Command{
	Use:   "synchrony",
	Short: "Synchrony - keep issues in step between two trackers",
	Long: `Synchrony (synchrony) synchronizes issues between a local tracker store
and a remote Redmine-compatible tracker, in both directions.

QUICK START:
  synchrony init                       # Create .synchrony/ and a settings template
  synchrony config set-key <site>      # Store the remote API key in the keyring
  synchrony pull                       # Import remote changes for every site
  synchrony push <issue-id>            # Export a local issue to every site
  synchrony status                     # Recent runs and link counts
  synchrony links                      # Local issues and their remote twins

SETTINGS: .synchrony/settings.yaml (override with --settings). Each entry under
'sites' pairs this store with one remote tracker and carries the mapping tables
for projects, trackers, statuses, priorities and custom fields.

API KEYS: settings value, else SYNCHRONY_<SITE>_API_KEY, else the system keyring.

JSON OUTPUT: Add --json flag to any command for machine-readable output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if commandsExemptFromDB[cmd.Name()] {
			return nil
		}
		return db.EnsureInitialized()
	},
}

func Execute() {
	defer db.CloseDB()

	ctx := context.Background()
	if err := telemetry.Init(ctx, "synchrony", Version); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var done *reportedError
		switch {
		case errors.As(err, &done):
			// details already on stdout
		case jsonOutput:
			OutputJSON(map[string]interface{}{"error": true, "message": err.Error()})
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		closeLogger()
		os.Exit(1)
	}
	closeLogger()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Settings document (default .synchrony/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file (default log/synchrony.log)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Also write log records to stderr")
	rootCmd.Version = Version
}

func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	encoder.Encode(data)
}

func IsJSONOutput() bool {
	return jsonOutput
}

// reportedError marks a failure whose details are already on stdout.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}
