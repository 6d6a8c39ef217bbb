// tributary replicates row mutations from a Cassandra CDC commit log
// into PostgreSQL, ClickHouse, and TimescaleDB.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Process exit codes. Scripts and supervisors key off these.
const (
	exitOK                = 0
	exitInvalidConfig     = 2
	exitSourceUnreachable = 3
	exitFatal             = 4
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tributary",
	Short: "tributary - CDC replicator for Cassandra commit logs",
	Long: `Tails a Cassandra CDC commit log and replicates row mutations into
PostgreSQL, ClickHouse, and TimescaleDB with masking, retries, and
exactly-once observable delivery.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (default: built-in defaults plus TRIBUTARY_ env overrides)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tributary:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
	os.Exit(exitOK)
}
