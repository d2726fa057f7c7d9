// Command ftsched is a demonstration harness for the query scheduler
// core, grounded in cmd/warren/main.go's cobra root command plus
// persistent logging flags. It is not a production query-engine
// front-end: the only subcommand is "simulate", which drives a
// JSON-described plan-fragment tree through the real scheduler packages
// against in-memory fakes for Exchange, NodeAllocator, and
// RemoteTaskFactory.
package main

import (
	"fmt"
	"os"

	"github.com/prism-sql/ftsched/pkg/config"
	"github.com/prism-sql/ftsched/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ftsched",
	Short:   "Fault-tolerant query scheduler simulation harness",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ftsched version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	config.BindFlags(rootCmd)

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(simulateCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
	})
}
