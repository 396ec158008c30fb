// Command robologctl inspects, rewrites and converts MCAP and ROS bag logs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/robolog/internal/common"
	"example.com/robolog/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type globalFlags struct {
	logLevel string
	logFile  string
	logJSON  bool
	envFile  string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	var closer io.Closer
	root := &cobra.Command{
		Use:           "robologctl",
		Short:         "Inspect and rewrite robot log containers",
		Version:       fmt.Sprintf("%s (built %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(g.envFile); err != nil {
				return fmt.Errorf("env file: %w", err)
			}
			level := g.logLevel
			if v := os.Getenv("ROBOLOG_LOG_LEVEL"); v != "" && !cmd.Flags().Changed("log-level") {
				level = v
			}
			var err error
			closer, err = common.SetupLogging(common.LogOptions{
				Level:   level,
				Console: true,
				JSON:    g.logJSON,
				File:    g.logFile,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if closer != nil {
				return closer.Close()
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.StringVar(&g.logFile, "log-file", "", "also write logs to this rotating file")
	pf.BoolVar(&g.logJSON, "log-json", false, "write JSON log lines instead of console output")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file with ROBOLOG_* overrides")

	root.AddCommand(
		newInspectCmd(),
		newRewriteCmd(),
		newConvertCmd(),
		newBatchCmd(),
		newReportCmd(),
		newAuditCmd(),
		newDoctorCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
