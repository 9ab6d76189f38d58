package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/stratus/client/flags"
	"github.com/gammadia/stratus/client/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// errInterrupted is returned by commands stopped with Ctrl+C, the process then exits with 130
var errInterrupted = errors.New("interrupted")

var stratusCmd = &cobra.Command{
	Use:   "stratus",
	Short: "Stratus provisions OpenStack instances and waits until they accept SSH commands.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := flags.Bind(cmd.Flags()); err != nil {
			return err
		}
		return log.Init()
	},
}

func init() {
	stratusCmd.AddCommand(completionCmd)
	stratusCmd.AddCommand(statusCmd)
	stratusCmd.AddCommand(upCmd)
	stratusCmd.AddCommand(versionCmd)

	stratusCmd.PersistentFlags().String(flags.Config, "", "configuration file (yaml, json or toml)")
	stratusCmd.PersistentFlags().String(flags.StateDir, defaultStateDir(), "directory where machines are tracked")
	stratusCmd.PersistentFlags().String(flags.Region, "", "OpenStack region (defaults to $OS_REGION_NAME)")
	stratusCmd.PersistentFlags().String(flags.LogFormat, "text", "log format (json, text)")
	stratusCmd.PersistentFlags().String(flags.LogLevel, "WARN", "minimum log level")
	stratusCmd.PersistentFlags().Bool(flags.LogSource, false, "add source code location to logs")
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "stratus", "machines")
	}
	return ".stratus"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stratusCmd.SetOut(os.Stdout)
	if err := stratusCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errInterrupted) {
			lo.Must(fmt.Fprintln(os.Stderr, color.HiYellowString(fmt.Sprint(err))))
			os.Exit(130)
		}

		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
