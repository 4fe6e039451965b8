// Command camscrape archives one video clip per camera on a fixed interval.
//
// Logging:
//   - Base logger is created per command once configuration is known
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "camscrape",
		Short:         "Periodic camera clip archiver",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.String("home", "", "home directory (default: platform config dir)")
	pf.String("config", "", "YAML config file (default: <home>/config.yaml if present)")
	pf.String("archive-dir", "", "archive root directory")
	pf.String("registry", "", "camera registry file (';'-separated, Id and Url columns)")
	pf.String("utc-offset", "", "fixed UTC offset for archive paths and cache busters (e.g. -03:00)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-file", "", "also write logs to this file")
	pf.StringToString("component-level", nil, "per-component log levels (e.g. fetch=debug,registry=warn)")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run cycles on a schedule and serve the liveness endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, stderr)
			if err != nil {
				return err
			}
			defer env.close()
			return runServer(cmd.Context(), env)
		},
	}
	sf := serverCmd.Flags()
	sf.Duration("interval", 0, "cycle interval (e.g. 20m)")
	sf.String("overlap", "", "policy for ticks during a running cycle: skip, queue or concurrent")
	sf.Int("workers", 0, "concurrent fetches per cycle (0: one per source)")
	sf.String("listen", "", "liveness endpoint address")
	sf.Bool("run-on-start", true, "run a cycle immediately at start")
	sf.Bool("watch", true, "reload the registry when its file changes")

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and exit",
		Long:  "Run a single cycle now, print per-source outcomes and exit. Exits non-zero when every source failed or the registry is empty.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, stderr)
			if err != nil {
				return err
			}
			defer env.close()
			p, err := newPrinter(cmd, stdout)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), env, p)
		},
	}
	onceCmd.Flags().Int("workers", 0, "concurrent fetches (0: one per source)")
	onceCmd.Flags().StringP("output", "o", "table", "output format: table or json")

	validateCmd := &cobra.Command{
		Use:   "validate [registry-file]",
		Short: "Parse a registry file and print its sources",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, stderr)
			if err != nil {
				return err
			}
			defer env.close()
			p, err := newPrinter(cmd, stdout)
			if err != nil {
				return err
			}
			path := env.cfg.RegistryFile
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(path, p)
		},
	}
	validateCmd.Flags().StringP("output", "o", "table", "output format: table or json")

	planCmd := &cobra.Command{
		Use:   "plan <source-id> [time]",
		Short: "Print the archive path a source's clip would get",
		Long:  "Print the archive path for a source at a time (RFC 3339, default now), rendered in the configured UTC offset.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, stderr)
			if err != nil {
				return err
			}
			defer env.close()
			at := ""
			if len(args) == 2 {
				at = args[1]
			}
			return runPlan(env, args[0], at, stdout)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(stdout, version)
		},
	}

	rootCmd.AddCommand(serverCmd, onceCmd, validateCmd, planCmd, versionCmd)
	return rootCmd
}
