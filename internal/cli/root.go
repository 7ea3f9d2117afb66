package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tunstack/internal/app"
	"tunstack/internal/paths"
)

var (
	appInstance *app.App
	version     = "dev"
)

// annotationLogFile marks commands that log to the default rotated file
// when --log-file is not given.
const annotationLogFile = "tunstack/log-file"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tunstack",
	Short: "Pool-bounded TCP/IP stack for TUN-to-SOCKS tunneling",
	Long: `tunstack terminates TCP and UDP traffic from a TUN device in a TCP/IP stack
whose every buffer and control block comes from a fixed-capacity pool, and
relays the connections to an upstream SOCKS5 proxy.

  Quick start:
    tunstack check                      validate the sizing options
    tunstack show                       print pool capacities and footprint
    sudo tunstack run --proxy socks5://127.0.0.1:1080
    tunstack monitor                    watch pool occupancy of the live run
    tunstack stats                      list recorded runs and leaks

  Options come from the platform defaults, then --config, then
  TUNSTACK_* environment variables (e.g. TUNSTACK_POOLS_TCP_PCB=2048).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return ensureApp(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appInstance != nil {
			return appInstance.Close()
		}
		return nil
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ensureApp initializes appInstance from the persistent flags. Cobra may
// invoke ValidArgsFunction without running PersistentPreRunE, so completion
// calls it too.
func ensureApp(cmd *cobra.Command) error {
	if appInstance != nil {
		return nil
	}

	flags := cmd.Flags()
	cfg := app.Config{}
	cfg.ConfigFile, _ = flags.GetString("config")
	cfg.DBPath, _ = flags.GetString("db")
	cfg.LogLevel, _ = flags.GetString("log-level")
	cfg.LogFile, _ = flags.GetString("log-file")
	cfg.JSONLogs, _ = flags.GetBool("json-logs")
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	if cfg.LogFile == "" && cmd.Annotations[annotationLogFile] != "" {
		if p, err := paths.LogPath(); err == nil {
			cfg.LogFile = p
		}
	}

	var err error
	appInstance, err = app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return nil
}

// skipApp replaces the root PersistentPreRunE for commands that need no
// storage.
func skipApp(cmd *cobra.Command, args []string) error { return nil }

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "options file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "also write JSON logs to this file, rotated")
	rootCmd.PersistentFlags().Bool("json-logs", false, "log JSON to stderr")
	rootCmd.PersistentFlags().String("db", "", "database path")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: skipApp,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tunstack %s\n", version)
	},
}
