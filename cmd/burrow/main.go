package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", fault.Message(err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - remote job execution worker",
	Long: `Burrow registers this machine with a coordination server, keeps an
authenticated session alive and runs the containerized processing jobs
dispatched to it, uploading their results when they finish.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/burrow/config.yaml", "Configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	runCmd.Flags().String("token", "", "Registration token")
	runCmd.Flags().String("metrics-addr", "", "Listen address for /metrics and /health (empty disables)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(jobsCmd)
}

// loadConfig layers flags over the config file and environment, then
// initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	if flags.Lookup("token") != nil {
		if v, _ := flags.GetString("token"); v != "" {
			cfg.RegistrationToken = v
		}
	}
	if flags.Lookup("metrics-addr") != nil {
		if v, _ := flags.GetString("metrics-addr"); v != "" {
			cfg.MetricsAddr = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker",
	Long: `Start the worker and process jobs until interrupted.

The first run needs a registration token, given with --token, the
registration_token config key or BURROW_REGISTRATION_TOKEN. Later runs
reuse the stored session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return worker.NewWorker(cfg, Version).Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Burrow version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
