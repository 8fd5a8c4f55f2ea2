package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NavarchProject/clustercheck/pkg/clock"
	"github.com/NavarchProject/clustercheck/pkg/config"
	"github.com/NavarchProject/clustercheck/pkg/inventory"
	"github.com/NavarchProject/clustercheck/pkg/remote"
	"github.com/NavarchProject/clustercheck/pkg/stagegate"
)

// errFailed reports a validation that ran to completion with failing
// probes. The report has already been printed.
var errFailed = errors.New("validation failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

var (
	verbose    bool
	debug      bool
	configPath string
	stage      int
	sshUser    string
	identities []string
)

var rootCmd = &cobra.Command{
	Use:   "clustercheck",
	Short: "Stage-gated validation of an OpenShift + OpenContrail cluster",
	Long: `clustercheck connects to the hosts of an Ansible inventory over SSH,
runs diagnostic commands and checks their output against the state the
cluster should have reached at a given installation stage.

Stages:
  1. OpenContrail is installed (but not provisioned)
  2. OpenShift is installed
  3. OpenContrail is provisioned
  4. OpenShift services are started
  5. Test application is deployed`,
	SilenceUsage: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate <inventory>",
	Short: "Validate the cluster against an installation stage",
	Long: `Validate the cluster described by an Ansible inventory.

Every check scheduled for the stage runs, even after a failure. The command
exits non-zero if any check fails or a host cannot be reached.

Examples:
  # Check a freshly installed OpenContrail control plane
  clustercheck validate inventory.ini

  # Check that OpenShift services run over the overlay
  clustercheck validate --stage 4 -i ~/.ssh/cluster inventory.ini`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory <inventory>",
	Short: "Print the hosts an inventory assigns to each role",
	Args:  cobra.ExactArgs(1),
	RunE:  runInventory,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output")

	validateCmd.Flags().IntVar(&stage, "stage", int(stagegate.DefaultStage), "Install stage (1-5)")
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	validateCmd.Flags().StringVarP(&sshUser, "user", "u", "", "SSH user (overrides config)")
	validateCmd.Flags().StringSliceVarP(&identities, "identity", "i", nil, "SSH private key file (overrides config, repeatable)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(versionCmd())
}

func setupLogger() *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	} else if verbose {
		level = slog.LevelInfo
	}

	handler := NewConsoleHandler(os.Stderr, level)
	return slog.New(handler)
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if sshUser != "" {
		cfg.SSH.User = sshUser
	}
	if len(identities) > 0 {
		cfg.SSH.IdentityFiles = identities
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	st, err := stagegate.ParseStage(stage)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	inv, err := inventory.Load(args[0])
	if err != nil {
		return err
	}
	if err := inv.Validate(int(st)); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	dialer, err := remote.NewSSHDialer(remote.Identity{
		User:           cfg.SSH.User,
		Port:           cfg.SSH.Port,
		KeyFiles:       cfg.SSH.IdentityFiles,
		UseAgent:       cfg.SSH.UseAgent,
		KnownHostsFile: cfg.SSH.KnownHosts,
		Timeout:        cfg.SSH.Timeout.Duration(),
	}, logger)
	if err != nil {
		return fmt.Errorf("ssh: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Warn("received interrupt, aborting")
			cancel()
		case <-ctx.Done():
		}
	}()

	gate := stagegate.New(cfg, dialer,
		stagegate.WithLogger(logger),
		stagegate.WithClock(clock.Real()),
		stagegate.WithReporter(stagegate.NewConsole(cmd.OutOrStdout())),
	)

	report, err := gate.Run(ctx, inv, st)
	if err != nil {
		return err
	}
	if !report.OK() {
		return errFailed
	}
	return nil
}

func runInventory(cmd *cobra.Command, args []string) error {
	inv, err := inventory.Load(args[0])
	if err != nil {
		return err
	}
	printInventory(cmd.OutOrStdout(), inv)
	return nil
}
