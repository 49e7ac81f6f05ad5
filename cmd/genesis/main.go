package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/manager"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "genesis",
	Short: "Genesis - multi-tenant droplet fleet control plane",
	Long: `Genesis provisions, updates, watches and hibernates a fleet of
per-tenant droplets. The server command runs the control plane; the
remaining commands drive a running control plane over its HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Genesis version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://localhost:3000", "Control plane address")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(rolloutCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(tenantCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the Genesis control plane: job workers, the fleet update
engine, the watchdog, the hibernation controller and the operational
HTTP surface. Configuration is read from the environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %v", err)
		}
		cfg.Version = Version

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})

		ctx := context.Background()
		mgr, err := manager.New(ctx, cfg, manager.Options{})
		if err != nil {
			return fmt.Errorf("build control plane: %v", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start control plane: %v", err)
		}

		fmt.Printf("Genesis %s listening on :%d. Press Ctrl+C to stop.\n", Version, cfg.Port)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		if err := mgr.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}
