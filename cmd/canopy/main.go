package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/canopy-net/canopy/pkg/controller"
	"github.com/canopy-net/canopy/pkg/log"
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
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Canopy - multi-host network emulation controller",
	Long: `Canopy orchestrates container-based network topologies across a
fleet of agent hosts: it schedules nodes, wires VLAN and VXLAN links
between them, reconciles observed state against intent and streams
live state to connected clients.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Canopy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Canopy version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serverFlags struct {
	configFile string
	cfg        controller.Config
	logLevel   string
	logJSON    bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := serverFlags.cfg
		if serverFlags.configFile != "" {
			if err := cfg.LoadFile(serverFlags.configFile); err != nil {
				return err
			}
			// Flags set explicitly win over the file.
			overlayFlags(cmd, &cfg)
		}
		cfg.LogLevel = serverFlags.logLevel
		cfg.LogJSON = serverFlags.logJSON
		cfg.ApplyDefaults()

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		app, err := controller.New(cfg)
		if err != nil {
			return err
		}
		errCh := app.Start()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.WithComponent("main").Info().Str("signal", sig.String()).Msg("Shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}
		app.Stop()
		return nil
	},
}

// overlayFlags re-applies flags the user set on the command line on top
// of values loaded from the config file.
func overlayFlags(cmd *cobra.Command, cfg *controller.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = serverFlags.cfg.ListenAddr
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = serverFlags.cfg.DataDir
	}
	if cmd.Flags().Changed("workspace-root") {
		cfg.WorkspaceRoot = serverFlags.cfg.WorkspaceRoot
	}
	if cmd.Flags().Changed("redis") {
		cfg.RedisAddr = serverFlags.cfg.RedisAddr
	}
	if cmd.Flags().Changed("jwt-secret") {
		cfg.JWTSecret = serverFlags.cfg.JWTSecret
	}
}

func init() {
	f := serverCmd.Flags()
	f.StringVarP(&serverFlags.configFile, "config", "c", "", "Path to YAML config file")
	f.StringVar(&serverFlags.cfg.ListenAddr, "listen", ":8420", "API and WebSocket listen address")
	f.StringVar(&serverFlags.cfg.DataDir, "data-dir", "/var/lib/canopy", "Data directory")
	f.StringVar(&serverFlags.cfg.WorkspaceRoot, "workspace-root", "", "Lab workspace root (default <data-dir>/workspaces)")
	f.StringVar(&serverFlags.cfg.RedisAddr, "redis", "", "Redis address for cross-process fan-out (optional)")
	f.StringVar(&serverFlags.cfg.JWTSecret, "jwt-secret", "", "HMAC secret for bearer-token auth (empty disables auth)")
	f.StringVar(&serverFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.BoolVar(&serverFlags.logJSON, "log-json", false, "Emit JSON logs")
}
