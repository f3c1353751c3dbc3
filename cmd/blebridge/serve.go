package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/config"
	"github.com/srg/blebridge/internal/device/goble"
	"github.com/srg/blebridge/internal/session"
	"github.com/srg/blebridge/internal/transport"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket to BLE bridge server",
	Long: `Starts the bridge server.

Clients attach with:
  ws://HOST:PORT/?session=<id>&service=<uuid>&write=<uuid>&notify=<uuid>&device=<prefix>

Configuration comes from defaults, an optional YAML file (--config), and
BLE_* environment keys, in that order. For example BLE_LISTEN_ADDR,
BLE_SESSION_GRACE_PERIOD_SEC, BLE_SESSION_IDLE_TIMEOUT_SEC.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a YAML config file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	stack := goble.NewStack(logger)
	gate := transport.NewScanGate(cfg.RecoveryDelay(), cfg.ListenerStep())

	manager := session.NewManager(stack, gate, session.ManagerConfig{
		Timings: session.Timings{
			GracePeriod:   cfg.GracePeriod(),
			IdleTimeout:   cfg.IdleTimeout(),
			EvictionGrace: cfg.EvictionGrace(),
			ScanTimeout:   cfg.ScanTimeout(),
		},
		StaleClaim:       cfg.StaleClaim(),
		PacketLogEntries: cfg.PacketLogCapacity,
	}, logger)

	server := bridge.NewServer(bridge.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		ConnectTimeout: cfg.ConnectTimeout(),
		SweepInterval:  cfg.SweepInterval(),
	}, manager, logger)

	color.Cyan("blebridge %s listening on %s", formatVersion(version), cfg.ListenAddr)
	return server.Run(ctx)
}
