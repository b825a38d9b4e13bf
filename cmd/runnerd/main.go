package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/forgebay/runnerd/pkg/client"
	"github.com/forgebay/runnerd/pkg/config"
	"github.com/forgebay/runnerd/pkg/control"
	"github.com/forgebay/runnerd/pkg/jobstore"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/runtime"
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
	Use:     "runnerd",
	Short:   "runnerd - a CI job runner orchestration engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"runnerd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running orchestrator's health over grpc_health_v1",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:9091", "grpc_health_v1 address (serve's health-addr, port+1)")
	statusCmd.Flags().String("tls-cert", "", "Pin the server to this certificate instead of connecting in plaintext")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	certFile, _ := cmd.Flags().GetString("tls-cert")

	cl, err := client.New(addr, client.Options{TLSCertFile: certFile})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer cl.Close()

	status, err := cl.Check(context.Background())
	if err != nil {
		return fmt.Errorf("check status: %w", err)
	}

	if status.Serving {
		fmt.Printf("%s: SERVING\n", addr)
		return nil
	}
	fmt.Printf("%s: %s\n", addr, status.Raw)
	return fmt.Errorf("orchestrator not serving")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator control loop",
	Long: `serve starts every runnerd component - webhook intake, job store,
queue engine, router, container orchestrator, runner pool manager,
secret scanner, auto-scaler and cleanup reaper - under one process and
blocks until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults applied if omitted)")
	serveCmd.Flags().String("node-id", "node-1", "Unique node ID for the job store's Raft group")
	serveCmd.Flags().String("data-dir", "./runnerd-data", "Data directory for the job store's Raft group")
	serveCmd.Flags().String("state-dir", "./runnerd-data/state", "Data directory for pool/runner/container state")
	serveCmd.Flags().String("raft-bind-addr", "127.0.0.1:9091", "Address for Raft communication")
	serveCmd.Flags().String("health-addr", ":9090", "Address the /health, /ready and /metrics endpoints listen on")
	serveCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd control socket path")
	serveCmd.Flags().String("workspace-root", "", "Root directory for per-job scratch workspaces")
	serveCmd.Flags().Bool("bootstrap", true, "Bootstrap a fresh single-node Raft group on first run")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	raftBindAddr, _ := cmd.Flags().GetString("raft-bind-addr")
	healthAddr, _ := cmd.Flags().GetString("health-addr")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	workspaceRoot, _ := cmd.Flags().GetString("workspace-root")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	appCfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		appCfg = loaded
	}
	appCfg.Control.NodeID = nodeID
	appCfg.Control.DataDir = dataDir
	appCfg.Control.RaftBindAddr = raftBindAddr
	appCfg.Control.HealthAddr = healthAddr

	ctl, err := control.New(control.Config{
		Jobstore: jobstore.Config{
			NodeID:   nodeID,
			BindAddr: raftBindAddr,
			DataDir:  dataDir,
		},
		Intake:           appCfg.Intake,
		Queues:           appCfg.Queues,
		Router:           appCfg.Router,
		Container:        appCfg.Container,
		Cleanup:          appCfg.Cleanup,
		Scanner:          appCfg.Scanner,
		Scaler:           appCfg.Scaler,
		Control:          appCfg.Control,
		ContainerdSocket: containerdSocket,
		AllowList: runtime.AllowList{
			Images:    appCfg.Container.AllowedImages,
			BindPaths: appCfg.Container.AllowedBindPaths,
		},
		WorkspaceRoot: workspaceRoot,
		StopGrace:     30 * time.Second,
		StateDir:      stateDir,
	})
	if err != nil {
		return fmt.Errorf("assemble orchestrator: %w", err)
	}

	if bootstrap {
		if err := ctl.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap job store: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	fmt.Printf("runnerd serving on %s (data dir %s)\n", healthAddr, filepath.Clean(dataDir))
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appCfg.Control.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	fmt.Println("shutdown complete")
	return nil
}
