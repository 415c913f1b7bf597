package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shardfs/internal/daemon"
	"shardfs/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shardfs daemon",
	Long: `Runs the shardfs daemon, which serves the namespace over the HTTP
file API and, when enabled in config.yaml, an NFS gateway.

By default the daemon runs in the foreground. Use --detach to start it
in the background and return once it is ready.

Examples:
  # Run in the foreground (Ctrl-C to stop)
  shardfs serve

  # Start in the background
  shardfs serve --detach

  # Restart a running daemon
  shardfs serve --detach --restart`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows whether the shardfs daemon is running, and its shards and listen addresses.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running shardfs daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var serveDetach bool
var serveRestart bool

func init() {
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Run the daemon in the background")
	serveCmd.Flags().BoolVar(&serveRestart, "restart", false, "Restart daemon if already running (no confirmation)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Check if already running
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()

		if serveRestart {
			// --restart flag: stop and restart without prompting
			fmt.Printf("Daemon already running (PID %d), restarting...\n", pid)
			if err := stopDaemonAndWait(); err != nil {
				return fmt.Errorf("failed to stop daemon for restart: %w", err)
			}
		} else {
			// No --restart flag: just report and exit
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			fmt.Println("Use --restart to restart the daemon")
			return nil
		}
	}

	// Sweep leftovers from a crashed instance before starting
	if result := daemon.CleanupStaleState(); result.Any() {
		fmt.Println(daemon.FormatCleanupResult(result))
	}

	if !serveDetach {
		// Run in foreground
		d := daemon.New()
		d.Version = version
		d.LogLevel = rootLogLevel
		return d.Run()
	}

	// Start in background by re-running "serve" without --detach.
	// The config dir travels via SHARDFS_CONFIG_DIR in the inherited
	// environment; the log level override travels as a flag.
	cmdArgs := []string{"serve"}
	if rootLogLevel != "" {
		cmdArgs = append(cmdArgs, "--log-level", rootLogLevel)
	}

	// Startup includes opening shard databases, binding the HTTP listener
	// and optionally the NFS listener, which can take a while under
	// parallel test contention, so allow up to 10 seconds.
	startCfg := util.DaemonStartConfig{
		PollConfig: util.PollConfig{Timeout: 10 * time.Second, Interval: 25 * time.Millisecond},
	}
	if err := util.StartDaemonIfNeeded(cmd.Context(), startCfg, daemon.IsDaemonRunning, cmdArgs); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	pid, _ := daemon.GetPID()
	fmt.Printf("Daemon started (PID %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon: not running")
		return nil
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	info, err := client.Status()
	if err != nil {
		return err
	}

	fmt.Printf("Daemon: running (PID %d)\n", info.PID)
	if info.Version != "" {
		fmt.Printf("Version: %s\n", info.Version)
	}
	fmt.Printf("Uptime: %s\n", (time.Duration(info.UptimeSec) * time.Second).String())
	fmt.Printf("Data dir: %s\n", info.DataDir)
	fmt.Printf("Shards: %d (%d open)\n", len(info.Shards), info.OpenShards)
	if len(info.Shards) > 0 {
		fmt.Printf("  %s\n", strings.Join(info.Shards, ", "))
	}
	if info.HTTPAddr != "" {
		fmt.Printf("HTTP API: %s\n", info.HTTPAddr)
	}
	if info.NFSAddr != "" {
		fmt.Printf("NFS: %s\n", info.NFSAddr)
	}

	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		return nil
	}

	if err := stopDaemonAndWait(); err != nil {
		return err
	}

	fmt.Println("Daemon stopped")
	return nil
}

// stopDaemonAndWait asks the daemon to stop over IPC and waits for it
// to exit, escalating to SIGKILL if it does not go down in time.
func stopDaemonAndWait() error {
	pid, _ := daemon.GetPID()

	cfg := util.ProcessConfig{GracefulTimeout: 10 * time.Second, PollInterval: 25 * time.Millisecond}
	return util.StopProcess(context.Background(), pid, cfg, func() error {
		client, err := daemon.Connect()
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.Stop()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		return nil
	}, daemon.IsDaemonRunning)
}
