package daemon

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"shardfs/internal/shard"
	"shardfs/internal/storage"
)

func init() {
	// Default logging to discard until Run configures it from the config
	log.SetOutput(io.Discard)
}

// Daemon owns the shard manager and the daemon-side servers: the HTTP file
// API, the optional NFS gateway, and the IPC control socket.
type Daemon struct {
	cfg        *Config
	manager    *shard.Manager
	ipcServer  *Server
	httpServer *HTTPServer
	nfsServer  *NFSServer
	logFile    *os.File
	stopCh     chan struct{}
	lock       *flock.Flock
	instanceID string
	startedAt  time.Time

	// Version is stamped by the CLI entry point, empty for dev builds.
	Version string

	// LogLevel overrides the configured log level when non-empty:
	// trace, debug, info, warn, error, off
	LogLevel string
}

// New creates a new daemon instance
func New() *Daemon {
	return &Daemon{
		stopCh:     make(chan struct{}),
		instanceID: uuid.NewString(),
	}
}

// Run starts the daemon and blocks until stopped
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if d.LogLevel != "" {
		cfg.LogLevel = d.LogLevel
	}
	d.cfg = cfg
	cfg.ApplyBusyTimeouts()

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLogFile()

	// Write PID file
	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	d.startedAt = time.Now()
	log.Infof("daemon started (pid %d, instance %s)", os.Getpid(), d.instanceID)

	manager, err := shard.NewManager(cfg.DataDir, storage.DBContextDaemon)
	if err != nil {
		return fmt.Errorf("open shard manager: %w", err)
	}
	d.manager = manager
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warnf("close shard manager: %v", err)
		}
	}()
	log.Infof("serving shards from %s", cfg.DataDir)

	// Optional NFS gateway
	if cfg.NFS.Enabled {
		d.nfsServer = NewNFSServer(manager)
		nfsAddr, err := d.nfsServer.Start(cfg.NFS.Port)
		if err != nil {
			return fmt.Errorf("start nfs server: %w", err)
		}
		defer d.nfsServer.Stop()
		log.Infof("nfs gateway listening on %s", nfsAddr)
		log.Infof("mount with: %s", MountCommand(nfsAddr, "<mountpoint>"))
	}

	// HTTP file API
	d.httpServer = NewHTTPServer(manager, d.statusInfo)
	httpAddr, err := d.httpServer.Start(cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	defer d.httpServer.Stop()
	log.Infof("http api listening on %s", httpAddr)

	// IPC control socket, started last so status reflects a ready daemon
	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	defer d.ipcServer.Stop()
	log.Infof("ipc listening on %s", SocketPath())

	d.watchParent()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %v, shutting down", sig)
	case <-d.stopCh:
		log.Infof("stop requested, shutting down")
	}

	log.Infof("daemon stopped")
	return nil
}

// setupLogging points logrus at the daemon log file at the configured
// level. Logging off keeps the output discarded.
func (d *Daemon) setupLogging() error {
	if !d.cfg.LoggingEnabled() {
		log.SetOutput(io.Discard)
		return nil
	}

	// Truncate log file if it exceeds 50MB
	if err := truncateLogFile(50 * 1024 * 1024); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}

	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)
	log.SetLevel(parseLogLevel(d.cfg.LogLevel))
	return nil
}

func (d *Daemon) closeLogFile() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

// parseLogLevel maps a config log level to a logrus level. Unknown
// levels fall back to info.
func parseLogLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// watchParent self-terminates when the process named by SHARDFS_PARENT_PID
// dies. When Go's test timeout fires, os.Exit(2) bypasses all defers,
// leaving daemon processes orphaned. This goroutine detects parent death
// and triggers graceful shutdown.
func (d *Daemon) watchParent() {
	ppidStr := os.Getenv("SHARDFS_PARENT_PID")
	if ppidStr == "" {
		return
	}
	ppid, err := strconv.Atoi(ppidStr)
	if err != nil || ppid <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				// syscall.Kill(pid, 0) checks existence without signaling
				if err := syscall.Kill(ppid, 0); err != nil {
					log.Warnf("parent process %d died, shutting down to prevent orphan daemon", ppid)
					d.requestStop()
					return
				}
			}
		}
	}()
	log.Debugf("watching parent process %d", ppid)
}

// requestStop triggers shutdown, tolerating repeated calls.
func (d *Daemon) requestStop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

// handleRequest processes an IPC request
func (d *Daemon) handleRequest(req *Request) *Response {
	switch req.Type {
	case RequestPing:
		return &Response{Success: true, PID: os.Getpid()}
	case RequestStatus:
		return d.handleStatus()
	case RequestStop:
		return d.handleStop()
	default:
		return &Response{Success: false, Error: "unknown request type"}
	}
}

func (d *Daemon) handleStatus() *Response {
	info := d.statusInfo()
	if info == nil {
		return &Response{Success: false, Error: "daemon not ready"}
	}
	return &Response{Success: true, PID: os.Getpid(), Status: info}
}

func (d *Daemon) handleStop() *Response {
	d.requestStop()
	return &Response{Success: true, Message: "Daemon stopping"}
}

// statusInfo snapshots the daemon state for status responses. Returns nil
// until the shard manager is up.
func (d *Daemon) statusInfo() *StatusInfo {
	if d.manager == nil {
		return nil
	}

	info := &StatusInfo{
		PID:        os.Getpid(),
		Version:    d.Version,
		InstanceID: d.instanceID,
		StartedAt:  d.startedAt.UnixMilli(),
		UptimeSec:  int64(time.Since(d.startedAt).Seconds()),
		DataDir:    d.manager.DataDir(),
		OpenShards: d.manager.OpenCount(),
	}
	if segments, err := d.manager.Shards(); err == nil {
		info.Shards = segments
	}
	if d.httpServer != nil {
		info.HTTPAddr = d.httpServer.Addr()
	}
	if d.nfsServer != nil {
		info.NFSAddr = d.nfsServer.Addr()
	}
	return info
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func truncateLogFile(maxSize int64) error {
	logPath := LogPath()

	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	// Keep the last half of the content (approximately)
	keepSize := len(data) / 2
	startIdx := len(data) - keepSize

	// Find the next newline to avoid cutting a line in the middle
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	truncatedData := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(truncatedData)))

	return os.WriteFile(logPath, append(header, truncatedData...), 0600)
}
