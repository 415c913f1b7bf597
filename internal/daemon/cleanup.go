package daemon

import (
	"os"
	"strings"

	"shardfs/internal/util"
)

// CleanupResult contains the result of a stale-state sweep
type CleanupResult struct {
	CleanedPidFile bool // Whether PID file was cleaned
	CleanedSocket  bool // Whether socket file was cleaned
}

// Any reports whether the sweep removed anything.
func (r *CleanupResult) Any() bool {
	return r.CleanedPidFile || r.CleanedSocket
}

// CleanupStaleState removes daemon files left behind by a crashed
// instance: a PID file naming a dead process and a control socket
// nothing accepts on. A running daemon is left alone.
func CleanupStaleState() *CleanupResult {
	result := &CleanupResult{}

	if IsDaemonRunning() {
		return result
	}

	result.CleanedPidFile = cleanupStalePidFile()
	result.CleanedSocket = cleanupStaleSocket()
	return result
}

// cleanupStalePidFile removes the PID file if the process is not running
func cleanupStalePidFile() bool {
	pid, err := GetPID()
	if err != nil {
		// No PID file or can't read it
		return false
	}

	if util.IsProcessRunning(pid) {
		return false
	}

	os.Remove(PidPath())
	return true
}

// cleanupStaleSocket removes the socket file if the daemon isn't running
func cleanupStaleSocket() bool {
	if _, err := os.Stat(SocketPath()); os.IsNotExist(err) {
		return false
	}

	if IsDaemonRunning() {
		return false
	}

	os.Remove(SocketPath())
	return true
}

// FormatCleanupResult formats a cleanup result for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string

	if result.CleanedPidFile {
		parts = append(parts, "Cleaned up stale PID file")
	}

	if result.CleanedSocket {
		parts = append(parts, "Cleaned up stale socket file")
	}

	if len(parts) == 0 {
		return "No cleanup needed"
	}

	return strings.Join(parts, "\n")
}
