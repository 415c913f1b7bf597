package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardfs/internal/storage"
	"shardfs/internal/util"
)

// useTestConfigDir points the daemon paths at a short-lived directory under
// /tmp. t.TempDir is too long for unix socket paths on some systems.
func useTestConfigDir(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "sfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	oldDir := os.Getenv("SHARDFS_CONFIG_DIR")
	os.Setenv("SHARDFS_CONFIG_DIR", tmpDir)
	t.Cleanup(func() { os.Setenv("SHARDFS_CONFIG_DIR", oldDir) })
	return tmpDir
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"trace", log.TraceLevel},
		{"debug", log.DebugLevel},
		{"info", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"warning", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"DEBUG", log.DebugLevel},
		{"bogus", log.InfoLevel},
		{"", log.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), "parseLogLevel(%q)", tt.in)
	}
}

func TestTruncateLogFile(t *testing.T) {
	logPath := fmt.Sprintf("%s/test.log", t.TempDir())
	oldLog := os.Getenv("SHARDFS_DAEMON_LOG")
	os.Setenv("SHARDFS_DAEMON_LOG", logPath)
	defer os.Setenv("SHARDFS_DAEMON_LOG", oldLog)

	t.Run("missing file is a no-op", func(t *testing.T) {
		assert.NoError(t, truncateLogFile(100))
	})

	t.Run("file within limit is untouched", func(t *testing.T) {
		require.NoError(t, os.WriteFile(logPath, []byte("short\n"), 0600))
		require.NoError(t, truncateLogFile(1024))

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Equal(t, "short\n", string(data))
	})

	t.Run("oversized file keeps recent half", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 200; i++ {
			fmt.Fprintf(&sb, "log line %03d\n", i)
		}
		original := sb.String()
		require.NoError(t, os.WriteFile(logPath, []byte(original), 0600))

		require.NoError(t, truncateLogFile(1024))

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Less(t, len(data), len(original))
		assert.True(t, strings.HasPrefix(string(data), "--- Log truncated at"))
		assert.Contains(t, string(data), "log line 199")
		assert.NotContains(t, string(data), "log line 000")
	})
}

func TestDaemonHandleRequest(t *testing.T) {
	d := New()

	resp := d.handleRequest(&Request{Type: RequestPing})
	assert.True(t, resp.Success)
	assert.Equal(t, os.Getpid(), resp.PID)

	// Status before the manager is up reports not ready
	resp = d.handleRequest(&Request{Type: RequestStatus})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not ready")

	resp = d.handleRequest(&Request{Type: "bogus"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown request type")

	resp = d.handleRequest(&Request{Type: RequestStop})
	assert.True(t, resp.Success)
	select {
	case <-d.stopCh:
	default:
		t.Fatal("stop request did not close stop channel")
	}

	// Repeated stop must not panic
	resp = d.handleRequest(&Request{Type: RequestStop})
	assert.True(t, resp.Success)
}

func TestDaemonRunStop(t *testing.T) {
	tmpDir := useTestConfigDir(t)
	defer storage.SetConfigBusyTimeouts(0, 0)

	cfg := &Config{
		LogLevel: "off",
		HTTP:     HTTPConfig{Listen: "127.0.0.1:0"},
	}
	cfg.ApplyDefaults()
	require.NoError(t, SaveConfig(cfg))

	d := New()
	d.Version = "test"
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()

	require.NoError(t, util.PollUntil(context.Background(), util.StartupPollConfig(), IsDaemonRunning),
		"daemon did not come up")

	client, err := Connect()
	require.NoError(t, err)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, "test", status.Version)
	assert.NotEmpty(t, status.InstanceID)
	assert.Equal(t, filepath.Join(tmpDir, "data"), status.DataDir)
	assert.NotEmpty(t, status.HTTPAddr)
	assert.Empty(t, status.NFSAddr)
	assert.Equal(t, 0, status.OpenShards)

	pid, err := GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = client.Stop()
	require.NoError(t, err)
	client.Close()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop in time")
	}

	assert.False(t, IsDaemonRunning())
	_, err = GetPID()
	assert.Error(t, err, "pid file should be removed on shutdown")
}

func TestDaemonLockExclusion(t *testing.T) {
	useTestConfigDir(t)
	defer storage.SetConfigBusyTimeouts(0, 0)
	require.NoError(t, EnsureConfigDir())

	lock := flock.New(LockPath())
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	d := New()
	err = d.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestGetPIDMissing(t *testing.T) {
	useTestConfigDir(t)

	_, err := GetPID()
	assert.Error(t, err)
}
