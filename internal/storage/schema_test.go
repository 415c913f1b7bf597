package storage

import (
	"os"
	"strings"
	"testing"
)

func TestSchemaConstants(t *testing.T) {
	// Verify schema version
	if SchemaVersion != "1" {
		t.Errorf("SchemaVersion = %s, want 1", SchemaVersion)
	}

	// Verify block size
	if BlockSize != 4096 {
		t.Errorf("BlockSize = %d, want 4096", BlockSize)
	}
}

func TestKindConstants(t *testing.T) {
	if KindFile != "file" {
		t.Errorf("KindFile = %s, want file", KindFile)
	}
	if KindDir != "dir" {
		t.Errorf("KindDir = %s, want dir", KindDir)
	}
}

func TestBuildDSN(t *testing.T) {
	os.Unsetenv(EnvBusyTimeout)
	os.Unsetenv(EnvDaemonBusyTimeout)
	t.Setenv(EnvBusyTimeout, "7500")

	dsn := BuildDSN("/tmp/x.db", DBContextDefault)
	if !strings.HasPrefix(dsn, "file:/tmp/x.db?") {
		t.Errorf("DSN = %s, want file: prefix with path", dsn)
	}
	for _, param := range []string{"_journal_mode=WAL", "_synchronous=NORMAL", "_busy_timeout=7500"} {
		if !strings.Contains(dsn, param) {
			t.Errorf("DSN %s missing %s", dsn, param)
		}
	}
}

func TestGetBusyTimeout(t *testing.T) {
	// Save original values
	origDaemonConfig := configDaemonBusyTimeout
	origCLIConfig := configCLIBusyTimeout
	defer func() {
		configDaemonBusyTimeout = origDaemonConfig
		configCLIBusyTimeout = origCLIConfig
	}()

	// Clear env vars for clean test
	os.Unsetenv(EnvBusyTimeout)
	os.Unsetenv(EnvDaemonBusyTimeout)
	os.Unsetenv(EnvCLIBusyTimeout)

	// Test 1: Default value when nothing is set
	configDaemonBusyTimeout = 0
	configCLIBusyTimeout = 0
	if got := GetBusyTimeout(DBContextDaemon); got != DefaultBusyTimeout {
		t.Errorf("default daemon timeout = %d, want %d", got, DefaultBusyTimeout)
	}
	if got := GetBusyTimeout(DBContextCLI); got != DefaultBusyTimeout {
		t.Errorf("default CLI timeout = %d, want %d", got, DefaultBusyTimeout)
	}

	// Test 2: Config file values
	configDaemonBusyTimeout = 6000
	configCLIBusyTimeout = 10000
	if got := GetBusyTimeout(DBContextDaemon); got != 6000 {
		t.Errorf("config daemon timeout = %d, want 6000", got)
	}
	if got := GetBusyTimeout(DBContextCLI); got != 10000 {
		t.Errorf("config CLI timeout = %d, want 10000", got)
	}

	// Test 3: General env var overrides config
	os.Setenv(EnvBusyTimeout, "15000")
	defer os.Unsetenv(EnvBusyTimeout)
	if got := GetBusyTimeout(DBContextDaemon); got != 15000 {
		t.Errorf("general env daemon timeout = %d, want 15000", got)
	}
	if got := GetBusyTimeout(DBContextCLI); got != 15000 {
		t.Errorf("general env CLI timeout = %d, want 15000", got)
	}

	// Test 4: Specific env var overrides general env var
	os.Setenv(EnvDaemonBusyTimeout, "20000")
	defer os.Unsetenv(EnvDaemonBusyTimeout)
	if got := GetBusyTimeout(DBContextDaemon); got != 20000 {
		t.Errorf("specific env daemon timeout = %d, want 20000", got)
	}
	// CLI should still use general env var
	if got := GetBusyTimeout(DBContextCLI); got != 15000 {
		t.Errorf("CLI should use general env = %d, want 15000", got)
	}

	// Test 5: CLI-specific env var
	os.Setenv(EnvCLIBusyTimeout, "25000")
	defer os.Unsetenv(EnvCLIBusyTimeout)
	if got := GetBusyTimeout(DBContextCLI); got != 25000 {
		t.Errorf("specific env CLI timeout = %d, want 25000", got)
	}
}

func TestSetConfigBusyTimeouts(t *testing.T) {
	// Save original values
	origDaemon := configDaemonBusyTimeout
	origCLI := configCLIBusyTimeout
	defer func() {
		configDaemonBusyTimeout = origDaemon
		configCLIBusyTimeout = origCLI
	}()

	SetConfigBusyTimeouts(1000, 2000)
	if configDaemonBusyTimeout != 1000 {
		t.Errorf("configDaemonBusyTimeout = %d, want 1000", configDaemonBusyTimeout)
	}
	if configCLIBusyTimeout != 2000 {
		t.Errorf("configCLIBusyTimeout = %d, want 2000", configCLIBusyTimeout)
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want int
	}{
		{"empty", "", 0},
		{"single", "CREATE TABLE t (x INTEGER);", 1},
		{"two with comments", "-- first\nCREATE TABLE a (x INTEGER);\n\n-- second\nCREATE TABLE b (y INTEGER);", 2},
		{"trailing whitespace", "SELECT 1;\n  \n", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if len(got) != tt.want {
				t.Errorf("splitStatements(%q) = %d statements, want %d", tt.sql, len(got), tt.want)
			}
		})
	}
}

func TestShardSchemaSplits(t *testing.T) {
	stmts := splitStatements(shardSchema)
	if len(stmts) == 0 {
		t.Fatal("shard schema produced no statements")
	}
	for _, stmt := range stmts {
		if strings.TrimSpace(stmt) == "" {
			t.Error("shard schema produced an empty statement")
		}
	}
}
