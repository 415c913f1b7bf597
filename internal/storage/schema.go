// Copyright 2025 ShardFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

// BlockSize is the fixed payload size of a content block. It is a constant
// of the on-disk format, not a tuning knob: block i of a file covers byte
// range [i*BlockSize, (i+1)*BlockSize), with only the final block short.
const BlockSize = 4096

// Default busy_timeout in milliseconds
const DefaultBusyTimeout = 5000

// Environment variable names for busy_timeout configuration
const (
	// EnvBusyTimeout is the general busy_timeout override for all contexts
	EnvBusyTimeout = "SHARDFS_BUSY_TIMEOUT"
	// EnvDaemonBusyTimeout is the busy_timeout for daemon database access
	EnvDaemonBusyTimeout = "SHARDFS_DAEMON_BUSY_TIMEOUT"
	// EnvCLIBusyTimeout is the busy_timeout for CLI database access
	EnvCLIBusyTimeout = "SHARDFS_CLI_BUSY_TIMEOUT"
)

// DBContext indicates the context in which the database is being accessed
type DBContext int

const (
	// DBContextDefault uses the general busy_timeout
	DBContextDefault DBContext = iota
	// DBContextDaemon uses the daemon-specific busy_timeout
	DBContextDaemon
	// DBContextCLI uses the CLI-specific busy_timeout
	DBContextCLI
)

// Package-level config values (set via SetConfigBusyTimeouts)
var (
	configDaemonBusyTimeout int
	configCLIBusyTimeout    int
)

// SetConfigBusyTimeouts sets the config-based busy_timeout values.
// Called by daemon/CLI after loading the config file; zero values are
// ignored (fall through to env var or default).
func SetConfigBusyTimeouts(daemonTimeout, cliTimeout int) {
	configDaemonBusyTimeout = daemonTimeout
	configCLIBusyTimeout = cliTimeout
}

// GetBusyTimeout returns the busy_timeout value for the given context.
// Priority: specific env (daemon/cli) > general env > config file > default
func GetBusyTimeout(ctx DBContext) int {
	var specificEnv string
	var configTimeout int
	switch ctx {
	case DBContextDaemon:
		specificEnv = EnvDaemonBusyTimeout
		configTimeout = configDaemonBusyTimeout
	case DBContextCLI:
		specificEnv = EnvCLIBusyTimeout
		configTimeout = configCLIBusyTimeout
	}

	if specificEnv != "" {
		if val := os.Getenv(specificEnv); val != "" {
			if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
				return timeout
			}
		}
	}

	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}

	if configTimeout > 0 {
		return configTimeout
	}

	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN with the appropriate busy_timeout for the context
func BuildDSN(path string, ctx DBContext) string {
	timeout := GetBusyTimeout(ctx)
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, timeout)
}

// Entry kinds as stored in the entries.kind column
const (
	KindFile = "file"
	KindDir  = "dir"
)

// Schema SQL for a shard database
const shardSchema = `
-- Schema version and shard identity
CREATE TABLE IF NOT EXISTS shard_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Path catalog: one row per file or directory, keyed by full path.
-- size is NULL for directories, byte length for files.
-- Timestamps are unix milliseconds.
CREATE TABLE IF NOT EXISTS entries (
    path TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK (kind IN ('file', 'dir')),
    size INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Block store: fixed-size content chunks, keyed by (path, block_idx).
-- Rows are subordinate to their entry; deleting the entry cascades here
-- (requires PRAGMA foreign_keys=ON on the connection).
CREATE TABLE IF NOT EXISTS blocks (
    path TEXT NOT NULL REFERENCES entries(path) ON DELETE CASCADE,
    block_idx INTEGER NOT NULL,
    payload BLOB NOT NULL,
    PRIMARY KEY (path, block_idx)
);
`

// Initial rows for a freshly created shard
const initShard = `
INSERT OR IGNORE INTO shard_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO shard_info (key, value) VALUES ('type', 'shard');
INSERT OR IGNORE INTO shard_info (key, value) VALUES ('shard', ?);
INSERT OR IGNORE INTO shard_info (key, value) VALUES ('created_at', datetime('now'));
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		// Count placeholders in this statement
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	// Handle any remaining content
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
