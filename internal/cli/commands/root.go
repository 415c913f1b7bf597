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

package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shardfs/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	// Prod build: version with date
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// Global flags
var (
	rootConfigDir string
	rootLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "shardfs",
	Short: "Sharded file namespace on SQLite row stores",
	Long: `ShardFS keeps a hierarchical file namespace in per-shard SQLite databases.
Files and directories live under top-level shards; the daemon exposes the
namespace over an HTTP API and an optional NFS gateway, while the CLI
operates on the data directory directly.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// --config-dir overrides the default ~/.shardfs for this process
		// and any daemon it spawns
		if rootConfigDir != "" {
			os.Setenv("SHARDFS_CONFIG_DIR", rootConfigDir)
		}

		if err := daemon.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		// Load config and set busy_timeout values for CLI database access
		if cfg, err := daemon.LoadConfig(); err == nil {
			cfg.ApplyBusyTimeouts()
		}

		setupCLILogging(rootLogLevel)

		return nil
	},
}

// setupCLILogging configures logrus for CLI commands. The daemon sets up
// its own file logging in Run; here logs go to stderr and default to warn
// so command output stays clean.
func setupCLILogging(level string) {
	log.SetOutput(os.Stderr)
	switch strings.ToLower(level) {
	case "":
		log.SetLevel(log.WarnLevel)
	case "off", "none":
		log.SetOutput(io.Discard)
	default:
		parsed, err := log.ParseLevel(level)
		if err != nil {
			log.SetLevel(log.WarnLevel)
			fmt.Fprintf(os.Stderr, "Warning: unknown log level %q, using warn\n", level)
			return
		}
		log.SetLevel(parsed)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("shardfs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&rootConfigDir, "config-dir", "", "Config directory (default ~/.shardfs, env SHARDFS_CONFIG_DIR)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
