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
	"os"

	"github.com/spf13/cobra"

	"shardfs/internal/daemon"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the shardfs config and data directories",
	Long: `Initialize the shardfs configuration directory.

Creates the config directory (default ~/.shardfs, override with
--config-dir or SHARDFS_CONFIG_DIR), writes a default config.yaml if
none exists, and creates the shard data directory.

Edit config.yaml to change the data directory, log level, HTTP listen
address, NFS gateway settings, and default dump exclude patterns.

Examples:
  shardfs init
  shardfs --config-dir /srv/shardfs init`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := daemon.ConfigFilePath()
	_, statErr := os.Stat(configPath)
	existed := statErr == nil

	if err := daemon.InitConfigDir(); err != nil {
		return err
	}

	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	if existed {
		fmt.Printf("Reinitialized shardfs in %s\n", daemon.ConfigDir())
		fmt.Printf("  config.yaml already exists (not modified)\n")
	} else {
		fmt.Printf("Initialized shardfs in %s\n", daemon.ConfigDir())
		fmt.Printf("  created config.yaml\n")
	}
	fmt.Printf("  data directory: %s\n", cfg.DataDir)

	return nil
}
