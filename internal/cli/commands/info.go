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
	"sort"

	"github.com/spf13/cobra"

	"shardfs/internal/storage"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show per-shard storage statistics",
	Long: `Show storage statistics for every shard in the data directory.

For each shard: entry counts, logical content size and the size actually
stored in content blocks.

Examples:
  shardfs info`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	stats, err := mgr.Stats(cmd.Context())
	if err != nil {
		return err
	}

	if len(stats) == 0 {
		fmt.Printf("No shards in %s\n", mgr.DataDir())
		return nil
	}

	segments := make([]string, 0, len(stats))
	for seg := range stats {
		segments = append(segments, seg)
	}
	sort.Strings(segments)

	var total storage.ShardStats
	for _, seg := range segments {
		s := stats[seg]
		fmt.Printf("%s: %d entries (%d files, %d dirs), %s content, %s stored in %d blocks\n",
			seg, s.Entries, s.Files, s.Dirs,
			formatBytes(s.ContentBytes), formatBytes(s.StoredBytes), s.Blocks)
		total.Entries += s.Entries
		total.Files += s.Files
		total.Dirs += s.Dirs
		total.Blocks += s.Blocks
		total.ContentBytes += s.ContentBytes
		total.StoredBytes += s.StoredBytes
	}

	if len(segments) > 1 {
		fmt.Printf("total: %d entries (%d files, %d dirs), %s content, %s stored in %d blocks\n",
			total.Entries, total.Files, total.Dirs,
			formatBytes(total.ContentBytes), formatBytes(total.StoredBytes), total.Blocks)
	}

	return nil
}

// formatBytes formats bytes in human-readable form
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
