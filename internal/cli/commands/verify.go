package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check shard integrity",
	Long: `Check every shard for internal consistency.

Verifies that file sizes match their content blocks, that block
sequences have no gaps, and that no blocks are left behind by deleted
entries. Exits non-zero when problems are found.

Examples:
  shardfs verify`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	shards, err := mgr.Shards()
	if err != nil {
		return err
	}

	problems, err := mgr.Verify(cmd.Context())
	if err != nil {
		return err
	}

	total := 0
	for _, list := range problems {
		total += len(list)
	}

	if total == 0 {
		fmt.Printf("Verified %d shard(s), no problems found\n", len(shards))
		return nil
	}

	segments := make([]string, 0, len(problems))
	for seg := range problems {
		segments = append(segments, seg)
	}
	sort.Strings(segments)

	for _, seg := range segments {
		if len(problems[seg]) == 0 {
			continue
		}
		fmt.Printf("%s:\n", seg)
		for _, p := range problems[seg] {
			fmt.Printf("  %s\n", p.String())
		}
	}

	return fmt.Errorf("verification found %d problem(s)", total)
}
