package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shardfs/internal/daemon"
	"shardfs/internal/dump"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write the namespace to a portable archive",
	Long: `Write the whole namespace to a portable archive file.

The archive is a compressed stream of all entries with per-file
checksums; it can be restored on any machine with 'shardfs restore'.
Exclude patterns use gitignore syntax and are merged with the
dump_excludes list from config.yaml.

Examples:
  # Dump everything with default compression
  shardfs dump -o backup.sfsdump

  # Uncompressed dump, leaving node_modules out
  shardfs dump -o backup.sfsdump --compress none --exclude 'node_modules/'

  # Dump and re-read the archive to verify it
  shardfs dump -o backup.sfsdump --verify`,
	Args: cobra.NoArgs,
	RunE: runDump,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore the namespace from an archive",
	Long: `Restore entries from an archive written by 'shardfs dump'.

Directories are recreated and files rewritten; entries already in the
namespace but not in the archive are left alone. Content checksums are
verified while restoring.

Examples:
  # Restore a full archive
  shardfs restore backup.sfsdump

  # Restore without the confirmation prompt
  shardfs restore backup.sfsdump -y

  # Restore everything except logs
  shardfs restore backup.sfsdump --exclude '*.log'`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

// Flag variables
var (
	// dump flags
	dumpOutput   string
	dumpCompress string
	dumpExcludes []string
	dumpVerify   bool

	// restore flags
	restoreExcludes    []string
	restoreSkipConfirm bool
)

func init() {
	dumpCmd.Flags().StringVarP(&dumpOutput, "output", "o", "", "Output file (default shardfs-<timestamp>"+dump.FileExt+")")
	dumpCmd.Flags().StringVar(&dumpCompress, "compress", "zstd", "Compression: zstd, lz4, none")
	dumpCmd.Flags().StringArrayVar(&dumpExcludes, "exclude", nil, "Gitignore-style pattern to exclude (repeatable)")
	dumpCmd.Flags().BoolVar(&dumpVerify, "verify", false, "Re-read the archive after writing to verify it")
	rootCmd.AddCommand(dumpCmd)

	restoreCmd.Flags().StringArrayVar(&restoreExcludes, "exclude", nil, "Gitignore-style pattern to skip (repeatable)")
	restoreCmd.Flags().BoolVarP(&restoreSkipConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(restoreCmd)
}

func runDump(cmd *cobra.Command, args []string) error {
	tag, err := dump.ParseCompressionTag(dumpCompress)
	if err != nil {
		return err
	}

	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Config excludes apply first, command-line excludes on top
	excludes := append(append([]string{}, cfg.DumpExcludes...), dumpExcludes...)

	output := dumpOutput
	if output == "" {
		output = "shardfs-" + time.Now().Format("20060102-150405") + dump.FileExt
	}

	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	f, err := os.Create(output)
	if err != nil {
		return err
	}

	summary, err := dump.Dump(cmd.Context(), mgr, f, dump.Options{
		Compression: tag,
		Excludes:    excludes,
		ToolVersion: version,
	})
	if err != nil {
		f.Close()
		os.Remove(output)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Dumped %d entries (%d files, %d dirs, %s) to %s\n",
		summary.EntryCount, summary.FileCount, summary.DirCount,
		formatBytes(summary.ContentBytes), output)
	if fi, err := os.Stat(output); err == nil {
		fmt.Printf("Archive: %s, %s compression\n", formatBytes(fi.Size()), tag)
	}

	if dumpVerify {
		rf, err := os.Open(output)
		if err != nil {
			return err
		}
		defer rf.Close()
		if _, _, err := dump.VerifyDump(rf); err != nil {
			return fmt.Errorf("archive verification failed: %w", err)
		}
		fmt.Println("Archive verified")
	}

	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	archivePath := args[0]

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	// Confirmation prompt (if not skipped)
	if !restoreSkipConfirm {
		fmt.Printf("Restoring '%s' will overwrite matching files in the namespace.\n", archivePath)
		fmt.Print("Continue? [y/N] ")

		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Restore cancelled")
			return nil
		}
	}

	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	applied, err := dump.Restore(cmd.Context(), mgr, f, dump.RestoreOptions{
		Excludes: restoreExcludes,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Restored %d entries (%d files, %d dirs, %s)\n",
		applied.EntryCount, applied.FileCount, applied.DirCount,
		formatBytes(applied.ContentBytes))
	return nil
}
