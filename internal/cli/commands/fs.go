package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"shardfs/internal/common"
	"shardfs/internal/daemon"
	"shardfs/internal/shard"
	"shardfs/internal/storage"
)

// openManager opens the shard manager directly on the configured data
// directory. File verbs go through this rather than the daemon; SQLite
// busy timeouts arbitrate concurrent access when the daemon is running.
func openManager() (*shard.Manager, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, err
	}
	return shard.NewManager(cfg.DataDir, storage.DBContextCLI)
}

// displayPath renders a catalog path for terminal output, slash-prefixed
// the way users type it.
func displayPath(p string) string {
	return "/" + common.NormalizePath(p)
}

var writeCmd = &cobra.Command{
	Use:   "write <path> [file]",
	Short: "Write a file into the namespace",
	Long: `Write a file into the namespace at the given path.

Content is read from the local file argument, or from stdin when no
file is given. Parent directories are created automatically. Writing
to an existing file replaces its content.

Examples:
  shardfs write /docs/readme.md README.md
  echo "hello" | shardfs write /notes/hello.txt`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWrite,
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print file content",
	Long: `Print the content of a file to stdout.

By default the raw bytes are written unmodified. With --text, the
content is printed as text with a trailing newline.

Examples:
  shardfs cat /docs/readme.md
  shardfs cat --text /notes/hello.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runCat,
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List directory contents",
	Long: `List the entries of a directory, or of the root when no path is given.

With --long, each entry is shown with its kind, size and last update time.

Examples:
  shardfs ls
  shardfs ls /docs
  shardfs ls -l /docs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show entry metadata",
	Long: `Show the metadata of a file or directory: kind, size and timestamps.

Examples:
  shardfs stat /docs
  shardfs stat /docs/readme.md`,
	Args: cobra.ExactArgs(1),
	RunE: runStat,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a directory",
	Long: `Create a directory at the given path.

Parent directories are created automatically, so there is no separate
-p flag.

Examples:
  shardfs mkdir /docs/images`,
	Args: cobra.ExactArgs(1),
	RunE: runMkdir,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove a file",
	Long: `Remove a file from the namespace.

Only files are removed; use rmdir for directories.

Examples:
  shardfs rm /notes/hello.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runRm,
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <path>",
	Short: "Remove an empty directory",
	Long: `Remove an empty directory from the namespace.

Directories that still have entries are not removed.

Examples:
  shardfs rmdir /docs/images`,
	Args: cobra.ExactArgs(1),
	RunE: runRmdir,
}

var catText bool
var lsLong bool

func init() {
	catCmd.Flags().BoolVar(&catText, "text", false, "Print content as text with a trailing newline")
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "Long listing with kind, size and update time")
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(rmdirCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 2 {
		data, err = os.ReadFile(args[1])
		if err != nil {
			return err
		}
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}

	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	path := args[0]
	if err := mgr.WriteFile(cmd.Context(), path, data); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (%s)\n", displayPath(path), formatBytes(int64(len(data))))
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	data, err := mgr.ReadFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if catText {
		fmt.Print(string(data))
		if len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Println()
		}
		return nil
	}

	_, err = os.Stdout.Write(data)
	return err
}

func runLs(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}

	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if !lsLong {
		names, err := mgr.ReadDir(cmd.Context(), path)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}

	entries, err := mgr.ReadDirEntries(cmd.Context(), path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "f"
		size := "-"
		if e.IsDir() {
			kind = "d"
		} else {
			size = strconv.FormatInt(e.Size, 10)
		}
		name := common.BaseName(e.Path)
		if name == "" {
			name = e.Path
		}
		fmt.Printf("%s %10s  %s  %s\n", kind, size, e.Updated.Format("2006-01-02 15:04"), name)
	}
	return nil
}

func runStat(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	entry, err := mgr.Stat(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Path:    %s\n", displayPath(entry.Path))
	fmt.Printf("Kind:    %s\n", entry.Kind)
	if entry.IsFile() {
		fmt.Printf("Size:    %s (%d bytes, %d blocks)\n", formatBytes(entry.Size), entry.Size, entry.BlockCount())
	}
	fmt.Printf("Created: %s\n", entry.Created.Local().Format(time.RFC3339))
	fmt.Printf("Updated: %s\n", entry.Updated.Local().Format(time.RFC3339))
	return nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	path := args[0]
	if err := mgr.Mkdir(cmd.Context(), path); err != nil {
		return err
	}

	fmt.Printf("Created directory %s\n", displayPath(path))
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	path := args[0]
	if err := mgr.Unlink(cmd.Context(), path); err != nil {
		return err
	}

	fmt.Printf("Removed %s\n", displayPath(path))
	return nil
}

func runRmdir(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	path := args[0]
	if err := mgr.Rmdir(cmd.Context(), path); err != nil {
		return err
	}

	fmt.Printf("Removed directory %s\n", displayPath(path))
	return nil
}
