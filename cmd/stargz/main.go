package main

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/flaneur2020/stargz-core/stargz"
	"github.com/flaneur2020/stargz-core/stargz/logger"
)

var (
	verbose    bool
	debug      bool
	chunkSize  int64
	noProgress bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stargz",
		Short: "Read and write stargz (seekable tar+gzip) archives",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case debug:
				logger.SetLogLevel(logger.LogLevelDebug)
			case verbose:
				logger.SetLogLevel(logger.LogLevelInfo)
			default:
				logger.SetLogLevel(logger.LogLevelError)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (INFO level)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (DEBUG level)")

	readCmd := &cobra.Command{
		Use:   "read <file.stargz>",
		Short: "Print the TOC version, entry count, and a per-entry listing",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}

	convertCmd := &cobra.Command{
		Use:   "convert <input.tar> <output.stargz>",
		Short: "Convert a tar stream into a stargz archive and print its diff-ID",
		Args:  cobra.ExactArgs(2),
		RunE:  runConvert,
	}
	convertCmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Chunk size in bytes for regular files (0 = 4MiB default)")
	convertCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	rootCmd.AddCommand(readCmd, convertCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRead(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	r, err := stargz.Open(f, stat.Size())
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	entries := r.Entries()
	fmt.Printf("stargz TOC version: %d\n", r.Version())
	fmt.Printf("entries: %d\n", len(entries))
	for _, e := range entries {
		fmt.Printf("%-8s %10d  %s\n", e.Type, e.Size, e.Name)
	}
	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	inputPath, outputPath := args[0], args[1]

	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", inputPath, err)
	}
	defer in.Close()

	var reader io.Reader = in
	if !noProgress {
		if stat, err := in.Stat(); err == nil && stat.Size() > 0 {
			bar := progressbar.DefaultBytes(stat.Size(), "converting")
			reader = io.TeeReader(in, bar)
		}
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outputPath, err)
	}
	defer out.Close()

	w := stargz.NewWriter(out)
	w.SetChunkSize(chunkSize)

	if err := w.AppendTar(reader); err != nil {
		return fmt.Errorf("converting: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing %s: %w", outputPath, err)
	}

	fmt.Printf("\nwrote %s, diff-ID: %s\n", outputPath, w.DiffID())
	return nil
}
