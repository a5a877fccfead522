// web-migrate-helper is the native helper probed by the control plane:
// one subcommand per hot-path operation, flags in argv, a single-line
// JSON envelope on stdout. A failed operation reports the error both in
// the envelope and on stderr and exits nonzero.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artemis/web-migrate/internal/hybrid"
)

// version is stamped at build time via -ldflags.
var version = "dev"

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func emit(data interface{}, err error) {
	if err != nil {
		fail(err)
	}
	out, merr := json.Marshal(envelope{Success: true, Data: data})
	if merr != nil {
		fail(merr)
	}
	fmt.Println(string(out))
}

func fail(err error) {
	out, _ := json.Marshal(envelope{Success: false, Error: err.Error()})
	fmt.Println(string(out))
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "web-migrate-helper",
	Short: "Native file and host operations for web-migrate",
	Long: `web-migrate-helper performs the hot-path operations of the migration
control plane: file copies, checksums, compression, tree transfers and
host monitoring. Results are written as one JSON envelope on stdout.`,
}

var (
	srcFlag      string
	dstFlag      string
	formatFlag   string
	levelFlag    int
	parallelFlag int
	pathsFlag    []string
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Copy one file",
	Run: func(cmd *cobra.Command, args []string) {
		res, err := hybrid.CopyFile(context.Background(), srcFlag, dstFlag)
		emit(res, err)
	},
}

var checksumCmd = &cobra.Command{
	Use:   "checksum",
	Short: "Digest files with MD5, SHA-1 and SHA-256",
	Run: func(cmd *cobra.Command, args []string) {
		results := hybrid.CalculateChecksums(context.Background(), pathsFlag)
		emit(struct {
			Results []hybrid.ChecksumResult `json:"results"`
		}{results}, nil)
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Compress a file or directory",
	Run: func(cmd *cobra.Command, args []string) {
		format := hybrid.Format(formatFlag)
		if format == "" {
			format = hybrid.DetectFormat(dstFlag)
		}
		res, err := hybrid.CompressFile(context.Background(), srcFlag, dstFlag, format, levelFlag)
		emit(res, err)
	},
}

var decompressCmd = &cobra.Command{
	Use:   "decompress",
	Short: "Decompress or extract an archive",
	Run: func(cmd *cobra.Command, args []string) {
		format := hybrid.Format(formatFlag)
		if format == "" {
			format = hybrid.DetectFormat(srcFlag)
		}
		res, err := hybrid.DecompressFile(context.Background(), srcFlag, dstFlag, format)
		emit(res, err)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Read a host statistics snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := hybrid.CollectSystemStats(context.Background())
		emit(stats, err)
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Copy a directory tree with parallel workers",
	Run: func(cmd *cobra.Command, args []string) {
		res, err := hybrid.CopyTree(context.Background(), srcFlag, dstFlag, parallelFlag)
		emit(res, err)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		emit(struct {
			Version string `json:"version"`
		}{version}, nil)
	},
}

func init() {
	copyCmd.Flags().StringVar(&srcFlag, "src", "", "source file")
	copyCmd.Flags().StringVar(&dstFlag, "dst", "", "destination file")
	copyCmd.MarkFlagRequired("src")
	copyCmd.MarkFlagRequired("dst")

	checksumCmd.Flags().StringArrayVar(&pathsFlag, "path", nil, "file to digest, repeatable")
	checksumCmd.MarkFlagRequired("path")

	compressCmd.Flags().StringVar(&srcFlag, "src", "", "source file or directory")
	compressCmd.Flags().StringVar(&dstFlag, "dst", "", "destination archive")
	compressCmd.Flags().StringVar(&formatFlag, "format", "", "compression format (default: from destination extension)")
	compressCmd.Flags().IntVar(&levelFlag, "level", 0, "compression level, 0 selects the default")
	compressCmd.MarkFlagRequired("src")
	compressCmd.MarkFlagRequired("dst")

	decompressCmd.Flags().StringVar(&srcFlag, "src", "", "source archive")
	decompressCmd.Flags().StringVar(&dstFlag, "dst", "", "destination file or directory")
	decompressCmd.Flags().StringVar(&formatFlag, "format", "", "compression format (default: from source extension)")
	decompressCmd.MarkFlagRequired("src")
	decompressCmd.MarkFlagRequired("dst")

	transferCmd.Flags().StringVar(&srcFlag, "src", "", "source directory")
	transferCmd.Flags().StringVar(&dstFlag, "dst", "", "destination directory")
	transferCmd.Flags().IntVar(&parallelFlag, "parallel", 4, "concurrent copy workers")
	transferCmd.MarkFlagRequired("src")
	transferCmd.MarkFlagRequired("dst")

	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(checksumCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(decompressCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(versionCmd)
}
