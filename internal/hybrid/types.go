package hybrid

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend identifies which implementation answered an operation
type Backend string

const (
	BackendNative    Backend = "native"
	BackendInProcess Backend = "inprocess"
)

// ErrInvalidArgument marks caller errors (bad format, bad level,
// directory where a file is required).
var ErrInvalidArgument = errors.New("invalid argument")

// ErrHelperUnavailable is returned by operations that require the
// native helper when none was discovered.
var ErrHelperUnavailable = errors.New("native helper unavailable")

// HelperError reports a failed native helper invocation
type HelperError struct {
	Subcommand string
	Err        error
	Stderr     string
}

func (e *HelperError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("helper %s: %v: %s", e.Subcommand, e.Err, e.Stderr)
	}
	return fmt.Sprintf("helper %s: %v", e.Subcommand, e.Err)
}

func (e *HelperError) Unwrap() error { return e.Err }

// Format enumerates the supported compression and archive formats
type Format string

const (
	FormatGzip   Format = "gzip"
	FormatBzip2  Format = "bzip2"
	FormatXz     Format = "xz"
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarBz2 Format = "tar.bz2"
	FormatTarXz  Format = "tar.xz"
)

// Valid reports whether f is a known format
func (f Format) Valid() bool {
	switch f {
	case FormatGzip, FormatBzip2, FormatXz, FormatZip,
		FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz:
		return true
	}
	return false
}

// Archive reports whether f can hold a directory tree
func (f Format) Archive() bool {
	switch f {
	case FormatZip, FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz:
		return true
	}
	return false
}

// DetectFormat infers a format from a filename extension. Unknown
// extensions default to gzip.
func DetectFormat(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return FormatTarBz2
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".bz2"):
		return FormatBzip2
	case strings.HasSuffix(lower, ".xz"):
		return FormatXz
	default:
		return FormatGzip
	}
}

// CopyResult reports one file copy
type CopyResult struct {
	Bytes            int64   `json:"bytes"`
	DurationMs       float64 `json:"duration_ms"`
	Checksum         string  `json:"checksum"`
	TransferRateMBps float64 `json:"transfer_rate_mbps"`
	Success          bool    `json:"success"`
	Backend          Backend `json:"backend,omitempty"`
}

// TransferBatchResult reports a recursive tree copy
type TransferBatchResult struct {
	Files      int64   `json:"files"`
	Bytes      int64   `json:"bytes"`
	DurationMs float64 `json:"duration_ms"`
	RateMBps   float64 `json:"rate_mbps"`
	Backend    Backend `json:"backend,omitempty"`
}

// ChecksumResult carries the three digests of one file. A per-file
// failure fills Error and leaves the digests empty.
type ChecksumResult struct {
	Path   string `json:"path"`
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size"`
	Error  string `json:"error,omitempty"`
}

// CompressResult reports one compression
type CompressResult struct {
	OriginalSize   int64   `json:"original_size"`
	CompressedSize int64   `json:"compressed_size"`
	Ratio          float64 `json:"ratio"`
	DurationMs     float64 `json:"duration_ms"`
	Format         Format  `json:"format"`
	Method         string  `json:"method"`
}

// DecompressResult reports one decompression or extraction
type DecompressResult struct {
	CompressedSize   int64   `json:"compressed_size"`
	DecompressedSize int64   `json:"decompressed_size"`
	Files            int64   `json:"files"`
	DurationMs       float64 `json:"duration_ms"`
	Format           Format  `json:"format"`
	Method           string  `json:"method"`
}

// SystemStats is a point-in-time host snapshot
type SystemStats struct {
	Timestamp time.Time    `json:"timestamp"`
	CPU       CPUStats     `json:"cpu"`
	Memory    MemoryStats  `json:"memory"`
	Swap      SwapStats    `json:"swap"`
	Disk      []DiskStats  `json:"disk"`
	Network   NetworkStats `json:"network"`
}

type CPUStats struct {
	UsagePercent float64 `json:"usage_percent"`
	Count        int     `json:"count"`
	FreqMHz      float64 `json:"freq_mhz,omitempty"`
}

type MemoryStats struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
	Free        uint64  `json:"free"`
}

type SwapStats struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type DiskStats struct {
	Mount       string  `json:"mount"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type NetworkStats struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// BenchmarkResult reports repeated timings of one operation on one
// backend.
type BenchmarkResult struct {
	Operation  string  `json:"operation"`
	Backend    Backend `json:"backend"`
	Iterations int     `json:"iterations"`
	AvgMs      float64 `json:"avg_ms"`
	MinMs      float64 `json:"min_ms"`
	MaxMs      float64 `json:"max_ms"`
}

// CompareResult reports a native vs in-process benchmark
type CompareResult struct {
	Operation    string  `json:"operation"`
	Iterations   int     `json:"iterations"`
	NativeAvgMs  float64 `json:"native_avg_ms"`
	InprocAvgMs  float64 `json:"inproc_avg_ms"`
	Speedup      float64 `json:"speedup"`
	NativeFaster bool    `json:"native_faster"`
}
