package hybrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// HelperName is the binary looked up on $PATH and next to the running
// executable.
const HelperName = "web-migrate-helper"

// DefaultHelperTimeout bounds a single helper invocation
const DefaultHelperTimeout = 30 * time.Second

// Helper invokes the native helper binary. One call is one child
// process: subcommand plus flags in argv, a single JSON envelope on
// stdout, child killed when the per-call timeout expires.
type Helper struct {
	path    string
	timeout time.Duration
}

// DiscoverHelper locates the helper binary: the explicit path when
// given, else $PATH, else a sibling of the running executable. An
// empty result means no helper; absence is never fatal.
func DiscoverHelper(explicit string) string {
	if explicit != "" {
		if info, err := os.Stat(explicit); err == nil && !info.IsDir() {
			return explicit
		}
		return ""
	}
	if p, err := exec.LookPath(HelperName); err == nil {
		return p
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), HelperName)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling
		}
	}
	return ""
}

// NewHelper wraps the binary at path. A non-positive timeout selects
// the default.
func NewHelper(path string, timeout time.Duration) *Helper {
	if timeout <= 0 {
		timeout = DefaultHelperTimeout
	}
	return &Helper{path: path, timeout: timeout}
}

// Path returns the helper binary location
func (h *Helper) Path() string { return h.path }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (h *Helper) invoke(ctx context.Context, subcommand string, args ...string) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	argv := append([]string{subcommand}, args...)
	cmd := exec.CommandContext(cctx, h.path, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, &HelperError{Subcommand: subcommand, Err: fmt.Errorf("timed out after %s", h.timeout)}
	}
	if err != nil {
		return nil, &HelperError{Subcommand: subcommand, Err: err, Stderr: strings.TrimSpace(stderr.String())}
	}

	var env envelope
	if uerr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &env); uerr != nil {
		return nil, &HelperError{Subcommand: subcommand, Err: fmt.Errorf("malformed response: %w", uerr)}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "unspecified helper failure"
		}
		return nil, &HelperError{Subcommand: subcommand, Err: errors.New(msg)}
	}
	return env.Data, nil
}

func decodeHelperData[T any](subcommand string, data json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &HelperError{Subcommand: subcommand, Err: fmt.Errorf("malformed data: %w", err)}
	}
	return out, nil
}

// Version probes the helper and returns its version string
func (h *Helper) Version(ctx context.Context) (string, error) {
	data, err := h.invoke(ctx, "version")
	if err != nil {
		return "", err
	}
	out, err := decodeHelperData[struct {
		Version string `json:"version"`
	}]("version", data)
	if err != nil {
		return "", err
	}
	return out.Version, nil
}

// Copy runs the helper's copy subcommand
func (h *Helper) Copy(ctx context.Context, src, dst string) (CopyResult, error) {
	data, err := h.invoke(ctx, "copy", "--src", src, "--dst", dst)
	if err != nil {
		return CopyResult{}, err
	}
	return decodeHelperData[CopyResult]("copy", data)
}

// Checksum runs the helper's checksum subcommand over paths
func (h *Helper) Checksum(ctx context.Context, paths []string) ([]ChecksumResult, error) {
	args := make([]string, 0, 2*len(paths))
	for _, p := range paths {
		args = append(args, "--path", p)
	}
	data, err := h.invoke(ctx, "checksum", args...)
	if err != nil {
		return nil, err
	}
	out, err := decodeHelperData[struct {
		Results []ChecksumResult `json:"results"`
	}]("checksum", data)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Compress runs the helper's compress subcommand
func (h *Helper) Compress(ctx context.Context, src, dst string, format Format, level int) (CompressResult, error) {
	data, err := h.invoke(ctx, "compress",
		"--src", src, "--dst", dst,
		"--format", string(format), "--level", strconv.Itoa(level))
	if err != nil {
		return CompressResult{}, err
	}
	return decodeHelperData[CompressResult]("compress", data)
}

// Decompress runs the helper's decompress subcommand. An empty format
// lets the helper infer it from the extension.
func (h *Helper) Decompress(ctx context.Context, src, dst string, format Format) (DecompressResult, error) {
	args := []string{"--src", src, "--dst", dst}
	if format != "" {
		args = append(args, "--format", string(format))
	}
	data, err := h.invoke(ctx, "decompress", args...)
	if err != nil {
		return DecompressResult{}, err
	}
	return decodeHelperData[DecompressResult]("decompress", data)
}

// Monitor runs the helper's monitor subcommand
func (h *Helper) Monitor(ctx context.Context) (SystemStats, error) {
	data, err := h.invoke(ctx, "monitor")
	if err != nil {
		return SystemStats{}, err
	}
	return decodeHelperData[SystemStats]("monitor", data)
}

// Transfer runs the helper's transfer subcommand, a recursive tree
// copy with parallel workers.
func (h *Helper) Transfer(ctx context.Context, src, dst string, parallel int) (TransferBatchResult, error) {
	data, err := h.invoke(ctx, "transfer",
		"--src", src, "--dst", dst, "--parallel", strconv.Itoa(parallel))
	if err != nil {
		return TransferBatchResult{}, err
	}
	return decodeHelperData[TransferBatchResult]("transfer", data)
}
