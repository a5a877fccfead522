package hybrid

import (
	"archive/tar"
	"archive/zip"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"
)

const (
	// copyChunkSize is the buffer size for chunked copies; cancellation
	// is checked between chunks.
	copyChunkSize = 1 << 20
	// defaultCompressionLevel is used when the caller passes level 0
	defaultCompressionLevel = 6
)

// CopyFile copies src to dst in process, hashing the stream with
// SHA-256 as it goes. Parent directories of dst are created; a partial
// destination is removed on failure.
func CopyFile(ctx context.Context, src, dst string) (CopyResult, error) {
	start := time.Now()

	in, err := os.Open(src)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return CopyResult{}, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return CopyResult{}, fmt.Errorf("%w: source %s is a directory", ErrInvalidArgument, src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return CopyResult{}, fmt.Errorf("create destination directory: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return CopyResult{}, fmt.Errorf("create destination: %w", err)
	}

	hash := sha256.New()
	n, err := copyWithContext(ctx, io.MultiWriter(out, hash), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return CopyResult{}, fmt.Errorf("copy %s: %w", src, err)
	}

	elapsed := time.Since(start)
	return CopyResult{
		Bytes:            n,
		DurationMs:       durationMs(elapsed),
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
		TransferRateMBps: mbps(n, elapsed),
		Success:          true,
	}, nil
}

// CopyTree mirrors the directory tree at src under dst, copying
// regular files with up to parallel workers. Other entry types are
// skipped.
func CopyTree(ctx context.Context, src, dst string, parallel int) (TransferBatchResult, error) {
	start := time.Now()
	if parallel < 1 {
		parallel = 1
	}

	info, err := os.Stat(src)
	if err != nil {
		return TransferBatchResult{}, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return TransferBatchResult{}, fmt.Errorf("%w: source %s is not a directory", ErrInvalidArgument, src)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	var files, bytes atomic.Int64

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			di, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, di.Mode().Perm())
		}
		if !d.Type().IsRegular() {
			return nil
		}
		g.Go(func() error {
			res, err := CopyFile(gctx, path, target)
			if err != nil {
				return err
			}
			files.Add(1)
			bytes.Add(res.Bytes)
			return nil
		})
		return nil
	})

	// a worker failure cancels gctx and aborts the walk; prefer the
	// worker's error as the cause
	gerr := g.Wait()
	if gerr == nil {
		gerr = walkErr
	}
	if gerr != nil {
		return TransferBatchResult{}, fmt.Errorf("copy tree %s: %w", src, gerr)
	}

	elapsed := time.Since(start)
	return TransferBatchResult{
		Files:      files.Load(),
		Bytes:      bytes.Load(),
		DurationMs: durationMs(elapsed),
		RateMBps:   mbps(bytes.Load(), elapsed),
	}, nil
}

// QuickChecksum returns the xxhash64 of a file, a fast digest for
// post-copy verification.
func QuickChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum64(), nil
}

// CalculateChecksums digests each path with MD5, SHA-1 and SHA-256 in
// a single pass. A failing path fills its entry's Error and never
// affects the others; the result list is index-aligned with paths.
func CalculateChecksums(ctx context.Context, paths []string) []ChecksumResult {
	results := make([]ChecksumResult, 0, len(paths))
	for _, p := range paths {
		results = append(results, checksumFile(ctx, p))
	}
	return results
}

func checksumFile(ctx context.Context, path string) ChecksumResult {
	res := ChecksumResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer f.Close()

	md5h, sha1h, sha256h := md5.New(), sha1.New(), sha256.New()
	n, err := copyWithContext(ctx, io.MultiWriter(md5h, sha1h, sha256h), f)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Size = n
	res.MD5 = hex.EncodeToString(md5h.Sum(nil))
	res.SHA1 = hex.EncodeToString(sha1h.Sum(nil))
	res.SHA256 = hex.EncodeToString(sha256h.Sum(nil))
	return res
}

// CompressFile compresses the file or directory at src into dst.
// Directories require an archive format (zip or the tar family).
// Level 0 selects the default; otherwise it must be within 1..9.
func CompressFile(ctx context.Context, src, dst string, format Format, level int) (CompressResult, error) {
	start := time.Now()

	if !format.Valid() {
		return CompressResult{}, fmt.Errorf("%w: unknown format %q", ErrInvalidArgument, format)
	}
	if level == 0 {
		level = defaultCompressionLevel
	}
	if level < 1 || level > 9 {
		return CompressResult{}, fmt.Errorf("%w: compression level %d outside 1..9", ErrInvalidArgument, level)
	}

	info, err := os.Stat(src)
	if err != nil {
		return CompressResult{}, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() && !format.Archive() {
		return CompressResult{}, fmt.Errorf("%w: format %q cannot archive directory %s", ErrInvalidArgument, format, src)
	}

	originalSize := info.Size()
	if info.IsDir() {
		if originalSize, err = treeSize(src); err != nil {
			return CompressResult{}, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return CompressResult{}, fmt.Errorf("create archive directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return CompressResult{}, fmt.Errorf("create archive: %w", err)
	}

	switch format {
	case FormatZip:
		err = writeZip(ctx, out, src, info.IsDir(), level)
	case FormatGzip, FormatBzip2, FormatXz:
		err = compressStream(ctx, out, src, format, level)
	default:
		err = writeTar(ctx, out, src, info.IsDir(), format, level)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return CompressResult{}, fmt.Errorf("compress %s: %w", src, err)
	}

	outInfo, err := os.Stat(dst)
	if err != nil {
		return CompressResult{}, fmt.Errorf("stat archive: %w", err)
	}
	var ratio float64
	if originalSize > 0 {
		ratio = float64(outInfo.Size()) / float64(originalSize)
	}
	return CompressResult{
		OriginalSize:   originalSize,
		CompressedSize: outInfo.Size(),
		Ratio:          ratio,
		DurationMs:     durationMs(time.Since(start)),
		Format:         format,
		Method:         string(BackendInProcess),
	}, nil
}

// DecompressFile reverses CompressFile. For single-stream formats dst
// is the output file; for archive formats dst is the directory the
// entries are extracted into. When format is empty it is inferred from
// src's extension.
func DecompressFile(ctx context.Context, src, dst string, format Format) (DecompressResult, error) {
	start := time.Now()

	if format == "" {
		format = DetectFormat(src)
	}
	if !format.Valid() {
		return DecompressResult{}, fmt.Errorf("%w: unknown format %q", ErrInvalidArgument, format)
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return DecompressResult{}, fmt.Errorf("stat archive: %w", err)
	}

	var written, files int64
	switch format {
	case FormatZip:
		files, written, err = extractZip(ctx, src, dst)
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz:
		files, written, err = extractTarFile(ctx, src, dst, format)
	default:
		written, err = decompressStream(ctx, src, dst, format)
		files = 1
	}
	if err != nil {
		return DecompressResult{}, fmt.Errorf("decompress %s: %w", src, err)
	}

	return DecompressResult{
		CompressedSize:   srcInfo.Size(),
		DecompressedSize: written,
		Files:            files,
		DurationMs:       durationMs(time.Since(start)),
		Format:           format,
		Method:           string(BackendInProcess),
	}, nil
}

// CollectSystemStats reads a host snapshot via gopsutil. The CPU
// reading samples over a short interval.
func CollectSystemStats(ctx context.Context) (SystemStats, error) {
	stats := SystemStats{Timestamp: time.Now().UTC()}

	cpuPcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return stats, fmt.Errorf("cpu percent: %w", err)
	}
	if len(cpuPcts) > 0 {
		stats.CPU.UsagePercent = cpuPcts[0]
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPU.Count = count
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		stats.CPU.FreqMHz = infos[0].Mhz
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("virtual memory: %w", err)
	}
	stats.Memory = MemoryStats{
		Total:       vm.Total,
		Available:   vm.Available,
		Used:        vm.Used,
		UsedPercent: vm.UsedPercent,
		Free:        vm.Free,
	}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("swap memory: %w", err)
	}
	stats.Swap = SwapStats{
		Total:       swap.Total,
		Used:        swap.Used,
		Free:        swap.Free,
		UsedPercent: swap.UsedPercent,
	}

	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return stats, fmt.Errorf("disk partitions: %w", err)
	}
	for _, p := range parts {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		stats.Disk = append(stats.Disk, DiskStats{
			Mount:       p.Mountpoint,
			Total:       usage.Total,
			Used:        usage.Used,
			Free:        usage.Free,
			UsedPercent: usage.UsedPercent,
		})
	}

	netIO, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return stats, fmt.Errorf("net io counters: %w", err)
	}
	if len(netIO) > 0 {
		stats.Network = NetworkStats{
			BytesSent:   netIO[0].BytesSent,
			BytesRecv:   netIO[0].BytesRecv,
			PacketsSent: netIO[0].PacketsSent,
			PacketsRecv: netIO[0].PacketsRecv,
		}
	}

	return stats, nil
}

// copyWithContext copies in chunks, checking cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func compressStream(ctx context.Context, out io.Writer, src string, format Format, level int) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	cw, err := newCompressWriter(out, format, level)
	if err != nil {
		return err
	}
	if _, err := copyWithContext(ctx, cw, in); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

func decompressStream(ctx context.Context, src, dst string, format Format) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	cr, err := newDecompressReader(in, format)
	if err != nil {
		return 0, err
	}
	defer cr.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}

	n, err := copyWithContext(ctx, out, cr)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}

// newCompressWriter wraps w with the codec for format. The xz writer
// does not expose levels; the others honor 1..9.
func newCompressWriter(w io.Writer, format Format, level int) (io.WriteCloser, error) {
	switch format {
	case FormatGzip, FormatTarGz:
		return gzip.NewWriterLevel(w, level)
	case FormatBzip2, FormatTarBz2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
	case FormatXz, FormatTarXz:
		return xz.NewWriter(w)
	case FormatTar:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("%w: no codec for format %q", ErrInvalidArgument, format)
	}
}

func newDecompressReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case FormatGzip, FormatTarGz:
		return gzip.NewReader(r)
	case FormatBzip2, FormatTarBz2:
		return bzip2.NewReader(r, nil)
	case FormatXz, FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case FormatTar:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("%w: no codec for format %q", ErrInvalidArgument, format)
	}
}

func writeTar(ctx context.Context, out io.Writer, src string, isDir bool, format Format, level int) error {
	cw, err := newCompressWriter(out, format, level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	if isDir {
		err = walkArchiveEntries(ctx, src, func(rel string, info fs.FileInfo, path string) error {
			hdr, herr := tar.FileInfoHeader(info, "")
			if herr != nil {
				return herr
			}
			hdr.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}
			if werr := tw.WriteHeader(hdr); werr != nil {
				return werr
			}
			if info.IsDir() {
				return nil
			}
			return streamFileInto(ctx, tw, path)
		})
	} else {
		err = func() error {
			info, serr := os.Stat(src)
			if serr != nil {
				return serr
			}
			hdr, herr := tar.FileInfoHeader(info, "")
			if herr != nil {
				return herr
			}
			hdr.Name = filepath.Base(src)
			if werr := tw.WriteHeader(hdr); werr != nil {
				return werr
			}
			return streamFileInto(ctx, tw, src)
		}()
	}

	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	return err
}

func writeZip(ctx context.Context, out io.Writer, src string, isDir bool, level int) error {
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	addEntry := func(rel string, info fs.FileInfo, path string) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		return streamFileInto(ctx, w, path)
	}

	var err error
	if isDir {
		err = walkArchiveEntries(ctx, src, addEntry)
	} else {
		var info fs.FileInfo
		if info, err = os.Stat(src); err == nil {
			err = addEntry(filepath.Base(src), info, src)
		}
	}

	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return err
}

// walkArchiveEntries visits every directory and regular file under
// root except root itself, with paths relative to root. Other entry
// types (sockets, devices, symlinks) are skipped.
func walkArchiveEntries(ctx context.Context, root string, fn func(rel string, info fs.FileInfo, path string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(rel, info, path)
	})
}

func streamFileInto(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = copyWithContext(ctx, w, f)
	return err
}

func extractTarFile(ctx context.Context, src, dst string, format Format) (files, written int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, 0, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	cr, err := newDecompressReader(in, format)
	if err != nil {
		return 0, 0, err
	}
	defer cr.Close()

	tr := tar.NewReader(cr)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return files, written, cerr
		}
		hdr, nerr := tr.Next()
		if nerr == io.EOF {
			return files, written, nil
		}
		if nerr != nil {
			return files, written, nerr
		}

		target, jerr := safeJoin(dst, hdr.Name)
		if jerr != nil {
			return files, written, jerr
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if merr := os.MkdirAll(target, entryMode(hdr.Mode)); merr != nil {
				return files, written, merr
			}
		case tar.TypeReg:
			n, werr := writeExtracted(ctx, target, entryMode(hdr.Mode), tr)
			written += n
			if werr != nil {
				return files, written, werr
			}
			files++
		}
	}
}

func extractZip(ctx context.Context, src, dst string) (files, written int64, err error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, 0, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if cerr := ctx.Err(); cerr != nil {
			return files, written, cerr
		}
		target, jerr := safeJoin(dst, f.Name)
		if jerr != nil {
			return files, written, jerr
		}
		if f.FileInfo().IsDir() {
			if merr := os.MkdirAll(target, f.Mode().Perm()|0o700); merr != nil {
				return files, written, merr
			}
			continue
		}

		rc, oerr := f.Open()
		if oerr != nil {
			return files, written, oerr
		}
		n, werr := writeExtracted(ctx, target, f.Mode().Perm(), rc)
		rc.Close()
		written += n
		if werr != nil {
			return files, written, werr
		}
		files++
	}
	return files, written, nil
}

func writeExtracted(ctx context.Context, target string, mode os.FileMode, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := copyWithContext(ctx, out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
	}
	return n, err
}

// safeJoin rejects archive entry names that would escape dst
func safeJoin(dst, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: archive entry escapes destination: %s", ErrInvalidArgument, name)
	}
	return filepath.Join(dst, cleaned), nil
}

func entryMode(mode int64) os.FileMode {
	m := os.FileMode(mode).Perm()
	if m == 0 {
		m = 0o755
	}
	return m
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, ierr := d.Info()
			if ierr != nil {
				return ierr
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", root, err)
	}
	return total, nil
}

func mbps(bytes int64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) / secs / (1 << 20)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
