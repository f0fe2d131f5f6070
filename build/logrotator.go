package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip is the default compressor of rolled log files.
	Gzip = "gzip"

	// Zstd compresses better than Gzip and faster.
	Zstd = "zstd"
)

// logCompressor creates the compressor of rolled files and names their
// extension.
type logCompressor struct {
	ext    string
	create func() (rotator.Compressor, error)
}

var logCompressors = map[string]logCompressor{
	Gzip: {
		ext: "gz",
		create: func() (rotator.Compressor, error) {
			return gzip.NewWriter(nil), nil
		},
	},
	Zstd: {
		ext: "zst",
		create: func() (rotator.Compressor, error) {
			return zstd.NewWriter(nil)
		},
	},
}

// SupportedLogCompressor reports whether logCompressor names a known
// compressor.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]
	return ok
}

// RotatingLogWriter writes to a size rotated log file. It discards writes
// until InitLogRotator was called.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
}

// NewRotatingLogWriter creates a writer without a log file.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator starts writing to logFile, rolling compressed files next to
// it. Close must be called on shutdown.
func (r *RotatingLogWriter) InitLogRotator(cfg *LogConfig,
	logFile string) error {

	compressor, ok := logCompressors[cfg.Compressor]
	if !ok {
		return fmt.Errorf("unknown log compressor: %v", cfg.Compressor)
	}
	c, err := compressor.create()
	if err != nil {
		return fmt.Errorf("failed to create %s compressor: %w",
			cfg.Compressor, err)
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r.rotator, err = rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	r.rotator.SetCompressor(c, compressor.ext)

	// Failures at runtime, such as a full disk, only reach stderr.
	pr, pw := io.Pipe()
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()
	r.pipe = pw

	return nil
}

// Write implements io.Writer.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.pipe == nil {
		return len(b), nil
	}

	return r.pipe.Write(b)
}

// Close stops the rotator, if it was started.
func (r *RotatingLogWriter) Close() error {
	if r.pipe != nil {
		_ = r.pipe.Close()
	}
	if r.rotator == nil {
		return nil
	}

	return r.rotator.Close()
}
