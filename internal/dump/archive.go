package dump

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents the compression used for range archive files.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionLZ4  CompressionType = "lz4"
	CompressionZstd CompressionType = "zstd"
)

// AllCompressionTypes returns all valid compression types.
func AllCompressionTypes() []CompressionType {
	return []CompressionType{
		CompressionNone,
		CompressionGzip,
		CompressionLZ4,
		CompressionZstd,
	}
}

// IsValid returns true if the compression type is recognized.
func (c CompressionType) IsValid() bool {
	for _, valid := range AllCompressionTypes() {
		if c == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// extension returns the filename suffix for the compression type.
func (c CompressionType) extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionLZ4:
		return ".lz4"
	case CompressionZstd:
		return ".zst"
	}
	return ""
}

// ArchiveConfig configures the optional per-range spool files.
type ArchiveConfig struct {
	Dir         string
	Compression CompressionType
}

// Enabled reports whether archiving is requested.
func (a ArchiveConfig) Enabled() bool {
	return a.Dir != ""
}

// RangeArchive tees one range's COPY stream into a compressed file while
// hashing the uncompressed bytes. Failed ranges can be re-applied or audited
// from the file afterwards.
type RangeArchive struct {
	path     string
	relPath  string
	file     *os.File
	writer   io.Writer
	closer   io.Closer
	hasher   hash.Hash
	finished bool
}

// NewRangeArchive creates the archive file for a range. The filename encodes
// the table and range index: <table>.r<idx>.csv[.gz|.lz4|.zst].
func NewRangeArchive(cfg ArchiveConfig, table string, rangeIndex int) (*RangeArchive, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	filename := fmt.Sprintf("%s.r%04d.csv%s", sanitizeIdentifier(table), rangeIndex, cfg.Compression.extension())
	path := filepath.Join(cfg.Dir, filename)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file %s: %w", path, err)
	}

	a := &RangeArchive{
		path:    path,
		relPath: filename,
		file:    file,
		hasher:  sha256.New(),
	}

	switch cfg.Compression {
	case CompressionGzip:
		gzWriter := gzip.NewWriter(file)
		a.writer = gzWriter
		a.closer = gzWriter
	case CompressionLZ4:
		lz4Writer := lz4.NewWriter(file)
		a.writer = lz4Writer
		a.closer = lz4Writer
	case CompressionZstd:
		zstdWriter, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		a.writer = zstdWriter
		a.closer = zstdWriter
	default:
		a.writer = file
	}

	return a, nil
}

// Write implements io.Writer; the uncompressed bytes feed the checksum.
func (a *RangeArchive) Write(p []byte) (int, error) {
	a.hasher.Write(p)
	return a.writer.Write(p)
}

// Finish flushes and closes the archive, returning the relative file name
// and the sha256 checksum of the uncompressed stream.
func (a *RangeArchive) Finish() (file, checksum string, err error) {
	if a.finished {
		return a.relPath, "", ErrSequencing
	}
	a.finished = true

	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			a.file.Close()
			return "", "", fmt.Errorf("failed to close compression writer: %w", err)
		}
	}
	if err := a.file.Close(); err != nil {
		return "", "", fmt.Errorf("failed to close archive file: %w", err)
	}

	return a.relPath, "sha256:" + hex.EncodeToString(a.hasher.Sum(nil)), nil
}

// Discard closes and removes a partially written archive after a failed
// range transfer.
func (a *RangeArchive) Discard() {
	if a.closer != nil {
		a.closer.Close()
	}
	a.file.Close()
	os.Remove(a.path)
}
