package dump_test

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/willibrandon/pgshovel/internal/dump"
)

var archivePayload = []byte("1,alice\n2,bob\n3,carol\n")

func TestRangeArchive_RoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		compression dump.CompressionType
		ext         string
		decompress  func(t *testing.T, data []byte) []byte
	}{
		{
			name:        "none",
			compression: dump.CompressionNone,
			ext:         ".csv",
			decompress:  func(t *testing.T, data []byte) []byte { return data },
		},
		{
			name:        "gzip",
			compression: dump.CompressionGzip,
			ext:         ".csv.gz",
			decompress: func(t *testing.T, data []byte) []byte {
				r, err := gzip.NewReader(bytes.NewReader(data))
				if err != nil {
					t.Fatalf("gzip.NewReader() error = %v", err)
				}
				out, err := io.ReadAll(r)
				if err != nil {
					t.Fatalf("gzip read error = %v", err)
				}
				return out
			},
		},
		{
			name:        "lz4",
			compression: dump.CompressionLZ4,
			ext:         ".csv.lz4",
			decompress: func(t *testing.T, data []byte) []byte {
				out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
				if err != nil {
					t.Fatalf("lz4 read error = %v", err)
				}
				return out
			},
		},
		{
			name:        "zstd",
			compression: dump.CompressionZstd,
			ext:         ".csv.zst",
			decompress: func(t *testing.T, data []byte) []byte {
				r, err := zstd.NewReader(bytes.NewReader(data))
				if err != nil {
					t.Fatalf("zstd.NewReader() error = %v", err)
				}
				defer r.Close()
				out, err := io.ReadAll(r)
				if err != nil {
					t.Fatalf("zstd read error = %v", err)
				}
				return out
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := dump.ArchiveConfig{Dir: dir, Compression: tt.compression}

			archive, err := dump.NewRangeArchive(cfg, "public.users", 3)
			if err != nil {
				t.Fatalf("NewRangeArchive() error = %v", err)
			}

			if _, err := archive.Write(archivePayload); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			file, checksum, err := archive.Finish()
			if err != nil {
				t.Fatalf("Finish() error = %v", err)
			}

			wantFile := "public_users.r0003" + tt.ext
			if file != wantFile {
				t.Errorf("file = %q; want %q", file, wantFile)
			}

			sum := sha256.Sum256(archivePayload)
			wantChecksum := "sha256:" + hex.EncodeToString(sum[:])
			if checksum != wantChecksum {
				t.Errorf("checksum = %q; want %q", checksum, wantChecksum)
			}

			data, err := os.ReadFile(filepath.Join(dir, file))
			if err != nil {
				t.Fatalf("Failed to read archive file: %v", err)
			}
			if got := tt.decompress(t, data); !bytes.Equal(got, archivePayload) {
				t.Errorf("decompressed archive = %q; want %q", got, archivePayload)
			}
		})
	}
}

func TestRangeArchive_Discard(t *testing.T) {
	dir := t.TempDir()
	archive, err := dump.NewRangeArchive(dump.ArchiveConfig{Dir: dir, Compression: dump.CompressionZstd}, "t", 0)
	if err != nil {
		t.Fatalf("NewRangeArchive() error = %v", err)
	}
	if _, err := archive.Write(archivePayload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	archive.Discard()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("archive dir has %d entries after Discard; want 0", len(entries))
	}
}

func TestCompressionType_IsValid(t *testing.T) {
	for _, c := range dump.AllCompressionTypes() {
		if !c.IsValid() {
			t.Errorf("%s.IsValid() = false; want true", c)
		}
	}
	if dump.CompressionType("brotli").IsValid() {
		t.Error(`CompressionType("brotli").IsValid() = true; want false`)
	}
}
