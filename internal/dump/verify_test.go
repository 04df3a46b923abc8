package dump

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestComputeFingerprintCountsRows(t *testing.T) {
	stream := "1\talice\n2\tbob\n3\tcarol\n"

	fp, err := ComputeFingerprint(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("ComputeFingerprint failed: %v", err)
	}

	if fp.Rows != 3 {
		t.Errorf("expected 3 rows, got %d", fp.Rows)
	}

	sum := sha256.Sum256([]byte(stream))
	want := "sha256:" + hex.EncodeToString(sum[:])
	if fp.Hash != want {
		t.Errorf("expected hash %s, got %s", want, fp.Hash)
	}
}

func TestComputeFingerprintEmptyStream(t *testing.T) {
	fp, err := ComputeFingerprint(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ComputeFingerprint failed: %v", err)
	}

	if fp.Rows != 0 {
		t.Errorf("expected 0 rows, got %d", fp.Rows)
	}

	sum := sha256.Sum256(nil)
	want := "sha256:" + hex.EncodeToString(sum[:])
	if fp.Hash != want {
		t.Errorf("expected empty-input hash %s, got %s", want, fp.Hash)
	}
}

func TestFingerprintOrderSensitive(t *testing.T) {
	a, err := ComputeFingerprint(strings.NewReader("1\talice\n2\tbob\n"))
	if err != nil {
		t.Fatalf("ComputeFingerprint failed: %v", err)
	}
	b, err := ComputeFingerprint(strings.NewReader("2\tbob\n1\talice\n"))
	if err != nil {
		t.Fatalf("ComputeFingerprint failed: %v", err)
	}

	if a.Rows != b.Rows {
		t.Fatalf("row counts should match: %d vs %d", a.Rows, b.Rows)
	}
	if a.Equal(b) {
		t.Error("same rows in different order should not produce equal fingerprints")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	stream := "10\tx\n20\ty\n30\tz\n"

	a, _ := ComputeFingerprint(strings.NewReader(stream))
	b, _ := ComputeFingerprint(strings.NewReader(stream))

	if !a.Equal(b) {
		t.Errorf("identical streams produced different fingerprints: %+v vs %+v", a, b)
	}
}

func TestFingerprintChunkedWritesMatchSingleWrite(t *testing.T) {
	stream := "1\talice\n2\tbob\n3\tcarol\n"

	whole, _ := ComputeFingerprint(strings.NewReader(stream))

	chunked := newStreamFingerprinter()
	for _, b := range []byte(stream) {
		if _, err := chunked.Write([]byte{b}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	if !whole.Equal(chunked.Fingerprint()) {
		t.Error("byte-at-a-time writes should produce the same fingerprint as a single write")
	}
}

func TestFingerprintEqual(t *testing.T) {
	a := Fingerprint{Hash: "sha256:abc", Rows: 5}

	if !a.Equal(Fingerprint{Hash: "sha256:abc", Rows: 5}) {
		t.Error("identical fingerprints should be equal")
	}
	if a.Equal(Fingerprint{Hash: "sha256:def", Rows: 5}) {
		t.Error("different hashes should not be equal")
	}
	if a.Equal(Fingerprint{Hash: "sha256:abc", Rows: 6}) {
		t.Error("different row counts should not be equal")
	}
}
