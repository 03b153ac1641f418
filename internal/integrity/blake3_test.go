package integrity

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBLAKE3Hasher(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	data := []byte(`{"coef":[0.33,0.33,0.33,0.33],"intercept":-0.67}`)
	hash := hasher.Hash(data)

	if len(hash) != 32 {
		t.Errorf("Expected 32-byte hash, got %d bytes", len(hash))
	}

	// Hash should be deterministic
	hash2 := hasher.Hash(data)
	if !bytes.Equal(hash, hash2) {
		t.Error("Hash is not deterministic")
	}
}

func TestBLAKE3HasherHex(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	hashHex := hasher.HashHex([]byte("minmax_scaler"))
	if len(hashHex) != 64 {
		t.Errorf("Expected 64-character hex string, got %d characters", len(hashHex))
	}
}

func TestDigestVerify(t *testing.T) {
	hasher := NewBLAKE3Hasher()
	payload := []byte(`{"data_min":[0,0,0,0],"data_max":[0,0,0,0]}`)

	digest := hasher.Digest(payload)
	if !strings.HasPrefix(digest, "blake3:") {
		t.Fatalf("digest %q missing algorithm prefix", digest)
	}
	if err := hasher.Verify(payload, digest); err != nil {
		t.Errorf("Verify() on untouched payload: %v", err)
	}

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = '1'
	if err := hasher.Verify(tampered, digest); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify() on tampered payload = %v, want ErrDigestMismatch", err)
	}

	if err := hasher.Verify(payload, "sha256:abcd"); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify() with foreign algorithm = %v, want ErrDigestMismatch", err)
	}
}

func TestDigestFile(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	path := filepath.Join(t.TempDir(), "bundle.tar.zst")
	data := bytes.Repeat([]byte("logistic_regression_meta_model"), 4096)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	digest, err := hasher.DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile() error = %v", err)
	}
	if digest != hasher.Digest(data) {
		t.Errorf("DigestFile() = %s, want %s", digest, hasher.Digest(data))
	}
	if err := hasher.Verify(data, digest); err != nil {
		t.Errorf("Verify() of file digest: %v", err)
	}

	if _, err := hasher.DigestFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("DigestFile() of a missing file should fail")
	}
}
