// Package integrity provides BLAKE3 digests used to verify persisted model
// and scaler artifacts.
package integrity

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrDigestMismatch is returned when content does not hash to the recorded digest.
var ErrDigestMismatch = errors.New("integrity: digest mismatch")

// Algorithm is the digest prefix recorded alongside artifact payloads.
const Algorithm = "blake3"

// BLAKE3Hasher computes BLAKE3 digests.
type BLAKE3Hasher struct{}

// NewBLAKE3Hasher creates a new BLAKE3 hasher.
func NewBLAKE3Hasher() *BLAKE3Hasher {
	return &BLAKE3Hasher{}
}

// Hash computes the BLAKE3 hash of data.
func (h *BLAKE3Hasher) Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// HashHex returns the BLAKE3 hash of data as a hex string.
func (h *BLAKE3Hasher) HashHex(data []byte) string {
	return hex.EncodeToString(h.Hash(data))
}

// Digest returns the hash of data in "blake3:<hex>" form.
func (h *BLAKE3Hasher) Digest(data []byte) string {
	return Algorithm + ":" + h.HashHex(data)
}

// Verify checks data against a digest produced by Digest.
func (h *BLAKE3Hasher) Verify(data []byte, digest string) error {
	want, ok := strings.CutPrefix(digest, Algorithm+":")
	if !ok {
		return fmt.Errorf("%w: unsupported digest %q", ErrDigestMismatch, digest)
	}
	got := h.HashHex(data)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrDigestMismatch
	}
	return nil
}

// DigestReader returns the "blake3:<hex>" digest of everything read from r.
func (h *BLAKE3Hasher) DigestReader(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("integrity: hash stream: %w", err)
	}
	return Algorithm + ":" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// DigestFile returns the digest of the file at path.
func (h *BLAKE3Hasher) DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("integrity: %w", err)
	}
	defer f.Close()
	return h.DigestReader(f)
}
