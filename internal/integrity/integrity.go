// Package integrity verifies the reasoning sidecar binary against a trusted
// SHA-256 digest before the supervisor is allowed to launch it. A mismatch is
// fatal to the whole system: nothing ever runs an unverified artifact.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Digest is a lowercase hex SHA-256 digest.
type Digest string

// Normalize trims surrounding whitespace and lowercases the hex, so a digest
// file saved with a trailing newline or uppercase hex still compares equal.
func (d Digest) Normalize() Digest {
	return Digest(strings.ToLower(strings.TrimSpace(string(d))))
}

// VerificationResult records the outcome of one verification attempt.
// Matched=false with a Reason covers every non-match condition, including an
// unreadable artifact; Verify reserves Go errors for nothing.
type VerificationResult struct {
	ArtifactPath   string
	ComputedDigest Digest
	Matched        bool
	Reason         string
	Timestamp      time.Time
}

// LoadTrustedDigest reads the trusted digest from a file, typically baked into
// the installation alongside the sidecar binary.
func LoadTrustedDigest(path string) (Digest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read trusted digest: %w", err)
	}
	d := Digest(raw).Normalize()
	if d == "" {
		return "", fmt.Errorf("trusted digest file %s is empty", path)
	}
	if len(d) != sha256.Size*2 {
		return "", fmt.Errorf("trusted digest in %s has length %d, want %d hex chars", path, len(d), sha256.Size*2)
	}
	return d, nil
}

// ComputeDigest streams the file through SHA-256.
func ComputeDigest(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// Verify computes the artifact's digest and compares it byte-for-byte against
// the trusted one. Content conditions (missing, unreadable, empty, mismatched)
// all come back as Matched=false with a Reason rather than an error, so the
// caller has exactly one branch to make the launch/refuse decision on.
func Verify(artifactPath string, trusted Digest) VerificationResult {
	res := VerificationResult{
		ArtifactPath: artifactPath,
		Timestamp:    time.Now().UTC(),
	}

	trusted = trusted.Normalize()
	if trusted == "" {
		res.Reason = "no trusted digest configured"
		return res
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		res.Reason = fmt.Sprintf("artifact not accessible: %v", err)
		return res
	}
	if info.Size() == 0 {
		res.Reason = "artifact is empty"
		return res
	}

	computed, err := ComputeDigest(artifactPath)
	if err != nil {
		res.Reason = fmt.Sprintf("artifact not readable: %v", err)
		return res
	}
	res.ComputedDigest = computed

	if computed != trusted {
		res.Reason = fmt.Sprintf("digest mismatch: computed %s, trusted %s", computed, trusted)
		return res
	}

	res.Matched = true
	return res
}
