package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// UpdatePackage describes one immutable over-the-air update. A new version
// is a new package, never an in-place edit.
type UpdatePackage struct {
	// Version is the semantic version of the package.
	Version string `json:"version"`

	// Digest is the hex-encoded SHA-256 of the payload bytes.
	Digest string `json:"digest"`

	// PayloadRef locates the payload (file path or URL).
	PayloadRef string `json:"payload_ref"`

	// CreatedAt is the package build time.
	CreatedAt time.Time `json:"created_at"`

	// Description is a human-readable change summary.
	Description string `json:"description,omitempty"`
}

// DigestOf computes the hex-encoded SHA-256 digest of payload bytes.
func DigestOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
