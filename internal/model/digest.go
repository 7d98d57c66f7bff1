package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestSize is the length in bytes of a Digest.
const DigestSize = sha256.Size

// Digest is the SHA-256 of an artifact's bytes. It identifies the artifact,
// its job and its result.
type Digest [DigestSize]byte

// ComputeDigest hashes data.
func ComputeDigest(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ParseDigest parses the lowercase hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(DigestSize) || strings.ToLower(s) != s {
		return d, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	return d, nil
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short is the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	return d.String()[:12]
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
