// Package digest handles SHA-256 evidence digests in their hex wire form.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

const hexLen = sha256.Size * 2

var ErrInvalidDigest = errors.New("digest must be 64 hex characters")

// Normalize validates a hex-encoded SHA-256 digest and returns it lowercased.
func Normalize(hexDigest string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(hexDigest))
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) != hexLen {
		return "", ErrInvalidDigest
	}
	if _, err := hex.DecodeString(d); err != nil {
		return "", ErrInvalidDigest
	}
	return d, nil
}

func SumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func SumReaderHex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
