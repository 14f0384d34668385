package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically time-ordered identifier, optionally prefixed.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// HashHex returns the hex sha256 of the parts joined with NUL separators.
func HashHex(parts ...string) string {
	sum := sha256.New()
	for i, part := range parts {
		if i > 0 {
			_, _ = sum.Write([]byte{0})
		}
		_, _ = sum.Write([]byte(part))
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// ShortHash truncates a hex digest for use in identifiers.
func ShortHash(hash string, n int) string {
	if len(hash) <= n {
		return hash
	}
	return hash[:n]
}
