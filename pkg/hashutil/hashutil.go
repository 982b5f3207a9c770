package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

type HashAlgo string

const (
	HashAlgoSHA256 HashAlgo = "sha256"
	HashAlgoBLAKE3 HashAlgo = "blake3"
)

// ParseHashAlgo accepts an algorithm name case-insensitively.
// The empty string selects BLAKE3.
func ParseHashAlgo(name string) (HashAlgo, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", string(HashAlgoBLAKE3):
		return HashAlgoBLAKE3, nil
	case string(HashAlgoSHA256):
		return HashAlgoSHA256, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", name)
	}
}

// HashBytes returns the hash of bytes as a hex string using the specified algorithm.
func HashBytes(data []byte, algo HashAlgo) (string, error) {
	switch algo {
	case HashAlgoSHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case HashAlgoBLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
}

// HashKey hashes a cache key into a filesystem-safe identifier.
func HashKey(key string, algo HashAlgo) (string, error) {
	return HashBytes([]byte(key), algo)
}
