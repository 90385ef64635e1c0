package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

const (
	SHA256     = "sha256"
	Blake2b256 = "blake2b_256"
	Blake3     = "blake3"
)

var Algorithms = []string{SHA256, Blake2b256, Blake3}

func Supported(algorithm string) bool {
	for _, a := range Algorithms {
		if a == algorithm {
			return true
		}
	}
	return false
}

// Sum returns the hex encoded digest of data. An empty algorithm selects sha256.
func Sum(algorithm string, data []byte) (string, error) {
	switch algorithm {
	case "", SHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case Blake2b256:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case Blake3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}
