package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/gravitational/trace"
)

// CryptoRandomHex returns hex encoded random string generated with crypto-strong
// pseudo random generator of the given bytes
func CryptoRandomHex(len int) (string, error) {
	randomBytes := make([]byte, len)
	if _, err := rand.Reader.Read(randomBytes); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(randomBytes), nil
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomBase36 returns a crypto-strong random string of n base36 characters,
// used as the unique suffix of correlation ids.
func RandomBase36(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", trace.Wrap(err)
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out), nil
}
