package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCryptoRandomHex(t *testing.T) {
	hex, err := CryptoRandomHex(16)
	require.NoError(t, err)
	require.Len(t, hex, 32)

	other, err := CryptoRandomHex(16)
	require.NoError(t, err)
	require.NotEqual(t, hex, other)
}

func TestRandomBase36(t *testing.T) {
	s, err := RandomBase36(9)
	require.NoError(t, err)
	require.Len(t, s, 9)
	for _, r := range s {
		require.Contains(t, base36Alphabet, string(r))
	}
}
