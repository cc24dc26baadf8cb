package cluster

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressionRegistryRoundTrip(t *testing.T) {
	for _, name := range []string{"nop", "xz"} {
		comp, err := LookupCompression(name)
		require.NoError(t, err)

		plain := bytes.Repeat([]byte("payload"), 50)
		compressed, err := comp.Compress(plain)
		require.NoError(t, err)

		out, err := comp.Decompress(compressed)
		require.NoError(t, err)
		require.Equal(t, plain, out)
	}
}

func TestLookupCompressionUnknown(t *testing.T) {
	_, err := LookupCompression("lz4")
	require.Error(t, err)
}

func TestEncryptionRegistryRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
	}{
		{"none", nil},
		{"aes-gcm", bytes.Repeat([]byte{0x42}, 32)},
		{"chacha20-poly1305", bytes.Repeat([]byte{0x24}, 32)},
	}
	for _, tc := range cases {
		enc, err := LookupEncryption(tc.name)
		require.NoError(t, err)
		cipher, err := enc.NewWithKey(tc.key)
		require.NoError(t, err)

		plain := []byte("a secret message")
		sealed, err := cipher.Encrypt(plain)
		require.NoError(t, err)

		opened, err := cipher.Decrypt(sealed)
		require.NoError(t, err)
		require.Equal(t, plain, opened)
	}
}

func TestVersionConflictStrategyRejectsMismatch(t *testing.T) {
	strategy, err := LookupConflictStrategy("version")
	require.NoError(t, err)

	require.NoError(t, strategy.OnUpdate(3, 3))
	require.Error(t, strategy.OnUpdate(3, 2))
	require.NoError(t, strategy.OnUpdate(3, -1), "a negative expected version opts out of the check")
}

func TestNoneConflictStrategyNeverRejects(t *testing.T) {
	strategy, err := LookupConflictStrategy("none")
	require.NoError(t, err)
	require.NoError(t, strategy.OnUpdate(5, 1))
}
