package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func newVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(testKey)
	require.NoError(t, err)
	return v
}

func TestNewRejectsBadKeys(t *testing.T) {
	cases := map[string]string{
		"empty":   "",
		"not hex": strings.Repeat("zz", 32),
		"short":   "0011",
		"long":    testKey + "00",
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(key)
			require.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	v := newVault(t)
	for _, plain := range []string{"hunter2", "pässwörd with spaces", strings.Repeat("x", 4096), "a:b:c"} {
		blob, err := v.Encrypt(plain)
		require.NoError(t, err)
		assert.True(t, IsEncrypted(blob))
		assert.NotContains(t, blob, plain)

		got, err := v.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := newVault(t)
	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, strings.Split(a, ":")[0], strings.Split(b, ":")[0])
}

func TestTamperedBytesFail(t *testing.T) {
	v := newVault(t)
	blob, err := v.Encrypt("imap-secret")
	require.NoError(t, err)

	parts := strings.Split(blob, ":")
	for p := range parts {
		raw, err := base64.StdEncoding.DecodeString(parts[p])
		require.NoError(t, err)
		for i := range raw {
			tampered := append([]byte(nil), raw...)
			tampered[i] ^= 0x01
			mutated := append([]string(nil), parts...)
			mutated[p] = base64.StdEncoding.EncodeToString(tampered)

			_, err := v.Decrypt(strings.Join(mutated, ":"))
			require.ErrorIs(t, err, ErrDecryptionFailed, "part %d byte %d", p, i)
		}
	}
}

func TestTamperedCharactersFail(t *testing.T) {
	v := newVault(t)
	blob, err := v.Encrypt("imap-secret")
	require.NoError(t, err)

	for i := range blob {
		if blob[i] == ':' || blob[i] == '=' {
			continue
		}
		idx := strings.IndexByte(alphabet, blob[i])
		replacement := alphabet[(idx+1)%len(alphabet)]
		mutated := blob[:i] + string(replacement) + blob[i+1:]

		got, err := v.Decrypt(mutated)
		require.ErrorIs(t, err, ErrDecryptionFailed, "position %d", i)
		require.Empty(t, got)
	}
}

func TestDecryptWithOtherKeyFails(t *testing.T) {
	blob, err := newVault(t).Encrypt("secret")
	require.NoError(t, err)

	otherKey, err := GenerateKey()
	require.NoError(t, err)
	other, err := New(otherKey)
	require.NoError(t, err)

	_, err = other.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptMalformed(t *testing.T) {
	v := newVault(t)
	for _, blob := range []string{"", "plaintext-password", "a:b", "!!:??:##", "AAAA:AAAA:AAAA"} {
		_, err := v.Decrypt(blob)
		require.ErrorIs(t, err, ErrDecryptionFailed, blob)
	}
}

func TestIsEncrypted(t *testing.T) {
	assert.False(t, IsEncrypted(""))
	assert.False(t, IsEncrypted("my password"))
	assert.False(t, IsEncrypted("user:pass"))
	assert.False(t, IsEncrypted("a:b:c d"))
	assert.True(t, IsEncrypted("YWJj:ZGVm:Z2hp"))
}
