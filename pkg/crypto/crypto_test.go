package crypto

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple password", "hunter2"},
		{"empty string", ""},
		{"unicode", "pàsswörd-日本語"},
		{"long value", strings.Repeat("app-specific-password ", 50)},
		{"block-aligned length", "0123456789abcdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := Encrypt(tt.plaintext, testKey)
			require.NoError(t, err)

			decrypted, err := Decrypt(encrypted, testKey)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestCiphertextFormat(t *testing.T) {
	encrypted, err := Encrypt("secret", testKey)
	require.NoError(t, err)

	// ivHex is a full AES block: exactly 32 hex chars.
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}:[0-9a-f]+$`), encrypted)
}

func TestEncryptProducesFreshIV(t *testing.T) {
	a, err := Encrypt("secret", testKey)
	require.NoError(t, err)
	b, err := Encrypt("secret", testKey)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "deadbeef"},
		{"short iv", "abcd:deadbeefdeadbeefdeadbeefdeadbeef"},
		{"non-hex iv", "zz102030405060708090a0b0c0d0e0f0:deadbeef"},
		{"empty ciphertext", "000102030405060708090a0b0c0d0e0f:"},
		{"unaligned ciphertext", "000102030405060708090a0b0c0d0e0f:abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.input, testKey)
			assert.Error(t, err)
		})
	}
}

func TestKeyValidation(t *testing.T) {
	_, err := Encrypt("secret", "tooshort")
	assert.Error(t, err)

	_, err = Encrypt("secret", strings.Repeat("zz", 32))
	assert.Error(t, err)
}
