package crypt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustSalt(t *testing.T) {
	tests := []struct {
		name string
		salt string
	}{
		{"empty", ""},
		{"short", "abc"},
		{"exact", "0123456789abcdef"},
		{"long", strings.Repeat("x", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adjusted := AdjustSalt(tt.salt)
			assert.Len(t, adjusted, SaltLength)
		})
	}
}

func TestAdjustPasscode(t *testing.T) {
	tests := []struct {
		name     string
		passcode string
	}{
		{"empty", ""},
		{"short", "abc"},
		{"exact16", strings.Repeat("a", 16)},
		{"exact24", strings.Repeat("a", 24)},
		{"exact32", strings.Repeat("a", 32)},
		{"over32", strings.Repeat("a", 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adjusted := AdjustPasscode(tt.passcode)
			assert.True(t, isAllowedKeySize(len(adjusted)), "length %d not allowed", len(adjusted))
			assert.LessOrEqual(t, len(adjusted), maxKeySize)
		})
	}
}

func TestRoundtrip(t *testing.T) {
	passcodes := []string{"short", strings.Repeat("k", 16), strings.Repeat("k", 24), strings.Repeat("k", 32), "s3cret12345678901"}
	plainTexts := []string{"", "hello world", strings.Repeat("a", 5000), `{"user":"u","password":"p"}`}

	for _, passcode := range passcodes {
		c, err := New(AdjustSalt("fixed-test-salt"))
		require.NoError(t, err)

		for _, plain := range plainTexts {
			cipherText, err := c.Encrypt(plain, passcode)
			require.NoError(t, err)

			decoded, err := c.Decrypt(cipherText, passcode)
			require.NoError(t, err)
			assert.Equal(t, plain, decoded)
		}
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	c, err := New(AdjustSalt("fixed-test-salt"))
	require.NoError(t, err)

	_, err = c.Decrypt("not valid base64!!!", "passcode1234567890")
	assert.Error(t, err)
}

func TestWrongPasscodeDoesNotRoundtrip(t *testing.T) {
	c, err := New(AdjustSalt("fixed-test-salt"))
	require.NoError(t, err)

	cipherText, err := c.Encrypt(`{"user":"u","password":"p"}`, "s3cret12345678901")
	require.NoError(t, err)

	decoded, err := c.Decrypt(cipherText, "wrong-passcode-value")
	require.NoError(t, err)
	assert.NotEqual(t, `{"user":"u","password":"p"}`, decoded)
}

func TestNewRejectsBadSaltLength(t *testing.T) {
	_, err := New("too-short")
	assert.Error(t, err)
}
