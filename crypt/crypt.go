// Package crypt implements the symmetric encryption used to hide
// credential blobs inside saved-workflow files: AES in CFB mode with a
// process-wide salt used as the IV, plus the salt/passcode length
// adjustment the save-file format expects.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SaltLength is the required IV length: one AES block.
const SaltLength = aes.BlockSize

// allowedKeySizes are the AES-accepted 128/192/256-bit key lengths.
var allowedKeySizes = [3]int{16, 24, 32}

const maxKeySize = 32

// Crypt encrypts and decrypts strings with a fixed, process-wide salt (IV).
type Crypt struct {
	salt []byte
}

// New creates a Crypt from an already block-sized salt. Use AdjustSalt
// first if the salt did not come from a trusted, fixed-length source.
func New(salt string) (*Crypt, error) {
	if len(salt) != SaltLength {
		return nil, errors.Errorf("salt must be %d bytes, got %d", SaltLength, len(salt))
	}
	return &Crypt{salt: []byte(salt)}, nil
}

// AdjustSalt returns a string of exactly SaltLength bytes, truncating
// longer input or right-padding shorter input with "-".
func AdjustSalt(salt string) string {
	if len(salt) > SaltLength {
		return salt[:SaltLength]
	}
	var b strings.Builder
	b.WriteString(salt)
	for b.Len() < SaltLength {
		b.WriteByte('-')
	}
	return b.String()
}

// AdjustPasscode returns a string whose length is one of the AES-accepted
// key sizes (16/24/32), padding with "." up to the next accepted size or
// truncating to the maximum accepted size.
func AdjustPasscode(passcode string) string {
	if len(passcode) > maxKeySize {
		return passcode[:maxKeySize]
	}
	adjusted := passcode
	for !isAllowedKeySize(len(adjusted)) {
		adjusted += "."
	}
	return adjusted
}

func isAllowedKeySize(n int) bool {
	for _, size := range allowedKeySizes {
		if n == size {
			return true
		}
	}
	return false
}

// Encrypt encrypts plainText with passcode (adjusted to a valid key size if
// necessary) and returns base64-encoded ciphertext.
func (c *Crypt) Encrypt(plainText, passcode string) (string, error) {
	key := []byte(passcode)
	if !isAllowedKeySize(len(key)) {
		key = []byte(AdjustPasscode(passcode))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "encryption error")
	}

	stream := cipher.NewCFBEncrypter(block, c.salt)
	cipherBytes := make([]byte, len(plainText))
	stream.XORKeyStream(cipherBytes, []byte(plainText))

	return base64.StdEncoding.EncodeToString(cipherBytes), nil
}

// Decrypt reverses Encrypt. It fails with a decryption error on malformed
// base64 input; a wrong passcode silently yields garbage text rather than an
// error, matching CFB's lack of integrity checking.
func (c *Crypt) Decrypt(secureText, passcode string) (string, error) {
	key := []byte(passcode)
	if !isAllowedKeySize(len(key)) {
		key = []byte(AdjustPasscode(passcode))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "decryption error")
	}

	cipherBytes, err := base64.StdEncoding.DecodeString(secureText)
	if err != nil {
		return "", errors.Wrap(err, "decryption error")
	}

	stream := cipher.NewCFBDecrypter(block, c.salt)
	plainBytes := make([]byte, len(cipherBytes))
	stream.XORKeyStream(plainBytes, cipherBytes)

	return string(plainBytes), nil
}

// String implements fmt.Stringer for debug logging without leaking the salt.
func (c *Crypt) String() string {
	return fmt.Sprintf("Crypt{saltLen=%d}", len(c.salt))
}
