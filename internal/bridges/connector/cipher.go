package connector

import (
	"crypto/aes"
	"encoding/hex"
	"fmt"
	"strings"
)

// DeriveAccessToken computes the access token a hub expects on every
// ReadDevice and WriteDevice message.
//
// The pre-shared key is used as an AES key and the session token is
// encrypted in ECB mode, one block at a time, with no padding. The
// ciphertext is returned as uppercase hex.
//
// Parameters:
//   - sessionToken: Token issued by the hub in GetDeviceListAck
//   - presharedKey: Key shown in the vendor app (16 characters)
//
// Returns:
//   - string: Uppercase hex access token
//   - error: ErrMissingCredentials if either input is empty, ErrInvalidKey or
//     ErrInvalidToken if the inputs cannot be used as a key and plaintext
func DeriveAccessToken(sessionToken, presharedKey string) (string, error) {
	if sessionToken == "" || presharedKey == "" {
		return "", ErrMissingCredentials
	}

	block, err := aes.NewCipher([]byte(presharedKey))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	plain := []byte(sessionToken)
	if len(plain)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: length %d is not a multiple of %d",
			ErrInvalidToken, len(plain), aes.BlockSize)
	}

	out := make([]byte, len(plain))
	for off := 0; off < len(plain); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], plain[off:off+aes.BlockSize])
	}

	return strings.ToUpper(hex.EncodeToString(out)), nil
}
