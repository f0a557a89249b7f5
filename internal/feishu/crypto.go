package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/imbridge/imbridge/internal/bridge"
)

// DecryptEvent decrypts an encrypted event envelope. The scheme is Feishu's:
// AES-256-CBC keyed with SHA-256 of the configured encrypt key, IV in the
// first 16 bytes of the base64-decoded blob, PKCS#7 padding on the plaintext.
func DecryptEvent(encryptKey, ciphertext string) ([]byte, error) {
	if encryptKey == "" {
		return nil, fmt.Errorf("%w: encrypt key is not configured", bridge.ErrDecrypt)
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", bridge.ErrDecrypt, err)
	}
	if len(blob) < aes.BlockSize || len(blob)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a block multiple", bridge.ErrDecrypt, len(blob))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrDecrypt, err)
	}

	iv := blob[:aes.BlockSize]
	data := make([]byte, len(blob)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, blob[aes.BlockSize:])

	plain, err := pkcs7Unpad(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrDecrypt, err)
	}
	return plain, nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
