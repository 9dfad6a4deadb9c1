// Package crypto seals broker credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrNoKeys            = errors.New("keyring has no keys")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Keyring holds versioned keys. New data is sealed with the current
// version; any loaded version can open.
type Keyring struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyring builds a keyring from base64 keys indexed by version. The
// highest version becomes current.
func NewKeyring(keys map[int]string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	kr := &Keyring{aeads: make(map[int]cipher.AEAD, len(keys))}
	for v, encoded := range keys {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", v, err)
		}
		if len(raw) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", v, ErrInvalidKey)
		}
		block, err := aes.NewCipher(raw)
		if err != nil {
			return nil, fmt.Errorf("create cipher v%d: %w", v, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM v%d: %w", v, err)
		}
		kr.aeads[v] = gcm
		if v > kr.current {
			kr.current = v
		}
	}
	return kr, nil
}

// Version returns the version new ciphertexts are sealed with.
func (k *Keyring) Version() int { return k.current }

// Seal encrypts plaintext as "v<N>:" + base64(nonce || ciphertext).
func (k *Keyring) Seal(plaintext []byte) (string, error) {
	aead := k.aeads[k.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("v%d:%s", k.current, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open reverses Seal with whichever key version the ciphertext names.
func (k *Keyring) Open(ciphertext string) ([]byte, error) {
	var version int
	head, body, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return nil, ErrInvalidCiphertext
	}
	if _, err := fmt.Sscanf(head, "v%d", &version); err != nil {
		return nil, ErrInvalidCiphertext
	}
	aead, ok := k.aeads[version]
	if !ok {
		return nil, fmt.Errorf("key version %d not available", version)
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	plain, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// SealJSON marshals v and seals the result.
func (k *Keyring) SealJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return k.Seal(raw)
}

// OpenJSON opens ciphertext and unmarshals it into v.
func (k *Keyring) OpenJSON(ciphertext string, v any) error {
	raw, err := k.Open(ciphertext)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// GenerateKey returns a random base64 key suitable for NewKeyring.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
