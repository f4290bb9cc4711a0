package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

var ErrCiphertext = errors.New("malformed ciphertext")

// Keyring encrypts sensitive resource fields. Each record gets its own AES-256
// key derived from the master secret and the record id, so the same record
// always decrypts with the same key and a leaked key exposes one record only.
type Keyring struct {
	master []byte
}

func NewKeyring(master string) (*Keyring, error) {
	if master == "" {
		return nil, errors.New("empty master key")
	}
	return &Keyring{master: []byte(master)}, nil
}

func (k *Keyring) aead(recordID uint) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, k.master, nil, []byte("resource:"+strconv.FormatUint(uint64(recordID), 10)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for the given record and returns base64 text.
func (k *Keyring) Encrypt(recordID uint, plaintext []byte) (string, error) {
	gcm, err := k.aead(recordID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same record.
func (k *Keyring) Decrypt(recordID uint, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	gcm, err := k.aead(recordID)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, ErrCiphertext
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record %d: %w", recordID, err)
	}
	return plain, nil
}
