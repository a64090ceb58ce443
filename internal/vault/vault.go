// Package vault wraps custodied private keys in a two-layer AES-256-GCM envelope.
//
// A random data key (DEK) encrypts the private key; a versioned key-encryption-key
// (KEK) encrypts the DEK. Plaintext key material only lives in buffers owned by
// this package and is zeroed before any function returns.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"trade-executor/internal/apperr"
)

const (
	// KeySize is the size of the KEK, the DEK and a secp256k1 private key.
	KeySize = 32
	// NonceSize is the GCM nonce size.
	NonceSize = 12
	// TagSize is the GCM authentication tag size.
	TagSize = 16
)

// EncryptedWalletSecret is the persisted custody envelope.
type EncryptedWalletSecret struct {
	KeyCiphertext []byte `json:"key_ciphertext"`
	KeyTag        []byte `json:"key_tag"`
	KeyNonce      []byte `json:"key_nonce"`
	DEKCiphertext []byte `json:"dek_ciphertext"`
	DEKTag        []byte `json:"dek_tag"`
	DEKNonce      []byte `json:"dek_nonce"`
	KEKVersion    int    `json:"kek_version"`
}

// Vault seals and opens EncryptedWalletSecret envelopes.
type Vault struct {
	mu      sync.Mutex
	raw     map[int]string
	keks    map[int][]byte
	current int
	rand    io.Reader
}

// New constructs a Vault. KEK strings are parsed lazily, once per version.
func New(keks map[int]string, currentVersion int) *Vault {
	raw := make(map[int]string, len(keks))
	for version, kek := range keks {
		raw[version] = kek
	}
	return &Vault{
		raw:     raw,
		keks:    make(map[int][]byte),
		current: currentVersion,
		rand:    rand.Reader,
	}
}

// CurrentVersion reports the KEK version used by Wrap.
func (v *Vault) CurrentVersion() int {
	return v.current
}

// Preload parses the current KEK so a malformed value fails at startup.
func (v *Vault) Preload() error {
	_, err := v.kek(v.current)
	return err
}

func (v *Vault) kek(version int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.keks[version]; ok {
		return key, nil
	}

	raw, ok := v.raw[version]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, apperr.Custody(nil, apperr.CodeMissingKeyVersion, "kek version %d is not configured", version).
			With("kek_version", version)
	}

	key, err := parseKEK(raw)
	if err != nil {
		return nil, &apperr.Error{
			Class:   apperr.ClassConfiguration,
			Code:    apperr.CodeInvalidKEK,
			Message: "kek version " + strconv.Itoa(version) + " is malformed",
			Err:     err,
		}
	}
	v.keks[version] = key
	return key, nil
}

func parseKEK(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != KeySize*2 {
		return nil, fmt.Errorf("expected %d hex characters, got %d", KeySize*2, len(trimmed))
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("kek is not hex encoded")
	}
	return key, nil
}

// Wrap seals a 32-byte private key under a fresh DEK and the current KEK.
// The caller still owns plaintextKey and should Zero it once done.
func (v *Vault) Wrap(plaintextKey []byte) (EncryptedWalletSecret, error) {
	if len(plaintextKey) != KeySize {
		return EncryptedWalletSecret{}, apperr.Validation(apperr.CodeInvalidRequest, "private key must be %d bytes", KeySize)
	}

	kek, err := v.kek(v.current)
	if err != nil {
		return EncryptedWalletSecret{}, err
	}

	dek := make([]byte, KeySize)
	defer Zero(dek)
	if _, err := io.ReadFull(v.rand, dek); err != nil {
		return EncryptedWalletSecret{}, fmt.Errorf("generate data key: %w", err)
	}

	keyNonce, keyCT, keyTag, err := v.seal(dek, plaintextKey, nil)
	if err != nil {
		return EncryptedWalletSecret{}, fmt.Errorf("seal private key: %w", err)
	}

	dekNonce, dekCT, dekTag, err := v.seal(kek, dek, dekAAD(v.current))
	if err != nil {
		return EncryptedWalletSecret{}, fmt.Errorf("seal data key: %w", err)
	}

	return EncryptedWalletSecret{
		KeyCiphertext: keyCT,
		KeyTag:        keyTag,
		KeyNonce:      keyNonce,
		DEKCiphertext: dekCT,
		DEKTag:        dekTag,
		DEKNonce:      dekNonce,
		KEKVersion:    v.current,
	}, nil
}

// Unwrap opens the envelope and returns the private key.
// The returned slice must be passed to Zero once used; prefer WithKey.
func (v *Vault) Unwrap(secret EncryptedWalletSecret) ([]byte, error) {
	kek, err := v.kek(secret.KEKVersion)
	if err != nil {
		return nil, err
	}

	dek, err := open(kek, secret.DEKNonce, secret.DEKCiphertext, secret.DEKTag, dekAAD(secret.KEKVersion))
	if err != nil {
		return nil, apperr.Custody(err, apperr.CodeDecryptionFailed, "data key authentication failed")
	}
	defer Zero(dek)

	key, err := open(dek, secret.KeyNonce, secret.KeyCiphertext, secret.KeyTag, nil)
	if err != nil {
		return nil, apperr.Custody(err, apperr.CodeDecryptionFailed, "private key authentication failed")
	}
	if len(key) != KeySize {
		Zero(key)
		return nil, apperr.Custody(nil, apperr.CodeDecryptionFailed, "unwrapped key has unexpected length")
	}
	return key, nil
}

// WithKey unwraps the secret, hands the key to fn and zeros it afterwards.
func (v *Vault) WithKey(secret EncryptedWalletSecret, fn func(key []byte) error) error {
	key, err := v.Unwrap(secret)
	if err != nil {
		return err
	}
	defer Zero(key)
	return fn(key)
}

func (v *Vault) seal(key, plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - gcm.Overhead()
	return nonce, sealed[:split:split], sealed[split:], nil
}

func open(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes", NonceSize)
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("tag must be %d bytes", TagSize)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return gcm.Open(nil, nonce, sealed, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func dekAAD(version int) []byte {
	return []byte("dek:v" + strconv.Itoa(version))
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
