// Package crypto seals supplier session material at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// envelope is the stored format of sealed material.
type envelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Vault seals and opens byte strings with a key derived from a passphrase
// (PBKDF2-HMAC-SHA256, fresh salt per envelope) and AES-256-GCM.
type Vault struct {
	passphrase []byte
	iterations int
}

// NewVault returns a Vault for passphrase.
func NewVault(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	return &Vault{passphrase: []byte(passphrase), iterations: pbkdf2Iterations}, nil
}

func (v *Vault) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.passphrase, salt, v.iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext into a JSON envelope.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.Marshal(envelope{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	})
}

// Open decrypts an envelope produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("crypto: parsing envelope: %w", err)
	}
	if env.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", env.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}
	return plaintext, nil
}

// SealMaterial encodes and seals session material.
func (v *Vault) SealMaterial(m domain.SessionMaterial) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding material: %w", err)
	}
	return v.Seal(raw)
}

// OpenMaterial opens sealed session material.
func (v *Vault) OpenMaterial(sealed []byte) (domain.SessionMaterial, error) {
	raw, err := v.Open(sealed)
	if err != nil {
		return domain.SessionMaterial{}, err
	}
	var m domain.SessionMaterial
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.SessionMaterial{}, fmt.Errorf("crypto: decoding material: %w", err)
	}
	return m, nil
}
