package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/crawlcore/internal/common"
)

// Envelope format for stored secrets: enc:<cipher>:<version>:<ciphertext>.
// A value without the prefix is plaintext and is rejected on read when
// encryption is enabled.
const (
	envelopePrefix  = "enc:"
	envelopeCipher  = "aesgcm"
	envelopeVersion = 1
)

// ErrPlaintextRejected is returned when a secret read while encryption is
// enabled carries no envelope. A stored plaintext in that state means the
// value was tampered with or written before encryption was turned on.
var ErrPlaintextRejected = fmt.Errorf("stored secret is not envelope-wrapped")

// Encryptor wraps and unwraps secret values with AES-GCM
type Encryptor struct {
	enabled bool
	aead    cipher.AEAD
}

// NewEncryptor creates an encryptor from the configuration. The key is a
// base64-encoded 256-bit value; a missing or malformed key with encryption
// enabled is a boot failure.
func NewEncryptor(config common.EncryptionConfig) (*Encryptor, error) {
	if !config.Enabled {
		return &Encryptor{enabled: false}, nil
	}

	key, err := base64.StdEncoding.DecodeString(config.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize aead: %w", err)
	}

	return &Encryptor{enabled: true, aead: aead}, nil
}

// Enabled reports whether secrets are wrapped at rest
func (e *Encryptor) Enabled() bool {
	return e.enabled
}

// Encrypt wraps a plaintext secret into an envelope. With encryption
// disabled the value passes through unchanged.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.enabled {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	ciphertext := base64.StdEncoding.EncodeToString(sealed)

	return fmt.Sprintf("%s%s:%d:%s", envelopePrefix, envelopeCipher, envelopeVersion, ciphertext), nil
}

// Decrypt unwraps an envelope back to plaintext. When encryption is enabled,
// a value without an envelope is rejected rather than passed through; a
// decryption failure is never softened into a plaintext fallback.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, envelopePrefix) {
		if e.enabled {
			return "", ErrPlaintextRejected
		}
		return value, nil
	}

	parts := strings.SplitN(strings.TrimPrefix(value, envelopePrefix), ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed secret envelope")
	}

	cipherName := parts[0]
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed envelope version: %w", err)
	}
	if cipherName != envelopeCipher || version != envelopeVersion {
		return "", fmt.Errorf("unsupported envelope scheme %s:%d", cipherName, version)
	}

	if !e.enabled {
		return "", fmt.Errorf("encrypted secret found but encryption is disabled")
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("malformed envelope ciphertext: %w", err)
	}
	if len(sealed) < e.aead.NonceSize() {
		return "", fmt.Errorf("malformed envelope ciphertext")
	}

	nonce, ct := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}
