package credential

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/Abraxas-365/portero/pkg/errx"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts secret columns at rest. Tokens must stay recoverable (they
// are replayed upstream), so this is authenticated encryption rather than a
// hash.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

var sealerErrors = errx.NewRegistry("SEALER")

var (
	ErrSealFailed   = sealerErrors.Register("SEAL_FAILED", errx.TypeInternal, 500, "Failed to seal secret")
	ErrOpenFailed   = sealerErrors.Register("OPEN_FAILED", errx.TypeInternal, 500, "Failed to open sealed secret")
	ErrBadSealerKey = sealerErrors.Register("BAD_KEY", errx.TypeInternal, 500, "Sealer key must be 32 bytes")
)

// AEADSealer seals with XChaCha20-Poly1305. Output is base64(nonce || ciphertext).
type AEADSealer struct {
	key []byte
}

func NewAEADSealer(key []byte) (*AEADSealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, sealerErrors.New(ErrBadSealerKey).WithDetail("key_len", len(key))
	}
	return &AEADSealer{key: key}, nil
}

func (s *AEADSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", sealerErrors.NewWithCause(ErrSealFailed, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", sealerErrors.NewWithCause(ErrSealFailed, err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *AEADSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", sealerErrors.NewWithCause(ErrOpenFailed, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", sealerErrors.NewWithCause(ErrOpenFailed, err)
	}
	if len(raw) < aead.NonceSize() {
		return "", sealerErrors.New(ErrOpenFailed).WithDetail("reason", "sealed value too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", sealerErrors.NewWithCause(ErrOpenFailed, err)
	}
	return string(plaintext), nil
}

// NoopSealer stores secrets as-is. Used when no seal key is configured
// (local development).
type NoopSealer struct{}

func (NoopSealer) Seal(plaintext string) (string, error) { return plaintext, nil }
func (NoopSealer) Open(sealed string) (string, error)    { return sealed, nil }
