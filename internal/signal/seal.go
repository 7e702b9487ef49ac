package signal

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealVersion byte = 1

var ErrSealed = errors.New("sealed key material cannot be opened")

// Fixed salt: every sealed blob opens under the same KEK.
var sealSalt = []byte("sentinal-e2ee/sealing/v1")

// Sealer encrypts private key material at rest.
type Sealer struct {
	kek []byte
}

// NewSealer derives the key-encryption key once with argon2id.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("sealing secret is empty")
	}
	return &Sealer{kek: argon2.IDKey([]byte(secret), sealSalt, 1, 64*1024, 4, chacha20poly1305.KeySize)}, nil
}

// Seal returns version || nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.kek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = sealVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[1:], plaintext, []byte{sealVersion}), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.kek)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() || sealed[0] != sealVersion {
		return nil, ErrSealed
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	pt, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], sealed[:1])
	if err != nil {
		return nil, ErrSealed
	}
	return pt, nil
}
