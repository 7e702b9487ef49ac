package signal

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/util/medium"
	"go.mau.fi/libsignal/util/optional"
)

const (
	keySize       = 32
	signatureSize = 64
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signed prekey signature")
	ErrInvalidMessage   = errors.New("invalid message")
)

// KeyPair is a Curve25519 key pair in raw 32-byte form.
type KeyPair struct {
	Public  [keySize]byte
	Private [keySize]byte
}

// GenerateKeyPair returns a fresh key pair with a clamped private key.
func GenerateKeyPair() (KeyPair, error) {
	kp, err := ecc.GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	return fromECKeyPair(kp), nil
}

// NewKeyPair rebuilds a key pair from stored halves.
func NewKeyPair(public, private []byte) (KeyPair, error) {
	if len(public) != keySize || len(private) != keySize {
		return KeyPair{}, ErrInvalidKey
	}
	var kp KeyPair
	copy(kp.Public[:], public)
	copy(kp.Private[:], private)
	return kp, nil
}

// KeyPairFromPrivate recomputes the public half of a stored private key.
func KeyPairFromPrivate(private []byte) (KeyPair, error) {
	if len(private) != keySize {
		return KeyPair{}, ErrInvalidKey
	}
	return fromECKeyPair(ecc.CreateKeyPair(private)), nil
}

func fromECKeyPair(kp *ecc.ECKeyPair) KeyPair {
	return KeyPair{Public: kp.PublicKey().PublicKey(), Private: kp.PrivateKey().Serialize()}
}

func (kp KeyPair) isZero() bool {
	return kp == KeyPair{}
}

func (kp KeyPair) ecKeyPair() *ecc.ECKeyPair {
	return ecc.NewECKeyPair(ecc.NewDjbECPublicKey(kp.Public), ecc.NewDjbECPrivateKey(kp.Private))
}

func decodePublic(b []byte) (ecc.ECPublicKeyable, error) {
	if len(b) != keySize {
		return nil, ErrInvalidKey
	}
	var k [keySize]byte
	copy(k[:], b)
	return ecc.NewDjbECPublicKey(k), nil
}

func rawPublic(k ecc.ECPublicKeyable) []byte {
	pub := k.PublicKey()
	return pub[:]
}

// IdentityKeyPair is a device's long-term identity. The same Curve25519 pair
// serves key agreement and XEdDSA signatures over signed prekeys.
type IdentityKeyPair struct {
	KeyPair
	RegistrationID int
}

// MarshalPrivate returns a copy of the private half.
func (id IdentityKeyPair) MarshalPrivate() []byte {
	return append([]byte(nil), id.Private[:]...)
}

// NewIdentityKeyPair rebuilds an identity from its public key and MarshalPrivate output.
func NewIdentityKeyPair(public, private []byte, registrationID int) (IdentityKeyPair, error) {
	kp, err := KeyPairFromPrivate(private)
	if err != nil {
		return IdentityKeyPair{}, err
	}
	if subtle.ConstantTimeCompare(kp.Public[:], public) != 1 {
		return IdentityKeyPair{}, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	return IdentityKeyPair{KeyPair: kp, RegistrationID: registrationID}, nil
}

func (id IdentityKeyPair) identityKeyPair() *identity.KeyPair {
	return identity.NewKeyPair(identity.NewKey(ecc.NewDjbECPublicKey(id.Public)), ecc.NewDjbECPrivateKey(id.Private))
}

// PreKey is a one-time prekey.
type PreKey struct {
	ID int
	KeyPair
}

// SignedPreKey is a medium-lived prekey signed by the identity key.
type SignedPreKey struct {
	ID int64
	KeyPair
	Signature []byte
}

// PreKeyBundle is what an initiator needs to open a session.
type PreKeyBundle struct {
	RegistrationID        int
	IdentityKey           []byte
	SignedPreKeyID        int64
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	OneTimePreKeyID       *int
	OneTimePreKey         []byte
}

func (b PreKeyBundle) libsignal() (*prekey.Bundle, error) {
	ik, err := decodePublic(b.IdentityKey)
	if err != nil {
		return nil, err
	}
	spk, err := decodePublic(b.SignedPreKey)
	if err != nil {
		return nil, err
	}
	spkID, err := signedPreKeyID(b.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if len(b.SignedPreKeySignature) != signatureSize {
		return nil, ErrInvalidSignature
	}
	var sig [signatureSize]byte
	copy(sig[:], b.SignedPreKeySignature)

	opkID := optional.NewEmptyUint32()
	var opk ecc.ECPublicKeyable
	if b.OneTimePreKeyID != nil {
		id, err := preKeyID(*b.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		if opk, err = decodePublic(b.OneTimePreKey); err != nil {
			return nil, err
		}
		opkID = optional.NewOptionalUint32(id)
	}
	return prekey.NewBundle(uint32(b.RegistrationID), 1, opkID, spkID, opk, spk, sig, identity.NewKey(ik)), nil
}

// One-time prekey ids share the 24-bit space of the wire format; zero means absent.
func preKeyID(id int) (uint32, error) {
	if id < 1 || id >= int(medium.MaxValue) {
		return 0, fmt.Errorf("%w: one-time prekey id %d out of range", ErrInvalidKey, id)
	}
	return uint32(id), nil
}

func signedPreKeyID(id int64) (uint32, error) {
	if id < 0 || id > math.MaxUint32 {
		return 0, fmt.Errorf("%w: signed prekey id %d out of range", ErrInvalidKey, id)
	}
	return uint32(id), nil
}
