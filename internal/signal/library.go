package signal

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"
	"go.mau.fi/libsignal/util/keyhelper"
)

// Library is the stateless facade the crypto service calls. Records go in and
// come out as bytes; the caller decides where they live.
type Library struct {
	serializer *serialize.Serializer
}

// New returns a Library using protobuf for wire messages and JSON for records.
func New() *Library {
	return &Library{serializer: serialize.NewProtoBufSerializer()}
}

func (l *Library) GenerateIdentity() (IdentityKeyPair, error) {
	pair, err := keyhelper.GenerateIdentityKeyPair()
	if err != nil {
		return IdentityKeyPair{}, err
	}
	return IdentityKeyPair{
		KeyPair: KeyPair{
			Public:  pair.PublicKey().PublicKey().PublicKey(),
			Private: pair.PrivateKey().Serialize(),
		},
		RegistrationID: registrationID(),
	}, nil
}

// GeneratePreKeys returns count one-time prekeys with ids start, start+1, ...
func (l *Library) GeneratePreKeys(start, count int) ([]PreKey, error) {
	if count <= 0 {
		return nil, fmt.Errorf("prekey count %d must be positive", count)
	}
	if _, err := preKeyID(start + count - 1); err != nil {
		return nil, err
	}
	if _, err := preKeyID(start); err != nil {
		return nil, err
	}
	keys := make([]PreKey, 0, count)
	for i := 0; i < count; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		keys = append(keys, PreKey{ID: start + i, KeyPair: kp})
	}
	return keys, nil
}

func (l *Library) GenerateSignedPreKey(id IdentityKeyPair, keyID int64) (SignedPreKey, error) {
	spkID, err := signedPreKeyID(keyID)
	if err != nil {
		return SignedPreKey{}, err
	}
	if id.isZero() {
		return SignedPreKey{}, ErrInvalidKey
	}
	rec, err := keyhelper.GenerateSignedPreKey(id.identityKeyPair(), spkID, l.serializer.SignedPreKeyRecord)
	if err != nil {
		return SignedPreKey{}, err
	}
	sig := rec.Signature()
	return SignedPreKey{
		ID:        keyID,
		KeyPair:   fromECKeyPair(rec.KeyPair()),
		Signature: sig[:],
	}, nil
}

// VerifySignedPreKey checks a bundle's signed prekey against the identity key.
func VerifySignedPreKey(identityKey, signedPreKey, signature []byte) bool {
	ik, err := decodePublic(identityKey)
	if err != nil || len(signature) != signatureSize {
		return false
	}
	spk, err := decodePublic(signedPreKey)
	if err != nil {
		return false
	}
	var sig [signatureSize]byte
	copy(sig[:], signature)
	return ecc.VerifySignature(ik, spk.Serialize(), sig)
}

// registrationID maps a random id into [1, 16380], the range peers expect.
func registrationID() int {
	return int(keyhelper.GenerateRegistrationID()%16380) + 1
}

func (l *Library) builder(st *recordStore) *session.Builder {
	return session.NewBuilder(st, st, st, st, peerAddress, l.serializer)
}

// run executes one libsignal call. Malformed input can panic deep inside the
// deserializers, so a panic is reported as an invalid message.
func run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidMessage, r)
		}
	}()
	return translate(fn(context.Background()))
}

var sentinels = []error{
	ErrNoSession, ErrIdentityChanged, ErrDuplicateMessage, ErrTooManySkipped,
	ErrNoSenderKeyForChain, ErrNotSenderChain, ErrInvalidKey, ErrInvalidSignature, ErrInvalidMessage,
}

// translate maps libsignal errors onto this package's sentinels, keeping the
// original in the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range sentinels {
		if errors.Is(err, known) {
			return err
		}
	}
	var kind error
	switch {
	case errors.Is(err, signalerror.ErrNoSessionForUser):
		kind = ErrNoSession
	case errors.Is(err, signalerror.ErrOldCounter):
		kind = ErrDuplicateMessage
	case errors.Is(err, signalerror.ErrTooFarIntoFuture):
		kind = ErrTooManySkipped
	case errors.Is(err, signalerror.ErrInvalidSignature), errors.Is(err, signalerror.ErrSenderKeyStateVerificationFailed):
		kind = ErrInvalidSignature
	case errors.Is(err, signalerror.ErrUntrustedIdentity):
		kind = ErrIdentityChanged
	case errors.Is(err, signalerror.ErrNoSenderKeyForUser), errors.Is(err, signalerror.ErrNoSenderKeyStateForID),
		errors.Is(err, signalerror.ErrNoSenderKeyStatesInRecord):
		kind = ErrNoSenderKeyForChain
	case errors.Is(err, signalerror.ErrNoSignedPreKey), errors.Is(err, signalerror.ErrNoOneTimeKeyFound),
		errors.Is(err, ecc.ErrBadKeyType):
		kind = ErrInvalidKey
	default:
		kind = ErrInvalidMessage
	}
	return fmt.Errorf("%w: %w", kind, err)
}
