package signal

import (
	"context"

	groupRecord "go.mau.fi/libsignal/groups/state/record"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"
	"go.mau.fi/libsignal/state/store"
)

var _ store.SignalProtocol = (*recordStore)(nil)

// Every record handed to the library belongs to exactly one peer, so the
// address and sender key name are placeholders.
var (
	peerAddress   = protocol.NewSignalAddress("peer", 1)
	senderKeyName = protocol.NewSenderKeyName("group", peerAddress)
)

// recordStore is a single-use libsignal store holding the records of one
// call. Identity trust is decided by the caller before the call.
type recordStore struct {
	serializer *serialize.Serializer

	identity       *identity.KeyPair
	registrationID uint32

	session       *record.Session
	signedPreKey  KeyPair
	oneTimePreKey *KeyPair
	consumed      bool

	senderKey *groupRecord.SenderKey
}

func newRecordStore(serializer *serialize.Serializer) *recordStore {
	return &recordStore{serializer: serializer}
}

func (s *recordStore) withIdentity(id IdentityKeyPair) *recordStore {
	s.identity = id.identityKeyPair()
	s.registrationID = uint32(id.RegistrationID)
	return s
}

func (s *recordStore) withMaterial(m PreKeyMaterial) *recordStore {
	s.signedPreKey = m.SignedPreKey
	s.oneTimePreKey = m.OneTimePreKey
	return s
}

// identity

func (s *recordStore) GetIdentityKeyPair() *identity.KeyPair {
	return s.identity
}

func (s *recordStore) GetLocalRegistrationID() uint32 {
	return s.registrationID
}

func (s *recordStore) SaveIdentity(context.Context, *protocol.SignalAddress, *identity.Key) error {
	return nil
}

func (s *recordStore) IsTrustedIdentity(context.Context, *protocol.SignalAddress, *identity.Key) (bool, error) {
	return true, nil
}

// sessions

func (s *recordStore) LoadSession(context.Context, *protocol.SignalAddress) (*record.Session, error) {
	if s.session == nil {
		s.session = record.NewSession(s.serializer.Session, s.serializer.State)
	}
	return s.session, nil
}

func (s *recordStore) GetSubDeviceSessions(context.Context, string) ([]uint32, error) {
	return nil, nil
}

func (s *recordStore) StoreSession(_ context.Context, _ *protocol.SignalAddress, r *record.Session) error {
	s.session = r
	return nil
}

func (s *recordStore) ContainsSession(context.Context, *protocol.SignalAddress) (bool, error) {
	return s.session != nil, nil
}

func (s *recordStore) DeleteSession(context.Context, *protocol.SignalAddress) error {
	s.session = nil
	return nil
}

func (s *recordStore) DeleteAllSessions(context.Context) error {
	s.session = nil
	return nil
}

// one-time prekeys. The material was looked up by the id the message names,
// so it answers for that id.

func (s *recordStore) LoadPreKey(_ context.Context, id uint32) (*record.PreKey, error) {
	if s.oneTimePreKey == nil || s.consumed {
		return nil, nil
	}
	return record.NewPreKey(id, s.oneTimePreKey.ecKeyPair(), s.serializer.PreKeyRecord), nil
}

func (s *recordStore) StorePreKey(context.Context, uint32, *record.PreKey) error {
	return nil
}

func (s *recordStore) ContainsPreKey(context.Context, uint32) (bool, error) {
	return s.oneTimePreKey != nil && !s.consumed, nil
}

func (s *recordStore) RemovePreKey(context.Context, uint32) error {
	s.consumed = true
	return nil
}

// signed prekeys

func (s *recordStore) LoadSignedPreKey(_ context.Context, id uint32) (*record.SignedPreKey, error) {
	if s.signedPreKey.isZero() {
		return nil, nil
	}
	return record.NewSignedPreKey(id, 0, s.signedPreKey.ecKeyPair(), [signatureSize]byte{}, s.serializer.SignedPreKeyRecord), nil
}

func (s *recordStore) LoadSignedPreKeys(context.Context) ([]*record.SignedPreKey, error) {
	return nil, nil
}

func (s *recordStore) StoreSignedPreKey(context.Context, uint32, *record.SignedPreKey) error {
	return nil
}

func (s *recordStore) ContainsSignedPreKey(context.Context, uint32) (bool, error) {
	return !s.signedPreKey.isZero(), nil
}

func (s *recordStore) RemoveSignedPreKey(context.Context, uint32) error {
	s.signedPreKey = KeyPair{}
	return nil
}

// sender keys

func (s *recordStore) LoadSenderKey(context.Context, *protocol.SenderKeyName) (*groupRecord.SenderKey, error) {
	if s.senderKey == nil {
		s.senderKey = groupRecord.NewSenderKey(s.serializer.SenderKeyRecord, s.serializer.SenderKeyState)
	}
	return s.senderKey, nil
}

func (s *recordStore) StoreSenderKey(_ context.Context, _ *protocol.SenderKeyName, r *groupRecord.SenderKey) error {
	s.senderKey = r
	return nil
}
