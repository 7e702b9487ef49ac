package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/message"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/signal"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

const DefaultFreshnessWindow = 5 * time.Minute

// CryptoLibrary is everything the orchestrator needs from the crypto library.
// Records are opaque bytes owned by the library.
type CryptoLibrary interface {
	KeyLibrary
	BuildSession(local signal.IdentityKeyPair, bundle signal.PreKeyBundle) ([]byte, error)
	Encrypt(record, plaintext []byte) ([]byte, int, []byte, error)
	InspectPreKeyMessage(record, ciphertext []byte) (signal.PreKeyInfo, error)
	DecryptPreKey(record []byte, local signal.IdentityKeyPair, material signal.PreKeyMaterial, ciphertext []byte) ([]byte, []byte, error)
	Decrypt(record, ciphertext []byte) ([]byte, []byte, error)
	CreateSenderKey() ([]byte, []byte, error)
	ProcessSenderKeyDistribution(existing, distribution []byte) ([]byte, bool, error)
	GroupEncrypt(record, plaintext []byte) ([]byte, []byte, error)
	GroupDecrypt(record, ciphertext []byte) ([]byte, []byte, error)
}

// MembershipChecker answers group membership. Groups are managed elsewhere.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
}

// Addressing selects direct or group mode. Exactly one field must be set.
type Addressing struct {
	RecipientID *uuid.UUID
	GroupID     *uuid.UUID
}

func (a Addressing) validate() error {
	if (a.RecipientID == nil) == (a.GroupID == nil) {
		return fmt.Errorf("%w: exactly one of recipient and group must be set", sentinal_errors.ErrValidation)
	}
	return nil
}

// Decrypted is a decrypted message with the metadata callers display.
type Decrypted struct {
	MessageID uuid.UUID
	Plaintext []byte
	SenderID  uuid.UUID
	GroupID   *uuid.UUID
	DeviceID  int
	Timestamp time.Time
}

type KeyExchangeResult struct {
	SessionEstablished bool
	// Created is false when the session already existed.
	Created bool
}

type CryptoService struct {
	keys       *KeyService
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	senderKeys repository.SenderKeyRepository
	lib        CryptoLibrary
	members    MembershipChecker
	locks      *KeyedMutex
	freshness  time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewCryptoService wires the orchestrator. sessions and senderKeys are
// normally the cached store; identities is read for prekey message checks.
func NewCryptoService(keys *KeyService, identities repository.IdentityRepository, sessions repository.SessionRepository, senderKeys repository.SenderKeyRepository, lib CryptoLibrary, cfg config.CryptoConfig, log *zap.Logger) *CryptoService {
	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CryptoService{
		keys:       keys,
		identities: identities,
		sessions:   sessions,
		senderKeys: senderKeys,
		lib:        lib,
		locks:      NewKeyedMutex(),
		freshness:  freshness,
		log:        log,
		now:        time.Now,
	}
}

// SetMembershipChecker enables group membership enforcement. Without one every
// group operation is allowed.
func (s *CryptoService) SetMembershipChecker(m MembershipChecker) {
	s.members = m
}

func (s *CryptoService) SetClock(now func() time.Time) {
	s.now = now
}

func sessionLockKey(k encryption.SessionKey) string {
	return fmt.Sprintf("s:%s:%s:%d", k.LocalUserID, k.RemoteUserID, k.DeviceID)
}

func senderKeyLockKey(n encryption.SenderKeyName) string {
	return fmt.Sprintf("g:%s:%s:%s:%d", n.OwnerID, n.GroupID, n.SenderID, n.DeviceID)
}

// Encrypt dispatches on addressing.
func (s *CryptoService) Encrypt(ctx context.Context, senderID uuid.UUID, addr Addressing, plaintext []byte, deviceID int) (message.Envelope, error) {
	if err := addr.validate(); err != nil {
		return message.Envelope{}, err
	}
	if addr.GroupID != nil {
		return s.EncryptGroup(ctx, senderID, *addr.GroupID, plaintext, deviceID)
	}
	return s.EncryptDirect(ctx, senderID, *addr.RecipientID, plaintext, deviceID)
}

// Decrypt dispatches on the envelope's addressing.
func (s *CryptoService) Decrypt(ctx context.Context, recipientID uuid.UUID, env message.Envelope) (Decrypted, error) {
	if err := (Addressing{RecipientID: env.RecipientID, GroupID: env.GroupID}).validate(); err != nil {
		return Decrypted{}, err
	}
	if env.IsGroup() {
		return s.DecryptGroup(ctx, recipientID, env)
	}
	return s.DecryptDirect(ctx, recipientID, env)
}

// EncryptDirect encrypts for one device of recipient, establishing a session
// from a freshly issued bundle when none exists. The first messages of a new
// session are prekey messages. deviceID selects the sender's identity and the
// recipient's bundle alike.
func (s *CryptoService) EncryptDirect(ctx context.Context, senderID, recipientID uuid.UUID, plaintext []byte, deviceID int) (message.Envelope, error) {
	if senderID == uuid.Nil || recipientID == uuid.Nil || senderID == recipientID {
		return message.Envelope{}, fmt.Errorf("%w: invalid sender or recipient", sentinal_errors.ErrValidation)
	}
	if len(plaintext) == 0 || deviceID < 1 {
		return message.Envelope{}, fmt.Errorf("%w: empty plaintext or bad device", sentinal_errors.ErrValidation)
	}

	key := encryption.SessionKey{LocalUserID: senderID, RemoteUserID: recipientID, DeviceID: deviceID}
	unlock := s.locks.Lock(sessionLockKey(key))
	defer unlock()

	record, err := s.loadOrBuildSession(ctx, key)
	if err != nil {
		return message.Envelope{}, err
	}
	ct, msgType, next, err := s.lib.Encrypt(record, plaintext)
	if err != nil {
		return message.Envelope{}, s.cryptoError("encrypt direct", err, key.LocalUserID, key.RemoteUserID, deviceID)
	}
	if err := s.sessions.StoreSession(ctx, encryption.Session{SessionKey: key, State: next, UpdatedAt: s.now().UTC()}); err != nil {
		return message.Envelope{}, sentinal_errors.Storage(err)
	}

	recipient := recipientID
	return message.Envelope{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: &recipient,
		CipherType:  message.CipherType(msgType),
		DeviceID:    deviceID,
		Ciphertext:  ct,
		CreatedAt:   s.now().UTC(),
	}, nil
}

// loadOrBuildSession must be called with the session lock held.
func (s *CryptoService) loadOrBuildSession(ctx context.Context, key encryption.SessionKey) ([]byte, error) {
	sess, err := s.sessions.LoadSession(ctx, key)
	if err == nil {
		return sess.State, nil
	}
	if !errors.Is(err, sentinal_errors.ErrNotFound) {
		return nil, sentinal_errors.Storage(err)
	}
	return s.buildSession(ctx, key)
}

func (s *CryptoService) buildSession(ctx context.Context, key encryption.SessionKey) ([]byte, error) {
	local, err := s.keys.localIdentity(ctx, key.LocalUserID, key.DeviceID)
	if err != nil {
		return nil, err
	}
	bundle, err := s.keys.IssueBundle(ctx, key.RemoteUserID, key.DeviceID)
	if err != nil {
		return nil, err
	}
	record, err := s.lib.BuildSession(local, signal.PreKeyBundle{
		RegistrationID:        bundle.RegistrationID,
		IdentityKey:           bundle.IdentityKey,
		SignedPreKeyID:        bundle.SignedPreKeyID,
		SignedPreKey:          bundle.SignedPreKey,
		SignedPreKeySignature: bundle.SignedPreKeySignature,
		OneTimePreKeyID:       bundle.OneTimePreKeyID,
		OneTimePreKey:         bundle.OneTimePreKey,
	})
	if err != nil {
		return nil, s.cryptoError("build session", err, key.LocalUserID, key.RemoteUserID, key.DeviceID)
	}
	s.log.Info("session established from bundle",
		zap.String("local_user_id", key.LocalUserID.String()),
		zap.String("remote_user_id", key.RemoteUserID.String()),
		zap.Int("device_id", key.DeviceID),
		zap.Bool("one_time_prekey", bundle.HasOneTimePreKey()),
	)
	return record, nil
}

// DecryptDirect decrypts a pairwise envelope addressed to recipientID. Prekey
// messages create or replace the session; regular messages need one.
func (s *CryptoService) DecryptDirect(ctx context.Context, recipientID uuid.UUID, env message.Envelope) (Decrypted, error) {
	if env.RecipientID == nil || env.GroupID != nil {
		return Decrypted{}, fmt.Errorf("%w: not a direct envelope", sentinal_errors.ErrValidation)
	}
	if *env.RecipientID != recipientID {
		return Decrypted{}, sentinal_errors.ErrAccessDenied
	}
	if len(env.Ciphertext) == 0 || env.DeviceID < 1 {
		return Decrypted{}, fmt.Errorf("%w: empty ciphertext or bad device", sentinal_errors.ErrValidation)
	}

	key := encryption.SessionKey{LocalUserID: recipientID, RemoteUserID: env.SenderID, DeviceID: env.DeviceID}
	unlock := s.locks.Lock(sessionLockKey(key))
	defer unlock()

	var record []byte
	sess, err := s.sessions.LoadSession(ctx, key)
	switch {
	case err == nil:
		record = sess.State
	case !errors.Is(err, sentinal_errors.ErrNotFound):
		return Decrypted{}, sentinal_errors.Storage(err)
	}

	var (
		plaintext, next []byte
		consumed        *int
	)
	switch env.CipherType {
	case message.CipherTypeWhisper:
		if record == nil {
			return Decrypted{}, fmt.Errorf("%w: no session with sender", sentinal_errors.ErrNotFound)
		}
		plaintext, next, err = s.lib.Decrypt(record, env.Ciphertext)
		if err != nil {
			return Decrypted{}, s.cryptoError("decrypt whisper", err, recipientID, env.SenderID, env.DeviceID)
		}
	case message.CipherTypePreKey:
		plaintext, next, consumed, err = s.decryptPreKey(ctx, key, record, env.Ciphertext)
		if err != nil {
			return Decrypted{}, err
		}
	default:
		return Decrypted{}, fmt.Errorf("%w: cipher type %s cannot be decrypted directly", sentinal_errors.ErrValidation, env.CipherType)
	}

	if err := s.sessions.StoreSession(ctx, encryption.Session{SessionKey: key, State: next, UpdatedAt: s.now().UTC()}); err != nil {
		return Decrypted{}, sentinal_errors.Storage(err)
	}
	if consumed != nil {
		if err := s.keys.consumePreKey(ctx, recipientID, env.DeviceID, *consumed); err != nil {
			s.log.Warn("one-time prekey secret not removed",
				zap.String("user_id", recipientID.String()),
				zap.Int("key_id", *consumed),
				zap.Error(err),
			)
		}
	}

	return Decrypted{
		MessageID: env.ID,
		Plaintext: plaintext,
		SenderID:  env.SenderID,
		DeviceID:  env.DeviceID,
		Timestamp: env.CreatedAt,
	}, nil
}

// decryptPreKey returns the id of the one-time prekey the new session used, if any.
func (s *CryptoService) decryptPreKey(ctx context.Context, key encryption.SessionKey, record, ciphertext []byte) ([]byte, []byte, *int, error) {
	info, err := s.lib.InspectPreKeyMessage(record, ciphertext)
	if err != nil {
		return nil, nil, nil, s.cryptoError("inspect prekey message", err, key.LocalUserID, key.RemoteUserID, key.DeviceID)
	}

	sender, err := s.identities.GetIdentityKey(ctx, key.RemoteUserID, key.DeviceID)
	if err != nil {
		return nil, nil, nil, sentinal_errors.Storage(err)
	}
	if !bytes.Equal(sender.PublicKey, info.IdentityKey) {
		return nil, nil, nil, s.cryptoError("decrypt prekey", signal.ErrIdentityChanged, key.LocalUserID, key.RemoteUserID, key.DeviceID)
	}

	local, err := s.keys.localIdentity(ctx, key.LocalUserID, key.DeviceID)
	if err != nil {
		return nil, nil, nil, err
	}
	var material signal.PreKeyMaterial
	if !info.Established {
		material, err = s.keys.preKeyMaterial(ctx, key.LocalUserID, key.DeviceID, info.SignedPreKeyID, info.OneTimePreKeyID)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	plaintext, next, err := s.lib.DecryptPreKey(record, local, material, ciphertext)
	if err != nil {
		return nil, nil, nil, s.cryptoError("decrypt prekey", err, key.LocalUserID, key.RemoteUserID, key.DeviceID)
	}
	if info.Established {
		return plaintext, next, nil, nil
	}
	return plaintext, next, info.OneTimePreKeyID, nil
}

// EncryptGroup encrypts under the sender's own sender key. The first message
// of a chain carries the distribution payload recipients need.
func (s *CryptoService) EncryptGroup(ctx context.Context, senderID, groupID uuid.UUID, plaintext []byte, deviceID int) (message.Envelope, error) {
	if senderID == uuid.Nil || groupID == uuid.Nil || len(plaintext) == 0 || deviceID < 1 {
		return message.Envelope{}, fmt.Errorf("%w: invalid group message", sentinal_errors.ErrValidation)
	}
	if err := s.checkMember(ctx, groupID, senderID); err != nil {
		return message.Envelope{}, err
	}

	name := encryption.SenderKeyName{OwnerID: senderID, GroupID: groupID, SenderID: senderID, DeviceID: deviceID}
	unlock := s.locks.Lock(senderKeyLockKey(name))
	defer unlock()

	var record, distribution []byte
	held, err := s.senderKeys.LoadSenderKey(ctx, name)
	switch {
	case err == nil:
		record = held.State
	case errors.Is(err, sentinal_errors.ErrNotFound):
		record, distribution, err = s.lib.CreateSenderKey()
		if err != nil {
			return message.Envelope{}, s.cryptoError("create sender key", err, senderID, groupID, deviceID)
		}
	default:
		return message.Envelope{}, sentinal_errors.Storage(err)
	}

	ct, next, err := s.lib.GroupEncrypt(record, plaintext)
	if err != nil {
		return message.Envelope{}, s.cryptoError("group encrypt", err, senderID, groupID, deviceID)
	}
	if err := s.senderKeys.StoreSenderKey(ctx, encryption.SenderKey{SenderKeyName: name, State: next, UpdatedAt: s.now().UTC()}); err != nil {
		return message.Envelope{}, sentinal_errors.Storage(err)
	}

	group := groupID
	return message.Envelope{
		ID:           uuid.New(),
		SenderID:     senderID,
		GroupID:      &group,
		CipherType:   message.CipherTypeSenderKey,
		DeviceID:     deviceID,
		Ciphertext:   ct,
		Distribution: distribution,
		CreatedAt:    s.now().UTC(),
	}, nil
}

// DecryptGroup applies an attached distribution first, then decrypts with the
// recipient's copy of the sender's key.
func (s *CryptoService) DecryptGroup(ctx context.Context, recipientID uuid.UUID, env message.Envelope) (Decrypted, error) {
	if env.GroupID == nil || env.RecipientID != nil {
		return Decrypted{}, fmt.Errorf("%w: not a group envelope", sentinal_errors.ErrValidation)
	}
	if env.SenderID == recipientID {
		return Decrypted{}, fmt.Errorf("%w: own group message", sentinal_errors.ErrValidation)
	}
	if env.CipherType != message.CipherTypeSenderKey || len(env.Ciphertext) == 0 || env.DeviceID < 1 {
		return Decrypted{}, fmt.Errorf("%w: malformed group envelope", sentinal_errors.ErrValidation)
	}
	groupID := *env.GroupID
	if err := s.checkMember(ctx, groupID, recipientID); err != nil {
		return Decrypted{}, err
	}

	name := encryption.SenderKeyName{OwnerID: recipientID, GroupID: groupID, SenderID: env.SenderID, DeviceID: env.DeviceID}
	unlock := s.locks.Lock(senderKeyLockKey(name))
	defer unlock()

	var record []byte
	held, err := s.senderKeys.LoadSenderKey(ctx, name)
	switch {
	case err == nil:
		record = held.State
	case !errors.Is(err, sentinal_errors.ErrNotFound):
		return Decrypted{}, sentinal_errors.Storage(err)
	}

	if len(env.Distribution) > 0 {
		seeded, changed, err := s.lib.ProcessSenderKeyDistribution(record, env.Distribution)
		if err != nil {
			return Decrypted{}, s.cryptoError("process distribution", err, recipientID, env.SenderID, env.DeviceID)
		}
		if changed {
			record = seeded
			if err := s.senderKeys.StoreSenderKey(ctx, encryption.SenderKey{SenderKeyName: name, State: record, UpdatedAt: s.now().UTC()}); err != nil {
				return Decrypted{}, sentinal_errors.Storage(err)
			}
		}
	}
	if record == nil {
		return Decrypted{}, fmt.Errorf("%w: no sender key for %s", sentinal_errors.ErrNotFound, env.SenderID)
	}

	plaintext, next, err := s.lib.GroupDecrypt(record, env.Ciphertext)
	if errors.Is(err, signal.ErrNoSenderKeyForChain) {
		return Decrypted{}, fmt.Errorf("%w: %v", sentinal_errors.ErrNotFound, err)
	}
	if err != nil {
		return Decrypted{}, s.cryptoError("group decrypt", err, recipientID, env.SenderID, env.DeviceID)
	}
	if err := s.senderKeys.StoreSenderKey(ctx, encryption.SenderKey{SenderKeyName: name, State: next, UpdatedAt: s.now().UTC()}); err != nil {
		return Decrypted{}, sentinal_errors.Storage(err)
	}

	return Decrypted{
		MessageID: env.ID,
		Plaintext: plaintext,
		SenderID:  env.SenderID,
		GroupID:   &groupID,
		DeviceID:  env.DeviceID,
		Timestamp: env.CreatedAt,
	}, nil
}

// ResetGroupSession drops the sender's own chain so the next group message
// starts a new one and carries a new distribution.
func (s *CryptoService) ResetGroupSession(ctx context.Context, senderID, groupID uuid.UUID, deviceID int) error {
	name := encryption.SenderKeyName{OwnerID: senderID, GroupID: groupID, SenderID: senderID, DeviceID: deviceID}
	unlock := s.locks.Lock(senderKeyLockKey(name))
	defer unlock()

	err := s.senderKeys.DeleteSenderKey(ctx, name)
	if err != nil && !errors.Is(err, sentinal_errors.ErrNotFound) {
		return sentinal_errors.Storage(err)
	}
	return nil
}

// Verify is a freshness and sender check on transport metadata. It never errors.
func (s *CryptoService) Verify(env message.Envelope, meta message.Metadata) bool {
	if meta.Timestamp.IsZero() || meta.ExpectedSenderID == uuid.Nil {
		return false
	}
	if env.SenderID != meta.ExpectedSenderID {
		return false
	}
	age := s.now().Sub(meta.Timestamp)
	if age < 0 {
		age = -age
	}
	return age <= s.freshness
}

// KeyExchange makes sure local holds a session with remote's device. An
// existing session costs nothing; otherwise one is built and stored now so
// the claimed one-time prekey is not wasted.
func (s *CryptoService) KeyExchange(ctx context.Context, localID, remoteID uuid.UUID, deviceID int) (KeyExchangeResult, error) {
	if localID == uuid.Nil || remoteID == uuid.Nil || localID == remoteID || deviceID < 1 {
		return KeyExchangeResult{}, fmt.Errorf("%w: invalid key exchange", sentinal_errors.ErrValidation)
	}
	key := encryption.SessionKey{LocalUserID: localID, RemoteUserID: remoteID, DeviceID: deviceID}
	unlock := s.locks.Lock(sessionLockKey(key))
	defer unlock()

	_, err := s.sessions.LoadSession(ctx, key)
	if err == nil {
		return KeyExchangeResult{SessionEstablished: true}, nil
	}
	if !errors.Is(err, sentinal_errors.ErrNotFound) {
		return KeyExchangeResult{}, sentinal_errors.Storage(err)
	}
	record, err := s.buildSession(ctx, key)
	if err != nil {
		return KeyExchangeResult{}, err
	}
	if err := s.sessions.StoreSession(ctx, encryption.Session{SessionKey: key, State: record, UpdatedAt: s.now().UTC()}); err != nil {
		return KeyExchangeResult{}, sentinal_errors.Storage(err)
	}
	return KeyExchangeResult{SessionEstablished: true, Created: true}, nil
}

func (s *CryptoService) checkMember(ctx context.Context, groupID, userID uuid.UUID) error {
	if s.members == nil {
		return nil
	}
	ok, err := s.members.IsMember(ctx, groupID, userID)
	if err != nil {
		return sentinal_errors.Wrap(sentinal_errors.ErrServiceUnavailable, err)
	}
	if !ok {
		return sentinal_errors.ErrAccessDenied
	}
	return nil
}

// cryptoError logs a library failure with ids only and tags it ErrCrypto.
func (s *CryptoService) cryptoError(op string, err error, a, b uuid.UUID, deviceID int) error {
	s.log.Warn("crypto library failure",
		zap.String("op", op),
		zap.String("local_id", a.String()),
		zap.String("remote_id", b.String()),
		zap.Int("device_id", deviceID),
		zap.Error(err),
	)
	return sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
}
