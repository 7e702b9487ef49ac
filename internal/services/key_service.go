package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/signal"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

const (
	DefaultPreKeyCount = 100
	MaxPreKeyBatch     = 1000

	refillTimeout = 30 * time.Second
)

// KeyLibrary is the key generation half of the crypto library.
type KeyLibrary interface {
	GenerateIdentity() (signal.IdentityKeyPair, error)
	GeneratePreKeys(start, count int) ([]signal.PreKey, error)
	GenerateSignedPreKey(identity signal.IdentityKeyPair, id int64) (signal.SignedPreKey, error)
}

// Sealer protects private key material before it reaches the store.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

type KeyService struct {
	identities repository.IdentityRepository
	prekeys    repository.PreKeyRepository
	sessions   repository.SessionRepository
	senderKeys repository.SenderKeyRepository
	lib        KeyLibrary
	sealer     Sealer
	cfg        config.KeysConfig
	log        *zap.Logger
	now        func() time.Time

	refills singleflight.Group
	pending sync.WaitGroup
}

// PreKeyBatch reports what GeneratePreKeys issued.
type PreKeyBatch struct {
	FirstKeyID     int
	Count          int
	SignedPreKeyID int64
}

// PurgeResult counts rows removed by PurgeStale.
type PurgeResult struct {
	Sessions      int64
	SenderKeys    int64
	SignedPreKeys int64
}

func NewKeyService(store repository.Store, lib KeyLibrary, sealer Sealer, cfg config.KeysConfig, log *zap.Logger) *KeyService {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPreKeyCount
	}
	if cfg.MaxBatch <= 0 || cfg.MaxBatch > MaxPreKeyBatch {
		cfg.MaxBatch = MaxPreKeyBatch
	}
	if cfg.SignedPreKeyRetained < 1 {
		cfg.SignedPreKeyRetained = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyService{
		identities: store.Identities,
		prekeys:    store.PreKeys,
		sessions:   store.Sessions,
		senderKeys: store.SenderKeys,
		lib:        lib,
		sealer:     sealer,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for signed prekey ids and purge cutoffs.
func (s *KeyService) SetClock(now func() time.Time) {
	s.now = now
}

// Wait blocks until background replenishment has finished.
func (s *KeyService) Wait() {
	s.pending.Wait()
}

// InitializeIdentity returns the device's identity, creating it together with
// an initial prekey pool and signed prekey on first use.
func (s *KeyService) InitializeIdentity(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.IdentityKey, error) {
	if userID == uuid.Nil || deviceID < 1 {
		return encryption.IdentityKey{}, sentinal_errors.ErrValidation
	}
	existing, err := s.identities.GetIdentityKey(ctx, userID, deviceID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sentinal_errors.ErrNotFound) {
		return encryption.IdentityKey{}, sentinal_errors.Storage(err)
	}

	id, err := s.lib.GenerateIdentity()
	if err != nil {
		return encryption.IdentityKey{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	sealed, err := s.sealer.Seal(id.MarshalPrivate())
	if err != nil {
		return encryption.IdentityKey{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	stored, err := s.identities.CreateIdentityKey(ctx, encryption.IdentityKey{
		UserID:         userID,
		DeviceID:       deviceID,
		PublicKey:      id.Public[:],
		SigningKey:     id.Public[:],
		RegistrationID: id.RegistrationID,
		SealedPrivate:  sealed,
		NextPreKeyID:   1,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return encryption.IdentityKey{}, sentinal_errors.Storage(err)
	}
	if !bytes.Equal(stored.PublicKey, id.Public[:]) {
		// A concurrent initializer won; its pool is already being built.
		return stored, nil
	}

	if _, err := s.GeneratePreKeys(ctx, userID, deviceID, s.cfg.PoolSize); err != nil {
		return encryption.IdentityKey{}, err
	}
	s.log.Info("identity initialized",
		zap.String("user_id", userID.String()),
		zap.Int("device_id", deviceID),
		zap.Int("registration_id", stored.RegistrationID),
	)
	return stored, nil
}

// GeneratePreKeys appends count one-time prekeys continuing from the last
// issued id and issues a fresh signed prekey. Zero means the default count.
func (s *KeyService) GeneratePreKeys(ctx context.Context, userID uuid.UUID, deviceID int, count int) (PreKeyBatch, error) {
	if count == 0 {
		count = DefaultPreKeyCount
	}
	if count < 0 || count > s.cfg.MaxBatch {
		return PreKeyBatch{}, fmt.Errorf("%w: prekey count must be between 1 and %d", sentinal_errors.ErrValidation, s.cfg.MaxBatch)
	}
	identity, err := s.localIdentity(ctx, userID, deviceID)
	if err != nil {
		return PreKeyBatch{}, err
	}
	first, err := s.addOneTimePreKeys(ctx, userID, deviceID, count)
	if err != nil {
		return PreKeyBatch{}, err
	}
	spk, err := s.issueSignedPreKey(ctx, userID, deviceID, identity)
	if err != nil {
		return PreKeyBatch{}, err
	}
	return PreKeyBatch{FirstKeyID: first, Count: count, SignedPreKeyID: spk.KeyID}, nil
}

func (s *KeyService) addOneTimePreKeys(ctx context.Context, userID uuid.UUID, deviceID int, count int) (int, error) {
	start, err := s.identities.ReservePreKeyIDs(ctx, userID, deviceID, count)
	if err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	generated, err := s.lib.GeneratePreKeys(start, count)
	if err != nil {
		return 0, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}

	now := s.now().UTC()
	keys := make([]encryption.OneTimePreKey, 0, len(generated))
	secrets := make([]encryption.PreKeySecret, 0, len(generated))
	for _, k := range generated {
		sealed, err := s.sealer.Seal(k.Private[:])
		if err != nil {
			return 0, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
		}
		keys = append(keys, encryption.OneTimePreKey{
			UserID:    userID,
			DeviceID:  deviceID,
			KeyID:     k.ID,
			PublicKey: append([]byte(nil), k.Public[:]...),
			CreatedAt: now,
		})
		secrets = append(secrets, encryption.PreKeySecret{
			UserID:        userID,
			DeviceID:      deviceID,
			KeyID:         k.ID,
			SealedPrivate: sealed,
		})
	}
	if err := s.prekeys.UploadOneTimePreKeys(ctx, keys, secrets); err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	return start, nil
}

// nextSignedPreKeyID is the current Unix time in seconds, bumped past the
// latest id. Ids travel as uint32 on the wire.
func (s *KeyService) nextSignedPreKeyID(ctx context.Context, userID uuid.UUID, deviceID int) (int64, error) {
	id := s.now().Unix()
	latest, err := s.prekeys.GetLatestSignedPreKey(ctx, userID, deviceID)
	switch {
	case err == nil:
		if latest.KeyID >= id {
			id = latest.KeyID + 1
		}
	case !errors.Is(err, sentinal_errors.ErrNotFound):
		return 0, sentinal_errors.Storage(err)
	}
	return id, nil
}

func (s *KeyService) issueSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int, identity signal.IdentityKeyPair) (encryption.SignedPreKey, error) {
	id, err := s.nextSignedPreKeyID(ctx, userID, deviceID)
	if err != nil {
		return encryption.SignedPreKey{}, err
	}
	spk, err := s.lib.GenerateSignedPreKey(identity, id)
	if err != nil {
		return encryption.SignedPreKey{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	sealed, err := s.sealer.Seal(spk.Private[:])
	if err != nil {
		return encryption.SignedPreKey{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	k := encryption.SignedPreKey{
		UserID:        userID,
		DeviceID:      deviceID,
		KeyID:         spk.ID,
		PublicKey:     append([]byte(nil), spk.Public[:]...),
		Signature:     spk.Signature,
		SealedPrivate: sealed,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.prekeys.CreateSignedPreKey(ctx, k); err != nil {
		return encryption.SignedPreKey{}, sentinal_errors.Storage(err)
	}
	if _, err := s.prekeys.PruneSignedPreKeys(ctx, userID, deviceID, s.cfg.SignedPreKeyRetained); err != nil {
		return encryption.SignedPreKey{}, sentinal_errors.Storage(err)
	}
	return k, nil
}

// RotateSignedPreKey issues a new signed prekey and keeps only the most recent ones.
func (s *KeyService) RotateSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.SignedPreKey, error) {
	identity, err := s.localIdentity(ctx, userID, deviceID)
	if err != nil {
		return encryption.SignedPreKey{}, err
	}
	k, err := s.issueSignedPreKey(ctx, userID, deviceID, identity)
	if err != nil {
		return encryption.SignedPreKey{}, err
	}
	s.log.Info("signed prekey rotated",
		zap.String("user_id", userID.String()),
		zap.Int("device_id", deviceID),
		zap.Int64("key_id", k.KeyID),
	)
	return k, nil
}

// IssueBundle claims one one-time prekey and returns the material a peer
// needs to open a session with the device.
func (s *KeyService) IssueBundle(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.KeyBundle, error) {
	identity, err := s.identities.GetIdentityKey(ctx, userID, deviceID)
	if err != nil {
		return encryption.KeyBundle{}, sentinal_errors.Storage(err)
	}

	opk, err := s.prekeys.ClaimOneTimePreKey(ctx, userID, deviceID)
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		s.log.Warn("prekey pool empty, regenerating",
			zap.String("user_id", userID.String()),
			zap.Int("device_id", deviceID),
		)
		if _, err := s.GeneratePreKeys(ctx, userID, deviceID, s.cfg.PoolSize); err != nil {
			return encryption.KeyBundle{}, err
		}
		opk, err = s.prekeys.ClaimOneTimePreKey(ctx, userID, deviceID)
	}
	hasOPK := err == nil
	if err != nil && !errors.Is(err, sentinal_errors.ErrNotFound) {
		return encryption.KeyBundle{}, sentinal_errors.Storage(err)
	}

	spk, err := s.prekeys.GetLatestSignedPreKey(ctx, userID, deviceID)
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		if spk, err = s.RotateSignedPreKey(ctx, userID, deviceID); err != nil {
			return encryption.KeyBundle{}, err
		}
	} else if err != nil {
		return encryption.KeyBundle{}, sentinal_errors.Storage(err)
	}

	bundle := encryption.KeyBundle{
		UserID:                userID,
		DeviceID:              deviceID,
		RegistrationID:        identity.RegistrationID,
		IdentityKey:           identity.PublicKey,
		SigningKey:            identity.SigningKey,
		SignedPreKeyID:        spk.KeyID,
		SignedPreKey:          spk.PublicKey,
		SignedPreKeySignature: spk.Signature,
	}
	if hasOPK {
		keyID := opk.KeyID
		bundle.OneTimePreKeyID = &keyID
		bundle.OneTimePreKey = opk.PublicKey
	}

	remaining, err := s.prekeys.CountOneTimePreKeys(ctx, userID, deviceID)
	if err != nil {
		s.log.Warn("prekey count failed", zap.String("user_id", userID.String()), zap.Error(err))
	} else if remaining < s.cfg.RefillThreshold {
		s.replenish(userID, deviceID)
	}
	return bundle, nil
}

// replenish tops the pool back up in the background. Concurrent triggers for
// the same device share one refill.
func (s *KeyService) replenish(userID uuid.UUID, deviceID int) {
	key := fmt.Sprintf("%s:%d", userID, deviceID)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		_, err, shared := s.refills.Do(key, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), refillTimeout)
			defer cancel()
			remaining, err := s.prekeys.CountOneTimePreKeys(ctx, userID, deviceID)
			if err != nil {
				return nil, err
			}
			if remaining >= s.cfg.RefillThreshold {
				return nil, nil
			}
			first, err := s.addOneTimePreKeys(ctx, userID, deviceID, s.cfg.PoolSize-remaining)
			return first, err
		})
		if err != nil {
			s.log.Error("prekey replenishment failed",
				zap.String("user_id", userID.String()),
				zap.Int("device_id", deviceID),
				zap.Bool("shared", shared),
				zap.Error(err),
			)
		}
	}()
}

func (s *KeyService) CountPreKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int, error) {
	n, err := s.prekeys.CountOneTimePreKeys(ctx, userID, deviceID)
	if err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	return n, nil
}

// PurgeStale deletes sessions and sender keys unused past the retention
// window and signed prekeys past the rotation window, keeping the newest per device.
func (s *KeyService) PurgeStale(ctx context.Context) (PurgeResult, error) {
	now := s.now()
	var res PurgeResult
	var err error
	if s.cfg.SessionRetention > 0 {
		cutoff := now.Add(-s.cfg.SessionRetention)
		if res.Sessions, err = s.sessions.DeleteSessionsBefore(ctx, cutoff); err != nil {
			return res, sentinal_errors.Storage(err)
		}
		if res.SenderKeys, err = s.senderKeys.DeleteSenderKeysBefore(ctx, cutoff); err != nil {
			return res, sentinal_errors.Storage(err)
		}
	}
	if s.cfg.RotationWindow > 0 {
		if res.SignedPreKeys, err = s.prekeys.DeleteSignedPreKeysBefore(ctx, now.Add(-s.cfg.RotationWindow)); err != nil {
			return res, sentinal_errors.Storage(err)
		}
	}
	s.log.Info("stale key material purged",
		zap.Int64("sessions", res.Sessions),
		zap.Int64("sender_keys", res.SenderKeys),
		zap.Int64("signed_prekeys", res.SignedPreKeys),
	)
	return res, nil
}

// localIdentity opens the device's own identity. A device that never ran
// InitializeIdentity is NotInitialized.
func (s *KeyService) localIdentity(ctx context.Context, userID uuid.UUID, deviceID int) (signal.IdentityKeyPair, error) {
	k, err := s.identities.GetIdentityKey(ctx, userID, deviceID)
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		return signal.IdentityKeyPair{}, sentinal_errors.ErrNotInitialized
	}
	if err != nil {
		return signal.IdentityKeyPair{}, sentinal_errors.Storage(err)
	}
	priv, err := s.sealer.Open(k.SealedPrivate)
	if err != nil {
		return signal.IdentityKeyPair{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	defer wipe(priv)
	id, err := signal.NewIdentityKeyPair(k.PublicKey, priv, k.RegistrationID)
	if err != nil {
		return signal.IdentityKeyPair{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	return id, nil
}

// preKeyMaterial opens the private halves a prekey message references.
func (s *KeyService) preKeyMaterial(ctx context.Context, userID uuid.UUID, deviceID int, spkID int64, opkID *int) (signal.PreKeyMaterial, error) {
	spk, err := s.prekeys.GetSignedPreKey(ctx, userID, deviceID, spkID)
	if err != nil {
		return signal.PreKeyMaterial{}, sentinal_errors.Storage(err)
	}
	spkPair, err := s.openKeyPair(spk.PublicKey, spk.SealedPrivate)
	if err != nil {
		return signal.PreKeyMaterial{}, err
	}
	m := signal.PreKeyMaterial{SignedPreKey: spkPair}
	if opkID == nil {
		return m, nil
	}
	secret, err := s.prekeys.GetPreKeySecret(ctx, userID, deviceID, *opkID)
	if err != nil {
		return signal.PreKeyMaterial{}, sentinal_errors.Storage(err)
	}
	sealed, err := s.sealer.Open(secret.SealedPrivate)
	if err != nil {
		return signal.PreKeyMaterial{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	defer wipe(sealed)
	opk, err := signal.KeyPairFromPrivate(sealed)
	if err != nil {
		return signal.PreKeyMaterial{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	m.OneTimePreKey = &opk
	return m, nil
}

// consumePreKey drops a one-time prekey secret once a session was built from it.
func (s *KeyService) consumePreKey(ctx context.Context, userID uuid.UUID, deviceID int, keyID int) error {
	err := s.prekeys.DeletePreKeySecret(ctx, userID, deviceID, keyID)
	if err != nil && !errors.Is(err, sentinal_errors.ErrNotFound) {
		return sentinal_errors.Storage(err)
	}
	return nil
}

func (s *KeyService) openKeyPair(public, sealed []byte) (signal.KeyPair, error) {
	priv, err := s.sealer.Open(sealed)
	if err != nil {
		return signal.KeyPair{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	defer wipe(priv)
	kp, err := signal.NewKeyPair(public, priv)
	if err != nil {
		return signal.KeyPair{}, sentinal_errors.Wrap(sentinal_errors.ErrCrypto, err)
	}
	return kp, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
