package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"sentinal-e2ee/internal/domain/encryption"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

type encryptionRepository struct {
	db DBTX
}

func NewIdentityRepository(db DBTX) IdentityRepository {
	return &encryptionRepository{db: db}
}

func NewPreKeyRepository(db DBTX) PreKeyRepository {
	return &encryptionRepository{db: db}
}

func (r *encryptionRepository) CreateIdentityKey(ctx context.Context, k encryption.IdentityKey) (encryption.IdentityKey, error) {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.NextPreKeyID < 1 {
		k.NextPreKeyID = 1
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO identity_keys (user_id, device_id, public_key, signing_key, registration_id, sealed_private, next_prekey_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (user_id, device_id) DO NOTHING
    `,
		k.UserID,
		k.DeviceID,
		k.PublicKey,
		k.SigningKey,
		k.RegistrationID,
		k.SealedPrivate,
		k.NextPreKeyID,
		k.CreatedAt,
	)
	if err != nil {
		return encryption.IdentityKey{}, sentinal_errors.Storage(err)
	}
	return r.GetIdentityKey(ctx, k.UserID, k.DeviceID)
}

func (r *encryptionRepository) GetIdentityKey(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.IdentityKey, error) {
	var k encryption.IdentityKey
	err := r.db.QueryRow(ctx, `
        SELECT user_id, device_id, public_key, signing_key, registration_id, sealed_private, next_prekey_id, created_at
        FROM identity_keys
        WHERE user_id = $1 AND device_id = $2
    `, userID, deviceID).Scan(
		&k.UserID,
		&k.DeviceID,
		&k.PublicKey,
		&k.SigningKey,
		&k.RegistrationID,
		&k.SealedPrivate,
		&k.NextPreKeyID,
		&k.CreatedAt,
	)
	if err != nil {
		return encryption.IdentityKey{}, notFoundOr(err)
	}
	return k, nil
}

func (r *encryptionRepository) ReservePreKeyIDs(ctx context.Context, userID uuid.UUID, deviceID int, count int) (int, error) {
	var start int
	err := r.db.QueryRow(ctx, `
        UPDATE identity_keys
        SET next_prekey_id = next_prekey_id + $3
        WHERE user_id = $1 AND device_id = $2
        RETURNING next_prekey_id - $3
    `, userID, deviceID, count).Scan(&start)
	if err != nil {
		return 0, notFoundOr(err)
	}
	return start, nil
}

func (r *encryptionRepository) UploadOneTimePreKeys(ctx context.Context, keys []encryption.OneTimePreKey, secrets []encryption.PreKeySecret) error {
	if len(keys) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		batch := &pgx.Batch{}
		for _, s := range secrets {
			batch.Queue(`
                INSERT INTO prekey_secrets (user_id, device_id, key_id, sealed_private, created_at)
                VALUES ($1,$2,$3,$4,$5)
            `, s.UserID, s.DeviceID, s.KeyID, s.SealedPrivate, now)
		}
		for _, k := range keys {
			createdAt := k.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			batch.Queue(`
                INSERT INTO onetime_prekeys (user_id, device_id, key_id, public_key, created_at)
                VALUES ($1,$2,$3,$4,$5)
            `, k.UserID, k.DeviceID, k.KeyID, k.PublicKey, createdAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if isUniqueViolation(err) {
			return sentinal_errors.Wrap(sentinal_errors.ErrConflict, err)
		}
		return sentinal_errors.Storage(err)
	}
	return nil
}

// ClaimOneTimePreKey deletes and returns the lowest-id key in one statement.
// SKIP LOCKED lets concurrent claimers move on to the next row instead of
// blocking on, or double-claiming, the same one.
func (r *encryptionRepository) ClaimOneTimePreKey(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.OneTimePreKey, error) {
	k := encryption.OneTimePreKey{UserID: userID, DeviceID: deviceID}
	err := r.db.QueryRow(ctx, `
        DELETE FROM onetime_prekeys
        WHERE (user_id, device_id, key_id) = (
            SELECT user_id, device_id, key_id
            FROM onetime_prekeys
            WHERE user_id = $1 AND device_id = $2
            ORDER BY key_id ASC
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING key_id, public_key, created_at
    `, userID, deviceID).Scan(&k.KeyID, &k.PublicKey, &k.CreatedAt)
	if err != nil {
		return encryption.OneTimePreKey{}, notFoundOr(err)
	}
	return k, nil
}

func (r *encryptionRepository) CountOneTimePreKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
        SELECT COUNT(*) FROM onetime_prekeys WHERE user_id = $1 AND device_id = $2
    `, userID, deviceID).Scan(&count)
	if err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	return count, nil
}

func (r *encryptionRepository) GetPreKeySecret(ctx context.Context, userID uuid.UUID, deviceID int, keyID int) (encryption.PreKeySecret, error) {
	s := encryption.PreKeySecret{UserID: userID, DeviceID: deviceID, KeyID: keyID}
	err := r.db.QueryRow(ctx, `
        SELECT sealed_private FROM prekey_secrets
        WHERE user_id = $1 AND device_id = $2 AND key_id = $3
    `, userID, deviceID, keyID).Scan(&s.SealedPrivate)
	if err != nil {
		return encryption.PreKeySecret{}, notFoundOr(err)
	}
	return s, nil
}

func (r *encryptionRepository) DeletePreKeySecret(ctx context.Context, userID uuid.UUID, deviceID int, keyID int) error {
	_, err := r.db.Exec(ctx, `
        DELETE FROM prekey_secrets WHERE user_id = $1 AND device_id = $2 AND key_id = $3
    `, userID, deviceID, keyID)
	return sentinal_errors.Storage(err)
}

func (r *encryptionRepository) CreateSignedPreKey(ctx context.Context, k encryption.SignedPreKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO signed_prekeys (user_id, device_id, key_id, public_key, signature, sealed_private, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
    `,
		k.UserID,
		k.DeviceID,
		k.KeyID,
		k.PublicKey,
		k.Signature,
		k.SealedPrivate,
		k.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinal_errors.Wrap(sentinal_errors.ErrConflict, err)
		}
		return sentinal_errors.Storage(err)
	}
	return nil
}

const signedPreKeyColumns = `user_id, device_id, key_id, public_key, signature, sealed_private, created_at`

func scanSignedPreKey(row pgx.Row) (encryption.SignedPreKey, error) {
	var k encryption.SignedPreKey
	err := row.Scan(
		&k.UserID,
		&k.DeviceID,
		&k.KeyID,
		&k.PublicKey,
		&k.Signature,
		&k.SealedPrivate,
		&k.CreatedAt,
	)
	if err != nil {
		return encryption.SignedPreKey{}, notFoundOr(err)
	}
	return k, nil
}

func (r *encryptionRepository) GetSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int, keyID int64) (encryption.SignedPreKey, error) {
	return scanSignedPreKey(r.db.QueryRow(ctx, `
        SELECT `+signedPreKeyColumns+`
        FROM signed_prekeys
        WHERE user_id = $1 AND device_id = $2 AND key_id = $3
    `, userID, deviceID, keyID))
}

func (r *encryptionRepository) GetLatestSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.SignedPreKey, error) {
	return scanSignedPreKey(r.db.QueryRow(ctx, `
        SELECT `+signedPreKeyColumns+`
        FROM signed_prekeys
        WHERE user_id = $1 AND device_id = $2
        ORDER BY key_id DESC
        LIMIT 1
    `, userID, deviceID))
}

func (r *encryptionRepository) PruneSignedPreKeys(ctx context.Context, userID uuid.UUID, deviceID int, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	tag, err := r.db.Exec(ctx, `
        DELETE FROM signed_prekeys
        WHERE user_id = $1 AND device_id = $2
          AND key_id NOT IN (
            SELECT key_id FROM signed_prekeys
            WHERE user_id = $1 AND device_id = $2
            ORDER BY key_id DESC
            LIMIT $3
          )
    `, userID, deviceID, keep)
	if err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	return tag.RowsAffected(), nil
}

func (r *encryptionRepository) DeleteSignedPreKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        DELETE FROM signed_prekeys s
        WHERE s.created_at < $1
          AND s.key_id < (
            SELECT MAX(t.key_id) FROM signed_prekeys t
            WHERE t.user_id = s.user_id AND t.device_id = s.device_id
          )
    `, cutoff)
	if err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	return tag.RowsAffected(), nil
}
