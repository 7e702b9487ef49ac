package repository

import (
	"context"
	"time"

	"sentinal-e2ee/internal/domain/encryption"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

type sessionRepository struct {
	db DBTX
}

func NewSessionRepository(db DBTX) SessionRepository {
	return &sessionRepository{db: db}
}

func NewSenderKeyRepository(db DBTX) SenderKeyRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) StoreSession(ctx context.Context, s encryption.Session) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO encrypted_sessions (local_user_id, remote_user_id, device_id, state, updated_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (local_user_id, remote_user_id, device_id)
        DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
    `, s.LocalUserID, s.RemoteUserID, s.DeviceID, s.State, s.UpdatedAt)
	return sentinal_errors.Storage(err)
}

func (r *sessionRepository) LoadSession(ctx context.Context, key encryption.SessionKey) (encryption.Session, error) {
	s := encryption.Session{SessionKey: key}
	err := r.db.QueryRow(ctx, `
        SELECT state, updated_at FROM encrypted_sessions
        WHERE local_user_id = $1 AND remote_user_id = $2 AND device_id = $3
    `, key.LocalUserID, key.RemoteUserID, key.DeviceID).Scan(&s.State, &s.UpdatedAt)
	if err != nil {
		return encryption.Session{}, notFoundOr(err)
	}
	return s, nil
}

func (r *sessionRepository) DeleteSession(ctx context.Context, key encryption.SessionKey) error {
	_, err := r.db.Exec(ctx, `
        DELETE FROM encrypted_sessions
        WHERE local_user_id = $1 AND remote_user_id = $2 AND device_id = $3
    `, key.LocalUserID, key.RemoteUserID, key.DeviceID)
	return sentinal_errors.Storage(err)
}

func (r *sessionRepository) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM encrypted_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	return tag.RowsAffected(), nil
}

func (r *sessionRepository) StoreSenderKey(ctx context.Context, k encryption.SenderKey) error {
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO sender_keys (owner_id, group_id, sender_id, device_id, state, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (owner_id, group_id, sender_id, device_id)
        DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
    `, k.OwnerID, k.GroupID, k.SenderID, k.DeviceID, k.State, k.UpdatedAt)
	return sentinal_errors.Storage(err)
}

func (r *sessionRepository) LoadSenderKey(ctx context.Context, name encryption.SenderKeyName) (encryption.SenderKey, error) {
	k := encryption.SenderKey{SenderKeyName: name}
	err := r.db.QueryRow(ctx, `
        SELECT state, updated_at FROM sender_keys
        WHERE owner_id = $1 AND group_id = $2 AND sender_id = $3 AND device_id = $4
    `, name.OwnerID, name.GroupID, name.SenderID, name.DeviceID).Scan(&k.State, &k.UpdatedAt)
	if err != nil {
		return encryption.SenderKey{}, notFoundOr(err)
	}
	return k, nil
}

func (r *sessionRepository) DeleteSenderKey(ctx context.Context, name encryption.SenderKeyName) error {
	_, err := r.db.Exec(ctx, `
        DELETE FROM sender_keys
        WHERE owner_id = $1 AND group_id = $2 AND sender_id = $3 AND device_id = $4
    `, name.OwnerID, name.GroupID, name.SenderID, name.DeviceID)
	return sentinal_errors.Storage(err)
}

func (r *sessionRepository) DeleteSenderKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sender_keys WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, sentinal_errors.Storage(err)
	}
	return tag.RowsAffected(), nil
}
