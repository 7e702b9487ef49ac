package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sentinal-e2ee/internal/domain/message"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

type envelopeRepository struct {
	db DBTX
}

func NewEnvelopeRepository(db DBTX) EnvelopeRepository {
	return &envelopeRepository{db: db}
}

func (r *envelopeRepository) SaveEnvelope(ctx context.Context, e message.Envelope) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO message_envelopes (id, sender_id, recipient_id, group_id, cipher_type, device_id, ciphertext, distribution, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `,
		e.ID,
		e.SenderID,
		e.RecipientID,
		e.GroupID,
		int16(e.CipherType),
		e.DeviceID,
		e.Ciphertext,
		e.Distribution,
		e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinal_errors.Wrap(sentinal_errors.ErrAlreadyExists, err)
		}
		return sentinal_errors.Storage(err)
	}
	return nil
}

func (r *envelopeRepository) GetEnvelope(ctx context.Context, id uuid.UUID) (message.Envelope, error) {
	var (
		e          message.Envelope
		cipherType int16
	)
	err := r.db.QueryRow(ctx, `
        SELECT id, sender_id, recipient_id, group_id, cipher_type, device_id, ciphertext, distribution, created_at
        FROM message_envelopes
        WHERE id = $1
    `, id).Scan(
		&e.ID,
		&e.SenderID,
		&e.RecipientID,
		&e.GroupID,
		&cipherType,
		&e.DeviceID,
		&e.Ciphertext,
		&e.Distribution,
		&e.CreatedAt,
	)
	if err != nil {
		return message.Envelope{}, notFoundOr(err)
	}
	e.CipherType = message.CipherType(cipherType)
	return e, nil
}

// NewPostgresStore wires every repository to the same pool.
func NewPostgresStore(db DBTX) Store {
	return Store{
		Identities: NewIdentityRepository(db),
		PreKeys:    NewPreKeyRepository(db),
		Sessions:   NewSessionRepository(db),
		SenderKeys: NewSenderKeyRepository(db),
		Envelopes:  NewEnvelopeRepository(db),
	}
}
