package repository

import (
	"context"
	"fmt"
)

// schema is applied in order. Every statement is idempotent so InitSchema can
// run on each deploy.
var schema = []struct {
	name string
	sql  string
}{
	{"extension pgcrypto", `CREATE EXTENSION IF NOT EXISTS "pgcrypto";`},
	{"table identity_keys", `
	CREATE TABLE IF NOT EXISTS identity_keys (
		user_id         UUID        NOT NULL,
		device_id       INTEGER     NOT NULL CHECK (device_id > 0),
		public_key      BYTEA       NOT NULL,
		signing_key     BYTEA       NOT NULL,
		registration_id INTEGER     NOT NULL,
		sealed_private  BYTEA       NOT NULL,
		next_prekey_id  INTEGER     NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, device_id)
	);`},
	{"table onetime_prekeys", `
	CREATE TABLE IF NOT EXISTS onetime_prekeys (
		user_id    UUID        NOT NULL,
		device_id  INTEGER     NOT NULL,
		key_id     INTEGER     NOT NULL,
		public_key BYTEA       NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, device_id, key_id),
		FOREIGN KEY (user_id, device_id) REFERENCES identity_keys (user_id, device_id) ON DELETE CASCADE
	);`},
	{"table prekey_secrets", `
	CREATE TABLE IF NOT EXISTS prekey_secrets (
		user_id        UUID        NOT NULL,
		device_id      INTEGER     NOT NULL,
		key_id         INTEGER     NOT NULL,
		sealed_private BYTEA       NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, device_id, key_id),
		FOREIGN KEY (user_id, device_id) REFERENCES identity_keys (user_id, device_id) ON DELETE CASCADE
	);`},
	{"table signed_prekeys", `
	CREATE TABLE IF NOT EXISTS signed_prekeys (
		user_id        UUID        NOT NULL,
		device_id      INTEGER     NOT NULL,
		key_id         BIGINT      NOT NULL,
		public_key     BYTEA       NOT NULL,
		signature      BYTEA       NOT NULL,
		sealed_private BYTEA       NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, device_id, key_id),
		FOREIGN KEY (user_id, device_id) REFERENCES identity_keys (user_id, device_id) ON DELETE CASCADE
	);`},
	{"index signed_prekeys_created", `CREATE INDEX IF NOT EXISTS idx_signed_prekeys_created ON signed_prekeys (created_at);`},
	{"table encrypted_sessions", `
	CREATE TABLE IF NOT EXISTS encrypted_sessions (
		local_user_id  UUID        NOT NULL,
		remote_user_id UUID        NOT NULL,
		device_id      INTEGER     NOT NULL,
		state          BYTEA       NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (local_user_id, remote_user_id, device_id)
	);`},
	{"index encrypted_sessions_updated", `CREATE INDEX IF NOT EXISTS idx_encrypted_sessions_updated ON encrypted_sessions (updated_at);`},
	{"table sender_keys", `
	CREATE TABLE IF NOT EXISTS sender_keys (
		owner_id   UUID        NOT NULL,
		group_id   UUID        NOT NULL,
		sender_id  UUID        NOT NULL,
		device_id  INTEGER     NOT NULL,
		state      BYTEA       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (owner_id, group_id, sender_id, device_id)
	);`},
	{"index sender_keys_updated", `CREATE INDEX IF NOT EXISTS idx_sender_keys_updated ON sender_keys (updated_at);`},
	{"table message_envelopes", `
	CREATE TABLE IF NOT EXISTS message_envelopes (
		id           UUID        PRIMARY KEY DEFAULT gen_random_uuid(),
		sender_id    UUID        NOT NULL,
		recipient_id UUID,
		group_id     UUID,
		cipher_type  SMALLINT    NOT NULL CHECK (cipher_type IN (1, 3, 7)),
		device_id    INTEGER     NOT NULL,
		ciphertext   BYTEA       NOT NULL,
		distribution BYTEA,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK ((recipient_id IS NULL) <> (group_id IS NULL))
	);`},
	{"index message_envelopes_recipient", `CREATE INDEX IF NOT EXISTS idx_message_envelopes_recipient ON message_envelopes (recipient_id, created_at) WHERE recipient_id IS NOT NULL;`},
	{"index message_envelopes_group", `CREATE INDEX IF NOT EXISTS idx_message_envelopes_group ON message_envelopes (group_id, created_at) WHERE group_id IS NOT NULL;`},
}

// InitSchema creates the key, session and envelope tables.
// Creating the extension needs a role allowed to do so.
func InitSchema(ctx context.Context, db DBTX) error {
	return WithTx(ctx, db, func(tx DBTX) error {
		for _, s := range schema {
			if _, err := tx.Exec(ctx, s.sql); err != nil {
				return fmt.Errorf("failed to create %s: %w", s.name, err)
			}
		}
		return nil
	})
}

// DropSchema removes everything InitSchema created.
func DropSchema(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, `DROP TABLE IF EXISTS message_envelopes, sender_keys, encrypted_sessions,
		signed_prekeys, prekey_secrets, onetime_prekeys, identity_keys CASCADE;`)
	if err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	return nil
}
