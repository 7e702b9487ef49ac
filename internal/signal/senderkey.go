package signal

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/libsignal/groups"
	groupRecord "go.mau.fi/libsignal/groups/state/record"
	"go.mau.fi/libsignal/protocol"
)

var (
	ErrNoSenderKeyForChain = errors.New("no sender key for message chain")
	ErrNotSenderChain      = errors.New("sender key record cannot encrypt")
)

func (l *Library) loadSenderKey(raw []byte) (*groupRecord.SenderKey, error) {
	if len(raw) == 0 {
		return nil, ErrNoSenderKeyForChain
	}
	rec, err := groupRecord.NewSenderKeyFromBytes(raw, l.serializer.SenderKeyRecord, l.serializer.SenderKeyState)
	if err != nil {
		return nil, fmt.Errorf("decode sender key record: %w", err)
	}
	return rec, nil
}

func (l *Library) groupCipher(st *recordStore) *groups.GroupCipher {
	return groups.NewGroupCipher(groups.NewGroupSessionBuilder(st, l.serializer), senderKeyName, st)
}

// CreateSenderKey starts a new sending chain and returns the sender's record
// together with the distribution message recipients seed their copy from.
func (l *Library) CreateSenderKey() (rec, distribution []byte, err error) {
	err = run(func(ctx context.Context) error {
		st := newRecordStore(l.serializer)
		dist, err := groups.NewGroupSessionBuilder(st, l.serializer).Create(ctx, senderKeyName)
		if err != nil {
			return err
		}
		rec, distribution = st.senderKey.Serialize(), dist.Serialize()
		return nil
	})
	return rec, distribution, err
}

// ProcessSenderKeyDistribution adds the distributed chain to existing. A chain
// the record already holds is left alone so a repeated distribution cannot
// rewind it; changed reports whether the record was updated.
func (l *Library) ProcessSenderKeyDistribution(existing, distribution []byte) (rec []byte, changed bool, err error) {
	err = run(func(ctx context.Context) error {
		msg, err := protocol.NewSenderKeyDistributionMessageFromBytes(distribution, l.serializer.SenderKeyDistributionMessage)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		st := newRecordStore(l.serializer)
		if len(existing) > 0 {
			if st.senderKey, err = l.loadSenderKey(existing); err != nil {
				return err
			}
			if _, err := st.senderKey.GetSenderKeyStateByID(msg.ID()); err == nil {
				rec = existing
				return nil
			}
		}
		if err := groups.NewGroupSessionBuilder(st, l.serializer).Process(ctx, senderKeyName, msg); err != nil {
			return err
		}
		rec, changed = st.senderKey.Serialize(), true
		return nil
	})
	return rec, changed, err
}

// GroupEncrypt encrypts with the newest chain of the sender's own record.
// Recipient copies carry no signing private key and are rejected.
func (l *Library) GroupEncrypt(raw, plaintext []byte) (ct, next []byte, err error) {
	err = run(func(ctx context.Context) error {
		rec, err := l.loadSenderKey(raw)
		if err != nil {
			return err
		}
		state, err := rec.SenderKeyState()
		if err != nil {
			return err
		}
		if priv := state.SigningKey().PrivateKey(); priv == nil || priv.Serialize() == [keySize]byte{} {
			return ErrNotSenderChain
		}
		st := newRecordStore(l.serializer)
		st.senderKey = rec
		msg, err := l.groupCipher(st).Encrypt(ctx, plaintext)
		if err != nil {
			return err
		}
		ct, next = msg.SignedSerialize(), st.senderKey.Serialize()
		return nil
	})
	return ct, next, err
}

func (l *Library) GroupDecrypt(raw, ciphertext []byte) (plaintext, next []byte, err error) {
	err = run(func(ctx context.Context) error {
		rec, err := l.loadSenderKey(raw)
		if err != nil {
			return err
		}
		msg, err := protocol.NewSenderKeyMessageFromBytes(ciphertext, l.serializer.SenderKeyMessage)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		st := newRecordStore(l.serializer)
		st.senderKey = rec
		if plaintext, err = l.groupCipher(st).Decrypt(ctx, msg); err != nil {
			return err
		}
		next = st.senderKey.Serialize()
		return nil
	})
	return plaintext, next, err
}
