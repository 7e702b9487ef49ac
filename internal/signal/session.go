package signal

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"
	"go.mau.fi/libsignal/state/record"
)

const (
	MessageTypeWhisper = 1
	MessageTypePreKey  = 3
)

var (
	ErrNoSession        = errors.New("no session")
	ErrIdentityChanged  = errors.New("prekey message identity does not match session")
	ErrDuplicateMessage = errors.New("message already received")
	ErrTooManySkipped   = errors.New("too many skipped messages")
)

// PreKeyInfo is what the receiver needs to know about a prekey message before
// it can look up the private halves of the referenced prekeys.
type PreKeyInfo struct {
	RegistrationID  int
	IdentityKey     []byte
	SignedPreKeyID  int64
	OneTimePreKeyID *int
	// Established is set when the record already holds the session the
	// message belongs to, current or archived.
	Established bool
}

// PreKeyMaterial carries the receiver's private prekeys referenced by a prekey message.
type PreKeyMaterial struct {
	SignedPreKey  KeyPair
	OneTimePreKey *KeyPair
}

func (l *Library) loadSession(raw []byte) (*record.Session, error) {
	if len(raw) == 0 {
		return nil, ErrNoSession
	}
	rec, err := record.NewSessionFromBytes(raw, l.serializer.Session, l.serializer.State)
	if err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return rec, nil
}

// BuildSession runs X3DH against a remote bundle and returns a fresh initiator record.
func (l *Library) BuildSession(local IdentityKeyPair, bundle PreKeyBundle) (rec []byte, err error) {
	err = run(func(ctx context.Context) error {
		b, err := bundle.libsignal()
		if err != nil {
			return err
		}
		st := newRecordStore(l.serializer).withIdentity(local)
		if err := l.builder(st).ProcessBundle(ctx, b); err != nil {
			return err
		}
		rec = st.session.Serialize()
		return nil
	})
	return rec, err
}

// Encrypt returns the ciphertext, its message type and the advanced record.
// Until the peer replies, messages are prekey messages.
func (l *Library) Encrypt(raw, plaintext []byte) (ct []byte, msgType int, next []byte, err error) {
	err = run(func(ctx context.Context) error {
		rec, err := l.loadSession(raw)
		if err != nil {
			return err
		}
		st := newRecordStore(l.serializer)
		st.session = rec
		msg, err := session.NewCipher(l.builder(st), peerAddress).Encrypt(ctx, plaintext)
		if err != nil {
			return err
		}
		msgType = MessageTypeWhisper
		if msg.Type() == protocol.PREKEY_TYPE {
			msgType = MessageTypePreKey
		}
		ct, next = msg.Serialize(), st.session.Serialize()
		return nil
	})
	return ct, msgType, next, err
}

func (l *Library) parsePreKeyMessage(ciphertext []byte) (*protocol.PreKeySignalMessage, error) {
	msg, err := protocol.NewPreKeySignalMessageFromBytes(ciphertext, l.serializer.PreKeySignalMessage, l.serializer.SignalMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return msg, nil
}

func (l *Library) InspectPreKeyMessage(raw, ciphertext []byte) (info PreKeyInfo, err error) {
	err = run(func(context.Context) error {
		msg, err := l.parsePreKeyMessage(ciphertext)
		if err != nil {
			return err
		}
		info = PreKeyInfo{
			RegistrationID: int(msg.RegistrationID()),
			IdentityKey:    rawPublic(msg.IdentityKey().PublicKey()),
			SignedPreKeyID: int64(msg.SignedPreKeyID()),
		}
		if opk := msg.PreKeyID(); opk != nil && !opk.IsEmpty {
			id := int(opk.Value)
			info.OneTimePreKeyID = &id
		}
		if rec, err := l.loadSession(raw); err == nil {
			info.Established = rec.HasSessionState(msg.MessageVersion(), msg.BaseKey().Serialize())
		}
		return nil
	})
	return info, err
}

// DecryptPreKey opens a prekey message. A message for a session the record
// does not hold yet starts a new current session and archives the old one;
// material is only read in that case.
func (l *Library) DecryptPreKey(raw []byte, local IdentityKeyPair, material PreKeyMaterial, ciphertext []byte) (plaintext, next []byte, err error) {
	err = run(func(ctx context.Context) error {
		msg, err := l.parsePreKeyMessage(ciphertext)
		if err != nil {
			return err
		}
		st := newRecordStore(l.serializer).withIdentity(local).withMaterial(material)
		if len(raw) > 0 {
			if st.session, err = l.loadSession(raw); err != nil {
				return err
			}
		}
		rec, _ := st.LoadSession(ctx, peerAddress)
		if _, err := l.builder(st).Process(ctx, rec, msg); err != nil {
			return err
		}
		plaintext, next, err = l.decryptRecord(ctx, rec.Serialize(), msg.WhisperMessage())
		return err
	})
	return plaintext, next, err
}

func (l *Library) Decrypt(raw, ciphertext []byte) (plaintext, next []byte, err error) {
	err = run(func(ctx context.Context) error {
		if len(raw) == 0 {
			return ErrNoSession
		}
		msg, err := protocol.NewSignalMessageFromBytes(ciphertext, l.serializer.SignalMessage)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		plaintext, next, err = l.decryptRecord(ctx, raw, msg)
		return err
	})
	return plaintext, next, err
}

// decryptRecord tries the current state, then each archived one. libsignal
// advances a state's ratchet even when the MAC check fails, so every attempt
// runs on a fresh copy of raw and only the winning copy is returned.
func (l *Library) decryptRecord(ctx context.Context, raw []byte, msg *protocol.SignalMessage) ([]byte, []byte, error) {
	structure, err := l.serializer.Session.Deserialize(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode session record: %w", err)
	}
	var lastErr error
	for i := 0; i <= len(structure.PreviousStates); i++ {
		rec, err := l.promoted(raw, i)
		if err != nil {
			return nil, nil, err
		}
		st := newRecordStore(l.serializer)
		st.session = rec
		plaintext, _, err := session.NewCipher(l.builder(st), peerAddress).DecryptWithState(ctx, rec.SessionState(), msg)
		if err == nil {
			return plaintext, rec.Serialize(), nil
		}
		if errors.Is(err, signalerror.ErrOldCounter) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("%w: %w", signalerror.ErrNoValidSessions, lastErr)
}

// promoted decodes raw with state i as the current one: 0 is the current
// state, i > 0 the archived state i-1. The previous current state becomes the
// newest archived one.
func (l *Library) promoted(raw []byte, i int) (*record.Session, error) {
	structure, err := l.serializer.Session.Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	if i > 0 {
		archived := make([]*record.StateStructure, 0, len(structure.PreviousStates))
		archived = append(archived, structure.SessionState)
		archived = append(archived, structure.PreviousStates[:i-1]...)
		archived = append(archived, structure.PreviousStates[i:]...)
		structure = &record.SessionStructure{SessionState: structure.PreviousStates[i-1], PreviousStates: archived}
	}
	return record.NewSessionFromStructure(structure, l.serializer.Session, l.serializer.State)
}
