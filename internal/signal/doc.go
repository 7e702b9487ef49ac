// Package signal adapts go.mau.fi/libsignal to the crypto service.
//
// # Overview
//
// libsignal implements the protocol: X3DH session bootstrap from a prekey
// bundle, the Double Ratchet for pairwise messages and sender keys for group
// fan-out. libsignal expects long-lived protocol stores; the service instead
// persists every stateful object as an opaque record. Each call here loads the
// records it was handed into a single-use in-memory store, runs the libsignal
// builder or cipher against it and serializes what the store holds afterwards.
//
// # Records
//
// A session record is a libsignal session: the current ratchet state plus the
// archived states of earlier sessions with the same peer. Archived states keep
// crossing prekey messages decryptable after both sides initiated at once.
// A sender-key record holds up to five chains of one sender, newest first;
// only the sender's own copy carries the signing private key.
//
// # Message types
//
//   - MessageTypePreKey: the first messages of a session, carrying the X3DH header.
//   - MessageTypeWhisper: regular ratchet messages.
//
// Private keys sealed at rest use Sealer, which is independent of libsignal.
package signal
