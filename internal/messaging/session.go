// Package messaging implements the secure messaging client: a
// websocket-transported MQTT-shaped inbox/outbox/broadcast session,
// end-to-end encrypted envelopes, RPC request/response correlation,
// channel invites, and contact sync (§4.7, §6).
package messaging

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/mr-tron/base58"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
)

// NonceSize is the length of the random nonce signed during broker
// authentication.
const NonceSize = 24

// Session composes the identities and addressing a messaging client
// needs: the user's long-term identity, the device identity used to
// sign this connection, the home peer relaying messages, and the
// broker's REST API base URL.
//
// SessionKeyPair is the user's own messaging session keypair (§3:
// "the session public key used to encrypt traffic to that user"). Its
// public half is what this user hands out to be stored as the
// SessionKey field of the caller's Contact entry; its private half is
// what decrypts direct messages addressed to this user (§4.7). It is
// independent of, and not derivable from, the identity keys, so unlike
// RPC/notification traffic (which both sides derive symmetrically from
// the peer's Id) a direct message cannot be decrypted without it.
type Session struct {
	UserIdentity   *dhtcrypto.SigningKeyPair
	DeviceIdentity *dhtcrypto.SigningKeyPair
	SessionKeyPair *dhtcrypto.BoxKeyPair
	HomePeer       id.Id
	APIURL         string
}

// UserId returns the session's user id.
func (s *Session) UserId() id.Id {
	return s.UserIdentity.Id()
}

// DeviceId returns the session's device id.
func (s *Session) DeviceId() id.Id {
	return s.DeviceIdentity.Id()
}

// InboxTopic is the topic this session receives direct messages and
// RPC responses on.
func (s *Session) InboxTopic() string {
	return "inbox/" + s.UserId().String()
}

// OutboxTopic is the topic this session's own device-to-device replay
// of its own sent messages arrives on.
func (s *Session) OutboxTopic() string {
	return "outbox/" + s.UserId().String()
}

// BroadcastTopic is the shared topic every client subscribes to for
// service-wide notifications.
const BroadcastTopic = "broadcast"

// AuthPassword derives the broker authentication password for a fresh
// connection attempt: base58(nonce(24B) ∥ user_sig(64B) ∥
// device_sig(64B)) over a random nonce, proving control of both the
// user and device private keys without transmitting either.
func (s *Session) AuthPassword() (string, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("messaging: generate auth nonce: %w", err)
	}
	return s.authPasswordForNonce(nonce)
}

func (s *Session) authPasswordForNonce(nonce [NonceSize]byte) (string, error) {
	userSig := s.UserIdentity.Sign(nonce[:])
	deviceSig := s.DeviceIdentity.Sign(nonce[:])

	buf := make([]byte, 0, NonceSize+len(userSig)+len(deviceSig))
	buf = append(buf, nonce[:]...)
	buf = append(buf, userSig[:]...)
	buf = append(buf, deviceSig[:]...)
	return base58.Encode(buf), nil
}
