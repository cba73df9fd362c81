package messaging

import (
	"testing"

	"github.com/duskmesh/dht/internal/dhtcrypto"
)

func TestSessionTopics(t *testing.T) {
	user, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	device, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	s := &Session{UserIdentity: user, DeviceIdentity: device, HomePeer: mustTestID(t, 40)}

	if s.InboxTopic() != "inbox/"+s.UserId().String() {
		t.Fatalf("unexpected inbox topic %q", s.InboxTopic())
	}
	if s.OutboxTopic() != "outbox/"+s.UserId().String() {
		t.Fatalf("unexpected outbox topic %q", s.OutboxTopic())
	}
	if BroadcastTopic != "broadcast" {
		t.Fatalf("unexpected broadcast topic %q", BroadcastTopic)
	}
}

func TestSessionAuthPasswordLength(t *testing.T) {
	user, _ := dhtcrypto.GenerateSigningKeyPair()
	device, _ := dhtcrypto.GenerateSigningKeyPair()
	s := &Session{UserIdentity: user, DeviceIdentity: device}

	pw, err := s.AuthPassword()
	if err != nil {
		t.Fatalf("auth password: %v", err)
	}
	if pw == "" {
		t.Fatalf("expected a non-empty password")
	}

	// Two calls draw fresh random nonces and must not collide.
	pw2, err := s.AuthPassword()
	if err != nil {
		t.Fatalf("auth password: %v", err)
	}
	if pw == pw2 {
		t.Fatalf("expected distinct passwords across calls (fresh nonce each time)")
	}
}
