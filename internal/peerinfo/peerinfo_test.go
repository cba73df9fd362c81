package peerinfo

import (
	"testing"

	"github.com/duskmesh/dht/internal/dhtcrypto"
)

func TestNewAndValidate(t *testing.T) {
	owner, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	node, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	p := New(owner, node.Id(), nil, 8090, "https://example.invalid")
	if !p.IsValid() {
		t.Fatal("expected freshly signed peer info to validate")
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	owner, _ := dhtcrypto.GenerateSigningKeyPair()
	node, _ := dhtcrypto.GenerateSigningKeyPair()

	p := New(owner, node.Id(), nil, 8090, "")
	p.Port = 9999 // tamper after signing
	if p.IsValid() {
		t.Fatal("expected tampered port to invalidate signature")
	}
}

func TestDelegatedOriginChangesSignatureData(t *testing.T) {
	owner, _ := dhtcrypto.GenerateSigningKeyPair()
	node, _ := dhtcrypto.GenerateSigningKeyPair()
	origin, _ := dhtcrypto.GenerateSigningKeyPair()

	originID := origin.Id()
	direct := New(owner, node.Id(), nil, 1, "")
	delegated := New(owner, node.Id(), &originID, 1, "")

	if direct.Signature == delegated.Signature {
		t.Fatal("expected delegated and direct announcements to sign different data")
	}
}

func TestDedupKeyStableAcrossCalls(t *testing.T) {
	owner, _ := dhtcrypto.GenerateSigningKeyPair()
	node, _ := dhtcrypto.GenerateSigningKeyPair()
	p := New(owner, node.Id(), nil, 42, "u")

	if p.DedupKey() != p.DedupKey() {
		t.Fatal("dedup key must be stable")
	}
}
