package messaging

import (
	"testing"

	"github.com/duskmesh/dht/internal/dhtcrypto"
)

func TestEncryptDecryptBodyRoundTrip(t *testing.T) {
	sender, err := dhtcrypto.GenerateBoxKeyPair()
	if err != nil {
		t.Fatalf("generate sender key: %v", err)
	}
	recipient, err := dhtcrypto.GenerateBoxKeyPair()
	if err != nil {
		t.Fatalf("generate recipient key: %v", err)
	}

	plain := []byte("msg")
	cipher, err := EncryptBody(sender.PrivateKey, recipient.PublicKey, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// §8 invariant 4's framing: nonce(24) + ciphertext(len(plain)) + MAC(16).
	wantLen := dhtcrypto.NonceSize + len(plain) + dhtcrypto.MACSize
	if len(cipher) != wantLen {
		t.Fatalf("got ciphertext length %d, want %d", len(cipher), wantLen)
	}

	got, err := DecryptBody(recipient.PrivateKey, sender.PublicKey, cipher)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestDecryptBodyWrongKeyFails(t *testing.T) {
	sender, _ := dhtcrypto.GenerateBoxKeyPair()
	recipient, _ := dhtcrypto.GenerateBoxKeyPair()
	wrong, _ := dhtcrypto.GenerateBoxKeyPair()

	cipher, err := EncryptBody(sender.PrivateKey, recipient.PublicKey, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptBody(wrong.PrivateKey, sender.PublicKey, cipher); err == nil {
		t.Fatalf("expected decryption under the wrong key to fail")
	}
}
