// Package value implements the three value kinds the DHT stores:
// immutable blobs, Ed25519-signed mutable values, and X25519-encrypted
// mutable values.
package value

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
)

// Kind distinguishes the three value shapes a Value can take.
type Kind int

const (
	// Immutable values carry only data; their id is SHA256(data).
	Immutable Kind = iota
	// SignedMutable values are CAS-updatable under an Ed25519 keypair.
	SignedMutable
	// EncryptedMutable values are SignedMutable values whose data is an
	// X25519 box ciphertext addressed to a specific recipient.
	EncryptedMutable
)

// NonceSize is the size of a Value's box nonce.
const NonceSize = 24

// Value is a single DHT-stored record. Which fields are set determines
// its Kind: a zero PublicKey means Immutable, a non-zero Recipient
// means EncryptedMutable, otherwise SignedMutable.
type Value struct {
	PublicKey *id.Id
	Recipient *id.Id
	Nonce     [NonceSize]byte
	Signature dhtcrypto.Signature
	Data      []byte
	Seq       int32
}

// Kind reports which of the three value shapes v is.
func (v *Value) Kind() Kind {
	switch {
	case v.PublicKey == nil:
		return Immutable
	case v.Recipient != nil:
		return EncryptedMutable
	default:
		return SignedMutable
	}
}

// IsMutable reports whether v carries a sequence number subject to CAS.
func (v *Value) IsMutable() bool {
	return v.Kind() != Immutable
}

// Id computes the value's content-addressed key: SHA256(data) for
// immutable values, SHA256(pk.bytes) for either mutable kind.
func (v *Value) Id() id.Id {
	switch v.Kind() {
	case Immutable:
		sum := sha256.Sum256(v.Data)
		return id.Id(sum)
	default:
		sum := sha256.Sum256(v.PublicKey.Bytes())
		return id.Id(sum)
	}
}

// signatureData builds the byte string the signature covers:
// SHA256(pk ∥ [recipient] ∥ nonce ∥ seq_le ∥ data). Recipient bytes are
// included only for EncryptedMutable values, between pk and nonce.
func (v *Value) signatureData() []byte {
	var buf []byte
	buf = append(buf, v.PublicKey.Bytes()...)
	if v.Recipient != nil {
		buf = append(buf, v.Recipient.Bytes()...)
	}
	buf = append(buf, v.Nonce[:]...)
	var seqLE [4]byte
	binary.LittleEndian.PutUint32(seqLE[:], uint32(v.Seq))
	buf = append(buf, seqLE[:]...)
	buf = append(buf, v.Data...)
	sum := sha256.Sum256(buf)
	return sum[:]
}

// Sign signs a mutable value in place using the owner's signing key.
// priv must correspond to v.PublicKey.
func (v *Value) Sign(priv [dhtcrypto.SigningPrivateKeySize]byte) {
	v.Signature = dhtcrypto.SignBytes(priv, v.signatureData())
}

// IsValid reports whether v satisfies its kind's structural and
// signature invariants. Immutable values are valid when their data is
// non-empty; mutable values must also carry a non-nil PublicKey, a
// non-negative Seq and a verifying signature.
func (v *Value) IsValid() bool {
	if v.Kind() == Immutable {
		return len(v.Data) > 0
	}
	if v.PublicKey == nil || v.Seq < 0 {
		return false
	}
	var pub [dhtcrypto.SigningPublicKeySize]byte
	copy(pub[:], v.PublicKey.Bytes())
	return v.Signature.Verify(pub, v.signatureData())
}

// NewImmutable builds an immutable value from data.
func NewImmutable(data []byte) *Value {
	return &Value{Data: append([]byte(nil), data...)}
}

// NewSignedMutable builds a signed mutable value, signing it under
// owner's private key.
func NewSignedMutable(owner *dhtcrypto.SigningKeyPair, data []byte, seq int32) (*Value, error) {
	ownerID := owner.Id()
	v := &Value{
		PublicKey: &ownerID,
		Data:      append([]byte(nil), data...),
		Seq:       seq,
	}
	if _, err := io.ReadFull(rand.Reader, v.Nonce[:]); err != nil {
		return nil, fmt.Errorf("value: generate nonce: %w", err)
	}
	v.Sign(owner.PrivateKey)
	return v, nil
}

// NewEncryptedMutable builds an encrypted mutable value addressed to
// recipient: plain is sealed under an X25519 box keyed by
// (owner's box private key, recipient's box public key), then the
// value is signed over the ciphertext per signatureData's layout.
func NewEncryptedMutable(owner *dhtcrypto.SigningKeyPair, recipient id.Id, plain []byte, seq int32) (*Value, error) {
	ownerBox, err := dhtcrypto.BoxKeyPairFromSigningKeyPair(owner)
	if err != nil {
		return nil, fmt.Errorf("value: derive sender box key: %w", err)
	}
	recipientBoxPub, err := id.IdToBoxPublicKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("value: derive recipient box key: %w", err)
	}

	ownerID := owner.Id()
	v := &Value{
		PublicKey: &ownerID,
		Recipient: &recipient,
		Seq:       seq,
	}
	if _, err := io.ReadFull(rand.Reader, v.Nonce[:]); err != nil {
		return nil, fmt.Errorf("value: generate nonce: %w", err)
	}

	v.Data = box.Seal(nil, plain, &v.Nonce, &recipientBoxPub, &ownerBox.PrivateKey)
	v.Sign(owner.PrivateKey)
	return v, nil
}

// Open decrypts an EncryptedMutable value's data back to plaintext
// using the recipient's signing keypair. recipient must be the same Id
// stored in v.Recipient.
func (v *Value) Open(recipient *dhtcrypto.SigningKeyPair) ([]byte, error) {
	if v.Kind() != EncryptedMutable {
		return nil, fmt.Errorf("value: not an encrypted value")
	}
	recipientBox, err := dhtcrypto.BoxKeyPairFromSigningKeyPair(recipient)
	if err != nil {
		return nil, fmt.Errorf("value: derive recipient box key: %w", err)
	}
	senderBoxPub, err := id.IdToBoxPublicKey(*v.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("value: derive sender box key: %w", err)
	}
	plain, ok := box.Open(nil, v.Data, &v.Nonce, &senderBoxPub, &recipientBox.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("value: decryption failed")
	}
	return plain, nil
}

// NewerThan reports whether v has a strictly higher sequence number
// than other, the CAS ordering rule §8 invariant 3 relies on: a
// task's in-progress value is replaced only by a strictly higher-seq
// mutable value.
func (v *Value) NewerThan(other *Value) bool {
	return v.Seq > other.Seq
}
