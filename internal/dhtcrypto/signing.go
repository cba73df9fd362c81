// Package dhtcrypto provides the identity, key-agreement, and
// authenticated-encryption primitives that every other DHT component
// builds on: Ed25519 signing keys, X25519 box keys, a per-remote
// CryptoContext, and the CryptoCache that bounds how many of those
// contexts stay resident in memory.
package dhtcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/duskmesh/dht/internal/id"
)

const (
	// SigningPublicKeySize is the size of an Ed25519 public key in bytes.
	SigningPublicKeySize = ed25519.PublicKeySize
	// SigningPrivateKeySize is the size of an Ed25519 private key (seed
	// plus derived public key) in bytes.
	SigningPrivateKeySize = ed25519.PrivateKeySize
	// SignatureSize is the size of an Ed25519 signature in bytes.
	SignatureSize = ed25519.SignatureSize
)

// SigningKeyPair holds an Ed25519 keypair used as the node's or user's
// long-term identity.
type SigningKeyPair struct {
	PublicKey  [SigningPublicKeySize]byte
	PrivateKey [SigningPrivateKeySize]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 identity keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}
	kp := &SigningKeyPair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)
	return kp, nil
}

// SigningKeyPairFromPrivate reconstructs a keypair from a stored
// 64-byte Ed25519 private key, the key that cmd/dhtnode stores
// hex-encoded at node.key_file.
func SigningKeyPairFromPrivate(priv [SigningPrivateKeySize]byte) *SigningKeyPair {
	pub := ed25519.PrivateKey(priv[:]).Public().(ed25519.PublicKey)
	kp := &SigningKeyPair{PrivateKey: priv}
	copy(kp.PublicKey[:], pub)
	return kp
}

// SigningKeyPairFromSeed derives a keypair from a 32-byte seed.
func SigningKeyPairFromSeed(seed [32]byte) *SigningKeyPair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	kp := &SigningKeyPair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)
	return kp
}

// Id returns the node Id corresponding to this keypair's public key;
// node, value, and peer ids are always exactly the raw Ed25519 public
// key bytes.
func (kp *SigningKeyPair) Id() id.Id {
	var out id.Id
	copy(out[:], kp.PublicKey[:])
	return out
}

// Sign produces an Ed25519 signature over message.
func (kp *SigningKeyPair) Sign(message []byte) [SignatureSize]byte {
	return Sign(kp.PrivateKey, message)
}

// Sign creates an Ed25519 signature of message under priv.
func Sign(priv [SigningPrivateKeySize]byte, message []byte) [SignatureSize]byte {
	sig := ed25519.Sign(ed25519.PrivateKey(priv[:]), message)
	var out [SignatureSize]byte
	copy(out[:], sig)
	return out
}

// Verify reports whether sig is a valid Ed25519 signature of message
// under pub.
func Verify(pub [SigningPublicKeySize]byte, message []byte, sig [SignatureSize]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig[:])
}

// IsZeroSignature reports whether sig is the all-zero placeholder used
// by unsigned values.
func IsZeroSignature(sig [SignatureSize]byte) bool {
	var zero [SignatureSize]byte
	return sig == zero
}

// ZeroSigningKey overwrites a private key array with zeros. Call this
// once a keypair's private material is no longer needed.
func ZeroSigningKey(k *[SigningPrivateKeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// Zero overwrites the keypair's private key in place.
func (kp *SigningKeyPair) Zero() {
	ZeroSigningKey(&kp.PrivateKey)
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
