package dhtcrypto

// Signature wraps a raw Ed25519 signature so Value, PeerInfo, and
// messaging invite tickets share one construction/verification path
// instead of inlining ed25519 calls at each call site.
type Signature [SignatureSize]byte

// SignBytes builds the signature bytes covering data under priv.
func SignBytes(priv [SigningPrivateKeySize]byte, data []byte) Signature {
	return Signature(Sign(priv, data))
}

// Verify reports whether the signature covers data under pub.
func (s Signature) Verify(pub [SigningPublicKeySize]byte, data []byte) bool {
	return Verify(pub, data, [SignatureSize]byte(s))
}

// IsZero reports whether the signature is the unsigned placeholder.
func (s Signature) IsZero() bool {
	return IsZeroSignature([SignatureSize]byte(s))
}

// Bytes returns the signature as a byte slice.
func (s Signature) Bytes() []byte {
	return s[:]
}
