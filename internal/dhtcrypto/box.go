package dhtcrypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/duskmesh/dht/internal/id"
)

const (
	// BoxKeySize is the size of an X25519 box key in bytes.
	BoxKeySize = 32
	// NonceSize is the size of the nonce prefixed to every encrypted
	// packet.
	NonceSize = 24
	// MACSize is the size of the authentication tag box.Seal appends.
	MACSize = 16
	// Overhead is the total framing overhead added to every encrypted
	// payload: the nonce prefix plus the trailing MAC.
	Overhead = NonceSize + MACSize
)

// BoxKeyPair holds an X25519 keypair used for authenticated encryption
// of DHT packets and messaging bodies.
type BoxKeyPair struct {
	PublicKey  [BoxKeySize]byte
	PrivateKey [BoxKeySize]byte
}

// GenerateBoxKeyPair creates a new random X25519 keypair.
func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box keypair: %w", err)
	}
	return &BoxKeyPair{PublicKey: *pub, PrivateKey: *priv}, nil
}

// BoxKeyPairFromSigningKeyPair derives an X25519 keypair from an
// Ed25519 identity, the mapping every node uses so a single signing
// key doubles as the encryption identity (§3, §4.1: "a signing private
// key deterministically yields a box private key").
func BoxKeyPairFromSigningKeyPair(kp *SigningKeyPair) (*BoxKeyPair, error) {
	pub, err := id.IdToBoxPublicKey(kp.Id())
	if err != nil {
		return nil, fmt.Errorf("derive box public key: %w", err)
	}
	priv := id.SigningPrivateKeyToBoxPrivateKey(kp.PrivateKey[:])
	return &BoxKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// BoxKeyPairFromPrivate reconstructs a keypair from a persisted X25519
// private key, recomputing the public half rather than storing both
// halves on disk, the same load-time derivation loadOrCreateKey uses
// for the Ed25519 signing key.
func BoxKeyPairFromPrivate(priv [BoxKeySize]byte) *BoxKeyPair {
	var pub [BoxKeySize]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return &BoxKeyPair{PublicKey: pub, PrivateKey: priv}
}

// Zero overwrites the keypair's private key in place.
func (kp *BoxKeyPair) Zero() {
	ZeroBoxKey(&kp.PrivateKey)
}

// ZeroBoxKey overwrites a box private key array with zeros.
func ZeroBoxKey(k *[BoxKeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// SealBox authenticates and encrypts plain for a single recipient
// under (priv, pub), framed as nonce(24) ∥ ciphertext ∥ MAC(16) like
// CryptoContext.EncryptInto. Unlike CryptoContext, it precomputes
// nothing and draws a fresh random nonce per call, which is the right
// shape for the messaging overlay's one-off envelope-body encryption
// (§4.7) where the peer on the other end of a given key pair changes
// per message (contact session keys, channel session keys, recipient
// identity keys) rather than staying fixed the way a DHT remote does.
func SealBox(priv, pub [BoxKeySize]byte, plain []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plain)+MACSize)
	copy(out, nonce[:])
	return box.Seal(out, plain, &nonce, &pub, &priv), nil
}

// OpenBox reverses SealBox: it extracts the nonce prefix from packet
// and opens the remainder under (priv, pub).
func OpenBox(priv, pub [BoxKeySize]byte, packet []byte) ([]byte, error) {
	if len(packet) < Overhead {
		return nil, fmt.Errorf("open: packet too short: %d bytes", len(packet))
	}
	var nonce [NonceSize]byte
	copy(nonce[:], packet[:NonceSize])
	plain, ok := box.Open(nil, packet[NonceSize:], &nonce, &pub, &priv)
	if !ok {
		return nil, fmt.Errorf("open: decryption failed: authentication mismatch")
	}
	return plain, nil
}

// incrementNonce performs a little-endian increment of the 24-byte
// nonce counter, rolling over every byte in sequence when a byte is
// already 0xFF so the counter wraps correctly instead of silently
// stalling at the top byte.
func incrementNonce(n *[NonceSize]byte) {
	for i := 0; i < NonceSize; i++ {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// CryptoContext caches the symmetric key precomputed for a single
// remote Id and manages the monotonic nonce used to frame every packet
// sent to, or expected from, that remote.
//
// EncryptInto produces a self-framed packet: nonce(24) ∥ ciphertext ∥
// MAC(16). DecryptInto consumes that same framing.
type CryptoContext struct {
	mu         sync.Mutex
	sharedKey  [BoxKeySize]byte
	sendNonce  [NonceSize]byte
	lastActive time.Time
}

// NewCryptoContext precomputes the shared key for (localPriv, remotePub)
// and seeds the send nonce with secure random bytes, per §4.1: "a
// per-context monotonic nonce initialized randomly at construction".
func NewCryptoContext(localPriv, remotePub [BoxKeySize]byte) (*CryptoContext, error) {
	ctx := &CryptoContext{lastActive: time.Now()}
	box.Precompute(&ctx.sharedKey, &remotePub, &localPriv)
	if _, err := io.ReadFull(rand.Reader, ctx.sendNonce[:]); err != nil {
		return nil, fmt.Errorf("seed nonce: %w", err)
	}
	return ctx, nil
}

// EncryptInto seals plain under the cached shared key, prefixes the
// nonce used, and advances the context's monotonic nonce.
func (c *CryptoContext) EncryptInto(plain []byte) []byte {
	c.mu.Lock()
	nonce := c.sendNonce
	incrementNonce(&c.sendNonce)
	c.lastActive = time.Now()
	c.mu.Unlock()

	out := make([]byte, NonceSize, NonceSize+len(plain)+MACSize)
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, plain, &nonce, &c.sharedKey)
}

// DecryptInto extracts the nonce prefix from packet and opens the
// remainder under the cached shared key.
func (c *CryptoContext) DecryptInto(packet []byte) ([]byte, error) {
	if len(packet) < Overhead {
		return nil, fmt.Errorf("packet too short: %d bytes", len(packet))
	}
	var nonce [NonceSize]byte
	copy(nonce[:], packet[:NonceSize])

	plain, ok := box.OpenAfterPrecomputation(nil, packet[NonceSize:], &nonce, &c.sharedKey)
	if !ok {
		return nil, fmt.Errorf("decryption failed: authentication mismatch")
	}

	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()

	return plain, nil
}

func (c *CryptoContext) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive)
}

// Zero overwrites the cached shared key.
func (c *CryptoContext) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ZeroBoxKey(&c.sharedKey)
}

// CryptoCacheTTL is the inactivity window after which a cached context
// is evicted (§4.1: "a 60-second inactivity TTL").
const CryptoCacheTTL = 60 * time.Second

// CryptoCache maps a remote Id to its CryptoContext, bounding memory by
// evicting contexts that have sat idle past CryptoCacheTTL.
type CryptoCache struct {
	mu    sync.Mutex
	local *BoxKeyPair
	ctxs  map[id.Id]*CryptoContext
}

// NewCryptoCache creates an empty cache bound to the node's own box
// keypair.
func NewCryptoCache(local *BoxKeyPair) *CryptoCache {
	return &CryptoCache{
		local: local,
		ctxs:  make(map[id.Id]*CryptoContext),
	}
}

// Get returns the cached CryptoContext for remote, creating and caching
// one on first use by deriving remote's box public key from its Id.
func (c *CryptoCache) Get(remote id.Id) (*CryptoContext, error) {
	c.mu.Lock()
	if ctx, ok := c.ctxs[remote]; ok {
		c.mu.Unlock()
		return ctx, nil
	}
	c.mu.Unlock()

	remotePub, err := id.IdToBoxPublicKey(remote)
	if err != nil {
		return nil, fmt.Errorf("derive remote box key: %w", err)
	}
	ctx, err := NewCryptoContext(c.local.PrivateKey, remotePub)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.ctxs[remote]; ok {
		return existing, nil
	}
	c.ctxs[remote] = ctx
	return ctx, nil
}

// Sweep removes every context idle for longer than CryptoCacheTTL,
// returning the number evicted. Call this from a periodic tick.
func (c *CryptoCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for remote, ctx := range c.ctxs {
		if ctx.idleSince() > CryptoCacheTTL {
			ctx.Zero()
			delete(c.ctxs, remote)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached contexts, for metrics.
func (c *CryptoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ctxs)
}
