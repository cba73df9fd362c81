package rpc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/duskmesh/dht/internal/id"
)

// TokenRotationInterval is how often the current secret is rotated
// into the previous slot, bounding how long an issued token remains
// valid for a write.
const TokenRotationInterval = 5 * time.Minute

// TokenManager issues and validates the opaque write-authorization
// tokens of §3/§6: an HMAC-ish hash of
// (rotating_secret, requester_id, requester_addr, target_key), valid
// for the current plus previous secret epoch.
type TokenManager struct {
	mu       sync.Mutex
	current  [32]byte
	previous [32]byte
	lastRot  time.Time
}

// NewTokenManager seeds both secret epochs with fresh random material.
func NewTokenManager() *TokenManager {
	tm := &TokenManager{lastRot: time.Now()}
	io.ReadFull(rand.Reader, tm.current[:])
	io.ReadFull(rand.Reader, tm.previous[:])
	return tm
}

func (tm *TokenManager) maybeRotate() {
	if time.Since(tm.lastRot) < TokenRotationInterval {
		return
	}
	tm.previous = tm.current
	io.ReadFull(rand.Reader, tm.current[:])
	tm.lastRot = time.Now()
}

func tokenFor(secret [32]byte, requester id.Id, requesterAddr string, targetKey id.Id) int32 {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(requester.Bytes())
	mac.Write([]byte(requesterAddr))
	mac.Write(targetKey.Bytes())
	sum := mac.Sum(nil)
	return int32(binary.BigEndian.Uint32(sum[:4]))
}

// Issue returns the current epoch's token for (requester, targetKey).
func (tm *TokenManager) Issue(requester id.Id, requesterAddr string, targetKey id.Id) int32 {
	tm.mu.Lock()
	tm.maybeRotate()
	secret := tm.current
	tm.mu.Unlock()
	return tokenFor(secret, requester, requesterAddr, targetKey)
}

// Validate reports whether token matches either the current or
// previous secret epoch for (requester, targetKey), implementing the
// rotation-window tolerance of §3.
func (tm *TokenManager) Validate(token int32, requester id.Id, requesterAddr string, targetKey id.Id) bool {
	tm.mu.Lock()
	tm.maybeRotate()
	current, previous := tm.current, tm.previous
	tm.mu.Unlock()

	if token == tokenFor(current, requester, requesterAddr, targetKey) {
		return true
	}
	return token == tokenFor(previous, requester, requesterAddr, targetKey)
}
