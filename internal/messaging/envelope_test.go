package messaging

import (
	"testing"
	"time"

	"github.com/duskmesh/dht/internal/id"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	from := mustTestID(t, 1)
	to := mustTestID(t, 2)
	env := &Envelope{
		Version: EnvelopeVersion,
		From:    from,
		To:      to,
		ID:      42,
		Type:    TypeMessage,
		Created: time.Unix(1700000000, 0).UTC(),
		Body:    []byte("hello"),
	}

	decoded, err := DecodeEnvelope(env.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != env.Version || !decoded.From.Equal(env.From) || !decoded.To.Equal(env.To) ||
		decoded.ID != env.ID || decoded.Type != env.Type || !decoded.Created.Equal(env.Created) ||
		string(decoded.Body) != string(env.Body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, env)
	}
}

func TestEnvelopeRequiresEncryption(t *testing.T) {
	home := mustTestID(t, 3)
	other := mustTestID(t, 4)

	toHome := &Envelope{To: home, Body: []byte("x")}
	if toHome.RequiresEncryption(home) {
		t.Fatalf("envelope addressed to home peer should not require e2e encryption")
	}

	toOther := &Envelope{To: other, Body: []byte("x")}
	if !toOther.RequiresEncryption(home) {
		t.Fatalf("envelope with a body addressed away from home peer should require encryption")
	}

	empty := &Envelope{To: other}
	if empty.RequiresEncryption(home) {
		t.Fatalf("envelope with no body should never require encryption")
	}
}

// mustTestID derives a deterministic, distinct Id per seed value so
// tests can construct several non-colliding identifiers without
// pulling in crypto/rand.
func mustTestID(t *testing.T, seed byte) id.Id {
	t.Helper()
	var b [id.Size]byte
	for i := range b {
		b[i] = byte(i*7+1) + seed
	}
	out, err := id.FromBytes(b[:])
	if err != nil {
		t.Fatalf("id.FromBytes: %v", err)
	}
	return out
}
