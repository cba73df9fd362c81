package messaging

import (
	"fmt"
	"time"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/wire"
)

// EnvelopeType distinguishes the three kinds of traffic an envelope
// can carry (§4.7).
type EnvelopeType int32

const (
	TypeMessage EnvelopeType = iota
	TypeCall
	TypeNotification
)

func (t EnvelopeType) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeCall:
		return "call"
	case TypeNotification:
		return "notification"
	default:
		return fmt.Sprintf("envelope_type(%d)", int32(t))
	}
}

// Envelope is the message transported over the inbox/outbox/broadcast
// topics (§4.7). Body is the already end-to-end encrypted payload
// (nil/empty for envelopes with nothing to encrypt, e.g. bare acks);
// the §4.7 transport encryption to the home peer is the websocket's
// TLS session itself (see Client.publish), not a second explicit wrap
// of the encoded Envelope.
type Envelope struct {
	Version int32
	From    id.Id
	To      id.Id
	ID      int32
	Type    EnvelopeType
	Created time.Time
	Body    []byte
}

// EnvelopeVersion is the current wire version stamped on outgoing
// envelopes.
const EnvelopeVersion = 1

// Keys used in the envelope's binary-map encoding, reusing the same
// stable key-sorted wire.Map codec the DHT packet envelope uses (§6)
// rather than inventing a second framing scheme for the overlay.
const (
	envKeyVersion = "v"
	envKeyFrom    = "f"
	envKeyTo      = "to"
	envKeyID      = "i"
	envKeyType    = "ty"
	envKeyCreated = "c"
	envKeyBody    = "b"
)

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() []byte {
	m := wire.Map{
		envKeyVersion: wire.Int32(e.Version),
		envKeyFrom:    wire.Bytes(e.From.Bytes()),
		envKeyTo:      wire.Bytes(e.To.Bytes()),
		envKeyID:      wire.Int32(e.ID),
		envKeyType:    wire.Int32(int32(e.Type)),
		envKeyCreated: wire.Int32(int32(e.Created.Unix())),
	}
	if len(e.Body) > 0 {
		m[envKeyBody] = wire.Bytes(e.Body)
	}
	return wire.Encode(m)
}

// DecodeEnvelope parses an Envelope previously produced by Encode.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	m, err := wire.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("messaging: decode envelope: %w", err)
	}
	version, _ := m[envKeyVersion].AsInt32()
	fromBytes, ok := m[envKeyFrom].AsBytes()
	if !ok {
		return nil, fmt.Errorf("messaging: envelope missing %q field", envKeyFrom)
	}
	from, err := id.FromBytes(fromBytes)
	if err != nil {
		return nil, fmt.Errorf("messaging: envelope from: %w", err)
	}
	toBytes, ok := m[envKeyTo].AsBytes()
	if !ok {
		return nil, fmt.Errorf("messaging: envelope missing %q field", envKeyTo)
	}
	to, err := id.FromBytes(toBytes)
	if err != nil {
		return nil, fmt.Errorf("messaging: envelope to: %w", err)
	}
	msgID, _ := m[envKeyID].AsInt32()
	typ, _ := m[envKeyType].AsInt32()
	created, _ := m[envKeyCreated].AsInt32()
	body, _ := m[envKeyBody].AsBytes()

	return &Envelope{
		Version: version,
		From:    from,
		To:      to,
		ID:      msgID,
		Type:    EnvelopeType(typ),
		Created: time.Unix(int64(created), 0).UTC(),
		Body:    body,
	}, nil
}

// RequiresEncryption reports whether an envelope carrying a non-empty
// body addressed away from the home peer must be end-to-end encrypted
// (§4.7: "Every envelope carrying a non-empty body where to != home
// peer is encrypted end-to-end").
func (e *Envelope) RequiresEncryption(homePeer id.Id) bool {
	return len(e.Body) > 0 && !e.To.Equal(homePeer)
}
