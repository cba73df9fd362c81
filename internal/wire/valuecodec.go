package wire

import (
	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/value"
)

// Field keys within one encoded Value map entry (§6: store_value /
// find_value body fields, reused here for the embedded value itself).
const (
	valueKeyPublicKey = "k"
	valueKeyRecipient = "rec"
	valueKeyNonce     = "n"
	valueKeySignature = "s"
	valueKeyData      = "d"
	valueKeySeq       = "seq"
)

// EncodeValue serializes a stored value into the wire map shape used
// both for store_value requests and find_value responses.
func EncodeValue(v *value.Value) *Value {
	m := Map{
		valueKeyData: Bytes(v.Data),
		valueKeySeq:  Int32(v.Seq),
	}
	if v.PublicKey != nil {
		m[valueKeyPublicKey] = Bytes(v.PublicKey.Bytes())
		m[valueKeyNonce] = Bytes(v.Nonce[:])
		m[valueKeySignature] = Bytes(v.Signature.Bytes())
	}
	if v.Recipient != nil {
		m[valueKeyRecipient] = Bytes(v.Recipient.Bytes())
	}
	return MapValue(m)
}

// DecodeValue reconstructs a value.Value from its wire map shape.
func DecodeValue(m Map) (*value.Value, bool) {
	data, ok := m[valueKeyData].AsBytes()
	if !ok {
		return nil, false
	}
	seq, _ := m[valueKeySeq].AsInt32()

	v := &value.Value{Data: append([]byte(nil), data...), Seq: seq}

	pkBytes, hasPK := m[valueKeyPublicKey].AsBytes()
	if !hasPK {
		return v, true // immutable
	}
	pk, err := id.FromBytes(pkBytes)
	if err != nil {
		return nil, false
	}
	v.PublicKey = &pk

	if nonce, ok := m[valueKeyNonce].AsBytes(); ok {
		copy(v.Nonce[:], nonce)
	}
	if sig, ok := m[valueKeySignature].AsBytes(); ok {
		var s dhtcrypto.Signature
		copy(s[:], sig)
		v.Signature = s
	}
	if recBytes, ok := m[valueKeyRecipient].AsBytes(); ok {
		rec, err := id.FromBytes(recBytes)
		if err != nil {
			return nil, false
		}
		v.Recipient = &rec
	}
	return v, true
}
