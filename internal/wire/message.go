package wire

import "fmt"

// Kind is the envelope's high nibble: error, request, or response.
type Kind byte

const (
	KindError    Kind = 0x00
	KindRequest  Kind = 0x20
	KindResponse Kind = 0x40
)

// Method is the envelope's low nibble: which RPC this message carries.
type Method byte

const (
	MethodPing         Method = 0x01
	MethodFindNode     Method = 0x02
	MethodAnnouncePeer Method = 0x03
	MethodFindPeer     Method = 0x04
	MethodStoreValue   Method = 0x05
	MethodFindValue    Method = 0x06
)

func (m Method) String() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodFindNode:
		return "find_node"
	case MethodAnnouncePeer:
		return "announce_peer"
	case MethodFindPeer:
		return "find_peer"
	case MethodStoreValue:
		return "store_value"
	case MethodFindValue:
		return "find_value"
	default:
		return fmt.Sprintf("method(0x%02x)", byte(m))
	}
}

// Type composes kind and method by bitwise OR, the byte that travels
// on the wire as the envelope's `y` field.
func Type(kind Kind, method Method) int32 {
	return int32(byte(kind) | byte(method))
}

// SplitType decomposes a wire type byte back into its kind and method.
// The low 5 bits carry the method; the high 3 bits carry the kind,
// matching the 0x20/0x40 kind values defined above.
func SplitType(t int32) (Kind, Method) {
	b := byte(t)
	return Kind(b & 0x60), Method(b & 0x1F)
}

// Envelope is the decoded form of one wire message: the outer fields
// common to every kind, plus whichever body map is present.
type Envelope struct {
	Kind    Kind
	Method  Method
	TxID    int32
	Version int32
	Body    Map // the q/r/e body map, method-specific fields inside
}

// Keys used at the top level of every message body (§6).
const (
	KeyType    = "y"
	KeyTxID    = "t"
	KeyVersion = "v"
	KeyRequest = "q"
	KeyReply   = "r"
	KeyError   = "e"
)

// Keys used within per-method request/response bodies (§6).
const (
	KeyTarget       = "t"
	KeyWant4        = "w4"
	KeyWant6        = "w6"
	KeyToken        = "tok"
	KeySeq          = "seq"
	KeyPublicKey    = "k"
	KeyRecipient    = "rec"
	KeyNonce        = "n"
	KeySignature    = "s"
	KeyCAS          = "cas"
	KeyData         = "d"
	KeyNodes4       = "n4"
	KeyNodes6       = "n6"
	KeyValue        = "v"
	KeyPeers        = "p"
	KeyPort         = "port"
	KeyURL          = "url"
	KeyOrigin       = "ori"
	KeyErrorCode    = "c"
	KeyErrorMessage = "m"
)

// Encode serializes an Envelope into a full outer map, embedding Body
// under the key matching its Kind (q for requests, r for responses, e
// for errors).
func (env *Envelope) Encode() []byte {
	outer := Map{
		KeyType:    Int32(Type(env.Kind, env.Method)),
		KeyTxID:    Int32(env.TxID),
		KeyVersion: Int32(env.Version),
	}
	switch env.Kind {
	case KindRequest:
		outer[KeyRequest] = MapValue(env.Body)
	case KindResponse:
		outer[KeyReply] = MapValue(env.Body)
	case KindError:
		outer[KeyError] = MapValue(env.Body)
	}
	return Encode(outer)
}

// DecodeEnvelope parses a full outer map back into an Envelope.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	outer, err := Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	typeVal, ok := outer[KeyType].AsInt32()
	if !ok {
		return nil, fmt.Errorf("wire: missing or invalid %q field", KeyType)
	}
	txid, _ := outer[KeyTxID].AsInt32()
	version, _ := outer[KeyVersion].AsInt32()

	kind, method := SplitType(typeVal)
	env := &Envelope{Kind: kind, Method: method, TxID: txid, Version: version}

	var bodyKey string
	switch kind {
	case KindRequest:
		bodyKey = KeyRequest
	case KindResponse:
		bodyKey = KeyReply
	case KindError:
		bodyKey = KeyError
	default:
		return nil, fmt.Errorf("wire: unknown message kind 0x%02x", byte(kind))
	}

	body, ok := outer[bodyKey].AsMap()
	if !ok {
		return nil, fmt.Errorf("wire: missing body under %q", bodyKey)
	}
	env.Body = body
	return env, nil
}
