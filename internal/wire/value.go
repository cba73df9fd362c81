// Package wire implements the stable key-sorted binary-map encoding
// used for every DHT message body (§6), plus the envelope type/method
// tagging scheme (§3 "Message envelope").
package wire

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Kind tags of a Value within a Map.
const (
	kindInt32 byte = iota
	kindBytes
	kindString
	kindBool
	kindMap
	kindList
)

// Value is a single tagged field in a binary-map message body. Exactly
// one of its fields is meaningful, selected by Kind.
type Value struct {
	kind byte
	i32  int32
	b    []byte
	s    string
	flag bool
	m    Map
	list []*Value
}

// Int32 wraps an int32 field.
func Int32(v int32) *Value { return &Value{kind: kindInt32, i32: v} }

// Bytes wraps a byte-slice field.
func Bytes(v []byte) *Value { return &Value{kind: kindBytes, b: v} }

// String wraps a string field.
func String(v string) *Value { return &Value{kind: kindString, s: v} }

// Bool wraps a boolean flag field.
func Bool(v bool) *Value { return &Value{kind: kindBool, flag: v} }

// MapValue wraps a nested map field.
func MapValue(v Map) *Value { return &Value{kind: kindMap, m: v} }

// List wraps a list of values, used for the find_node/find_peer
// response node and peer lists.
func List(v []*Value) *Value { return &Value{kind: kindList, list: v} }

// AsInt32 returns the field as an int32, or ok=false if it is not one.
func (v *Value) AsInt32() (int32, bool) {
	if v == nil || v.kind != kindInt32 {
		return 0, false
	}
	return v.i32, true
}

// AsBytes returns the field as bytes, or ok=false if it is not one.
func (v *Value) AsBytes() ([]byte, bool) {
	if v == nil || v.kind != kindBytes {
		return nil, false
	}
	return v.b, true
}

// AsString returns the field as a string, or ok=false if it is not one.
func (v *Value) AsString() (string, bool) {
	if v == nil || v.kind != kindString {
		return "", false
	}
	return v.s, true
}

// AsBool returns the field as a bool, or ok=false if it is not one.
func (v *Value) AsBool() (bool, bool) {
	if v == nil || v.kind != kindBool {
		return false, false
	}
	return v.flag, true
}

// AsMap returns the field as a nested Map, or ok=false if it is not one.
func (v *Value) AsMap() (Map, bool) {
	if v == nil || v.kind != kindMap {
		return nil, false
	}
	return v.m, true
}

// AsList returns the field as a list of Values, or ok=false if it is
// not one.
func (v *Value) AsList() ([]*Value, bool) {
	if v == nil || v.kind != kindList {
		return nil, false
	}
	return v.list, true
}

// Map is a binary-map message body: a string-keyed set of Values,
// encoded in ascending key order so two equal maps always serialize to
// the same bytes.
type Map map[string]*Value

// Encode serializes m in stable key-sorted order.
func Encode(m Map) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(keys)))
	buf = append(buf, countBuf[:]...)

	for _, k := range keys {
		buf = append(buf, byte(len(k)))
		buf = append(buf, k...)
		buf = append(buf, encodeValue(m[k])...)
	}
	return buf
}

func encodeValue(v *Value) []byte {
	switch v.kind {
	case kindInt32:
		out := make([]byte, 5)
		out[0] = kindInt32
		binary.BigEndian.PutUint32(out[1:], uint32(v.i32))
		return out
	case kindBytes:
		out := make([]byte, 0, 5+len(v.b))
		out = append(out, kindBytes)
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v.b)))
		out = append(out, l[:]...)
		out = append(out, v.b...)
		return out
	case kindString:
		out := make([]byte, 0, 5+len(v.s))
		out = append(out, kindString)
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v.s)))
		out = append(out, l[:]...)
		out = append(out, v.s...)
		return out
	case kindBool:
		if v.flag {
			return []byte{kindBool, 1}
		}
		return []byte{kindBool, 0}
	case kindMap:
		sub := Encode(v.m)
		return append([]byte{kindMap}, sub...)
	case kindList:
		out := []byte{kindList}
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v.list)))
		out = append(out, l[:]...)
		for _, item := range v.list {
			out = append(out, encodeValue(item)...)
		}
		return out
	default:
		panic(fmt.Sprintf("wire: unknown value kind %d", v.kind))
	}
}

// Decode parses a Map encoded by Encode.
func Decode(buf []byte) (Map, error) {
	m, consumed, err := decodeMap(buf)
	if err != nil {
		return nil, err
	}
	if consumed != len(buf) {
		return nil, fmt.Errorf("wire: %d trailing bytes after map", len(buf)-consumed)
	}
	return m, nil
}

func decodeMap(buf []byte) (Map, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("wire: truncated map count")
	}
	count := binary.BigEndian.Uint32(buf[:4])
	off := 4
	m := make(Map, count)
	for n := uint32(0); n < count; n++ {
		if off >= len(buf) {
			return nil, 0, fmt.Errorf("wire: truncated key length")
		}
		keyLen := int(buf[off])
		off++
		if off+keyLen > len(buf) {
			return nil, 0, fmt.Errorf("wire: truncated key")
		}
		key := string(buf[off : off+keyLen])
		off += keyLen

		v, consumed, err := decodeValue(buf[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("wire: decode field %q: %w", key, err)
		}
		off += consumed
		m[key] = v
	}
	return m, off, nil
}

func decodeValue(buf []byte) (*Value, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("wire: truncated value tag")
	}
	kind := buf[0]
	switch kind {
	case kindInt32:
		if len(buf) < 5 {
			return nil, 0, fmt.Errorf("wire: truncated int32")
		}
		return Int32(int32(binary.BigEndian.Uint32(buf[1:5]))), 5, nil
	case kindBytes:
		if len(buf) < 5 {
			return nil, 0, fmt.Errorf("wire: truncated bytes length")
		}
		l := binary.BigEndian.Uint32(buf[1:5])
		if len(buf) < 5+int(l) {
			return nil, 0, fmt.Errorf("wire: truncated bytes body")
		}
		out := make([]byte, l)
		copy(out, buf[5:5+l])
		return Bytes(out), 5 + int(l), nil
	case kindString:
		if len(buf) < 5 {
			return nil, 0, fmt.Errorf("wire: truncated string length")
		}
		l := binary.BigEndian.Uint32(buf[1:5])
		if len(buf) < 5+int(l) {
			return nil, 0, fmt.Errorf("wire: truncated string body")
		}
		return String(string(buf[5 : 5+l])), 5 + int(l), nil
	case kindBool:
		if len(buf) < 2 {
			return nil, 0, fmt.Errorf("wire: truncated bool")
		}
		return Bool(buf[1] != 0), 2, nil
	case kindMap:
		sub, consumed, err := decodeMap(buf[1:])
		if err != nil {
			return nil, 0, err
		}
		return MapValue(sub), 1 + consumed, nil
	case kindList:
		if len(buf) < 5 {
			return nil, 0, fmt.Errorf("wire: truncated list length")
		}
		count := binary.BigEndian.Uint32(buf[1:5])
		off := 5
		items := make([]*Value, 0, count)
		for n := uint32(0); n < count; n++ {
			item, consumed, err := decodeValue(buf[off:])
			if err != nil {
				return nil, 0, err
			}
			items = append(items, item)
			off += consumed
		}
		return List(items), off, nil
	default:
		return nil, 0, fmt.Errorf("wire: unknown value kind %d", kind)
	}
}
