// Package id provides the 256-bit identifier space shared by routing
// table entries, values, and peer-service records, along with the
// Ed25519-to-X25519 key mapping used to derive a node's encryption key
// from its signing identity.
package id

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"
)

// Size is the length of an Id in bytes (256 bits).
const Size = 32

// Id is a fixed-length, content-addressable identifier. It is used for
// node identity, value keys, and peer-service keys alike.
type Id [Size]byte

// Zero is the uninitialized Id (all zero bytes). It is rejected
// wherever a real identifier is required.
var Zero = Id{}

// Max is the all-ones identifier, the opposite pole of the keyspace
// from Zero. Bootstrap lookups target it to maximize coverage (§4.6:
// "distance(self, MAX_ID)"), and public invite tickets stamp it in
// place of a specific invitee (§4.7).
var Max = func() Id {
	var m Id
	for i := range m {
		m[i] = 0xFF
	}
	return m
}()

// FromBytes copies b into a new Id. b must be exactly Size bytes.
func FromBytes(b []byte) (Id, error) {
	var out Id
	if len(b) != Size {
		return out, fmt.Errorf("id: invalid length %d, expected %d", len(b), Size)
	}
	copy(out[:], b)
	return out, nil
}

// FromHex parses an Id from its hex representation.
func FromHex(s string) (Id, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("id: invalid hex: %w", err)
	}
	return FromBytes(b)
}

// FromBase58 parses an Id from its base58 representation.
func FromBase58(s string) (Id, error) {
	b, err := base58.Decode(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("id: invalid base58: %w", err)
	}
	return FromBytes(b)
}

// Bytes returns the Id as a byte slice backed by the Id's own array.
func (i Id) Bytes() []byte {
	return i[:]
}

// String returns the base58 representation, matching the display form
// used for node ids, value ids, and peer ids throughout the DHT.
func (i Id) String() string {
	return base58.Encode(i[:])
}

// Hex returns the hex representation, used for log lines and debug
// dumps where fixed width is more useful than base58's compactness.
func (i Id) Hex() string {
	return hex.EncodeToString(i[:])
}

// ShortString returns the first 8 hex characters, for compact log
// correlation.
func (i Id) ShortString() string {
	return hex.EncodeToString(i[:4])
}

// IsZero reports whether the Id is uninitialized.
func (i Id) IsZero() bool {
	return i == Zero
}

// Equal reports whether two Ids are identical.
func (i Id) Equal(other Id) bool {
	return i == other
}

// MarshalText implements encoding.TextMarshaler using the base58 form.
func (i Id) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using the base58 form.
func (i *Id) UnmarshalText(text []byte) error {
	parsed, err := FromBase58(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// bitAt returns the value (0 or 1) of the bit at position idx, counting
// from the most significant bit of byte 0 as bit 0.
func bitAt(b [Size]byte, idx int) int {
	byteIdx := idx / 8
	bitInByte := uint(7 - idx%8)
	return int((b[byteIdx] >> bitInByte) & 1)
}

// Distance returns the XOR metric distance between two Ids.
func (i Id) Distance(other Id) Id {
	var out Id
	for n := 0; n < Size; n++ {
		out[n] = i[n] ^ other[n]
	}
	return out
}

// Less reports whether i, interpreted as a big-endian unsigned integer,
// is strictly smaller than other. Used to order distances.
func (i Id) Less(other Id) bool {
	for n := 0; n < Size; n++ {
		if i[n] != other[n] {
			return i[n] < other[n]
		}
	}
	return false
}

// Cmp performs the three-way XOR-distance comparison used throughout
// the lookup and k-closest logic: it reports -1 if a is strictly
// closer to target than b, +1 if b is strictly closer, and 0 if they
// are equidistant.
func Cmp(target, a, b Id) int {
	da := target.Distance(a)
	db := target.Distance(b)
	switch {
	case da.Less(db):
		return -1
	case db.Less(da):
		return 1
	default:
		return 0
	}
}

// Prefix identifies a contiguous set of Ids sharing their first
// depth+1 bits. depth == -1 is the universal prefix covering every
// Id. The low, unfixed bits of Id are always zero.
type Prefix struct {
	Id    Id
	Depth int
}

// NewPrefix builds the universal prefix.
func NewPrefix() Prefix {
	return Prefix{Depth: -1}
}

// PrefixOf builds the prefix of the given depth that covers target,
// with all bits beyond depth cleared.
func PrefixOf(target Id, depth int) Prefix {
	p := Prefix{Depth: depth}
	if depth < 0 {
		return p
	}
	nBits := depth + 1
	for n := 0; n < Size; n++ {
		bitsInByte := nBits - n*8
		switch {
		case bitsInByte >= 8:
			p.Id[n] = target[n]
		case bitsInByte > 0:
			mask := byte(0xFF << uint(8-bitsInByte))
			p.Id[n] = target[n] & mask
		default:
			p.Id[n] = 0
		}
	}
	return p
}

// IsSplittable reports whether the prefix has room for another level
// of bucket splitting; a prefix pinned to all 256 bits cannot split.
func (p Prefix) IsSplittable() bool {
	return p.Depth < Size*8-1
}

// Contains reports whether target shares this prefix's fixed bits.
func (p Prefix) Contains(target Id) bool {
	if p.Depth < 0 {
		return true
	}
	return PrefixOf(target, p.Depth).Id == p.Id
}

// Split divides the prefix into its two children by fixing the next
// bit (depth+1): the zero-branch and the one-branch.
func (p Prefix) Split() (zero Prefix, one Prefix) {
	childDepth := p.Depth + 1
	zero = Prefix{Id: p.Id, Depth: childDepth}
	one = Prefix{Id: p.Id, Depth: childDepth}
	byteIdx := childDepth / 8
	bitInByte := uint(7 - childDepth%8)
	one.Id[byteIdx] |= 1 << bitInByte
	return zero, one
}

// Parent returns the prefix one level shallower than p (the prefix
// before the bit at p.Depth was fixed), and false if p is already the
// universal prefix. Used to recognize sibling buckets eligible for
// merging (§4.2).
func (p Prefix) Parent() (Prefix, bool) {
	if p.Depth < 0 {
		return Prefix{}, false
	}
	parent := Prefix{Id: p.Id, Depth: p.Depth - 1}
	byteIdx := p.Depth / 8
	bitInByte := uint(7 - p.Depth%8)
	parent.Id[byteIdx] &^= 1 << bitInByte
	return parent, true
}

// First returns the smallest Id covered by the prefix (free bits zero).
func (p Prefix) First() Id {
	return p.Id
}

// Last returns the largest Id covered by the prefix (free bits one).
func (p Prefix) Last() Id {
	last := p.Id
	nBits := p.Depth + 1
	for n := 0; n < Size; n++ {
		bitsInByte := nBits - n*8
		switch {
		case bitsInByte >= 8:
			// fully fixed byte, leave as-is
		case bitsInByte > 0:
			mask := byte(0xFF >> uint(bitsInByte))
			last[n] |= mask
		default:
			last[n] = 0xFF
		}
	}
	return last
}

// BitAt returns the bit of target at the given index, 0 being the most
// significant bit of the Id.
func BitAt(target Id, idx int) int {
	return bitAt(target, idx)
}

var curve25519P, _ = new(big.Int).SetString("57896044618658097711785492504343953926634992332820282019728792003956564819949", 10)

// SigningPublicKeyToBoxPublicKey maps an Ed25519 public key (and, since
// node ids are exactly the 32-byte Ed25519 public key, an Id) to the
// X25519 public key an encrypted conversation with that identity uses.
// It implements the standard birational map between the twisted Edwards
// curve and its Montgomery form: u = (1+y)/(1-y) mod p.
func SigningPublicKeyToBoxPublicKey(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, fmt.Errorf("id: invalid ed25519 public key length %d", len(pub))
	}

	yBytes := make([]byte, 32)
	copy(yBytes, pub)
	yBytes[31] &= 0x7F // clear the sign bit; it encodes x's parity, not y

	y := leToBigInt(yBytes)
	one := big.NewInt(1)

	num := new(big.Int).Add(one, y)
	num.Mod(num, curve25519P)

	den := new(big.Int).Sub(one, y)
	den.Mod(den, curve25519P)
	if den.ModInverse(den, curve25519P) == nil {
		return out, fmt.Errorf("id: key derivation failed: non-invertible denominator")
	}

	u := new(big.Int).Mul(num, den)
	u.Mod(u, curve25519P)

	bigIntToLE(u, out[:])
	return out, nil
}

// IdToBoxPublicKey is a convenience wrapper treating an Id as the raw
// Ed25519 public key bytes it always is on the wire.
func IdToBoxPublicKey(i Id) ([32]byte, error) {
	return SigningPublicKeyToBoxPublicKey(ed25519.PublicKey(i[:]))
}

// SigningPrivateKeyToBoxPrivateKey derives the X25519 private scalar
// corresponding to an Ed25519 signing key's seed, matching the
// conversion every NaCl-compatible box implementation uses: hash the
// seed with SHA-512 and clamp the low 32 bytes per the X25519 spec.
func SigningPrivateKeyToBoxPrivateKey(priv ed25519.PrivateKey) [32]byte {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

func leToBigInt(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i, v := range b {
		rev[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(rev)
}

func bigIntToLE(n *big.Int, out []byte) {
	be := n.Bytes()
	for i := 0; i < len(be) && i < len(out); i++ {
		out[i] = be[len(be)-1-i]
	}
}
