package value

import "github.com/duskmesh/dht/internal/dhtcrypto"

// Builder assembles a Value fluently, mirroring the seed test suite's
// ValueBuilder("hello-world").build() shape.
type Builder struct {
	data  []byte
	owner *dhtcrypto.SigningKeyPair
	seq   int32
}

// NewBuilder starts a builder for an immutable value carrying data.
func NewBuilder(data string) *Builder {
	return &Builder{data: []byte(data)}
}

// WithOwner upgrades the value under construction to a signed mutable
// value owned by kp.
func (b *Builder) WithOwner(kp *dhtcrypto.SigningKeyPair) *Builder {
	b.owner = kp
	return b
}

// WithSeq sets the sequence number for a mutable value.
func (b *Builder) WithSeq(seq int32) *Builder {
	b.seq = seq
	return b
}

// Build constructs the Value. If no owner was supplied, the result is
// an immutable value; otherwise it is a signed mutable value.
func (b *Builder) Build() (*Value, error) {
	if b.owner == nil {
		return NewImmutable(b.data), nil
	}
	return NewSignedMutable(b.owner, b.data, b.seq)
}
