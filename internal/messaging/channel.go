package messaging

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
)

// Permission governs who may invite new members into a channel (§3).
type Permission int32

const (
	PermissionPublic Permission = iota
	PermissionMemberInvite
	PermissionModeratorInvite
	PermissionOwnerInvite
)

// Role is a member's standing within a channel (§3).
type Role int32

const (
	RoleOwner Role = iota
	RoleModerator
	RoleMember
	RoleBanned
)

// Member is one participant's role record within a Channel.
type Member struct {
	ID       id.Id
	Role     Role
	Joined   time.Time
	Inviter  id.Id
}

// Channel is a multi-party conversation with its own identity, an
// optional session keypair used to encrypt channel traffic, and a
// role-assigned member set (§3).
type Channel struct {
	ID             id.Id
	Owner          id.Id
	Permission     Permission
	Name           string
	Notice         string
	SessionKeyPair *dhtcrypto.BoxKeyPair
	Members        map[id.Id]*Member
	Created        time.Time
	LastUpdate     time.Time
}

// NewChannel creates a channel owned by owner, generating a fresh
// session keypair so channel traffic is encrypted independently of
// any single member's identity key.
func NewChannel(id_ id.Id, owner id.Id, permission Permission, name string) (*Channel, error) {
	kp, err := dhtcrypto.GenerateBoxKeyPair()
	if err != nil {
		return nil, fmt.Errorf("messaging: new channel session key: %w", err)
	}
	now := time.Now()
	return &Channel{
		ID:             id_,
		Owner:          owner,
		Permission:     permission,
		Name:           name,
		SessionKeyPair: kp,
		Members: map[id.Id]*Member{
			owner: {ID: owner, Role: RoleOwner, Joined: now},
		},
		Created:    now,
		LastUpdate: now,
	}, nil
}

// CanInvite reports whether member may extend invites under the
// channel's permission setting.
func (c *Channel) CanInvite(member id.Id) bool {
	m, ok := c.Members[member]
	if !ok || m.Role == RoleBanned {
		return false
	}
	switch c.Permission {
	case PermissionPublic, PermissionMemberInvite:
		return true
	case PermissionModeratorInvite:
		return m.Role == RoleOwner || m.Role == RoleModerator
	case PermissionOwnerInvite:
		return m.Role == RoleOwner
	default:
		return false
	}
}

// InviteTicket is the credential a would-be member presents to join a
// channel (§4.7). For public-permission tickets the signature covers
// id.Max in place of Invitee, and IsValid accepts any candidate.
type InviteTicket struct {
	ChannelID id.Id
	Inviter   id.Id
	Invitee   id.Id
	IsPublic  bool
	Expire    time.Time
	Signature dhtcrypto.Signature
	SessionKey *dhtcrypto.BoxKeyPair
}

// signatureData builds SHA256(channel_id ∥ inviter ∥ invitee_or_MAX ∥
// expire_le), the data an InviteTicket's signature covers.
func (t *InviteTicket) signatureData() []byte {
	var buf []byte
	buf = append(buf, t.ChannelID.Bytes()...)
	buf = append(buf, t.Inviter.Bytes()...)
	invitee := t.Invitee
	if t.IsPublic {
		invitee = id.Max
	}
	buf = append(buf, invitee.Bytes()...)
	var expireLE [8]byte
	binary.LittleEndian.PutUint64(expireLE[:], uint64(t.Expire.Unix()))
	buf = append(buf, expireLE[:]...)
	sum := sha256.Sum256(buf)
	return sum[:]
}

// Sign signs the ticket under the inviter's private key. priv must
// correspond to t.Inviter.
func (t *InviteTicket) Sign(priv [dhtcrypto.SigningPrivateKeySize]byte) {
	t.Signature = dhtcrypto.SignBytes(priv, t.signatureData())
}

// IsValid checks a ticket's signature, expiry, and invitee match for
// a join attempted by candidate at the current time now (§4.7:
// "Validity = signature over ... by inviter, expire > now, invitee
// match (public tickets accept any)").
func (t *InviteTicket) IsValid(inviterPub [dhtcrypto.SigningPublicKeySize]byte, candidate id.Id, now time.Time) bool {
	if !now.Before(t.Expire) {
		return false
	}
	if !t.IsPublic && !t.Invitee.Equal(candidate) {
		return false
	}
	return t.Signature.Verify(inviterPub, t.signatureData())
}

// NewInviteTicket builds and signs a ticket from channel granting
// invitee access (invitee is ignored for public channels, where any
// holder may redeem it).
func NewInviteTicket(ch *Channel, inviter *dhtcrypto.SigningKeyPair, invitee id.Id, ttl time.Duration) *InviteTicket {
	public := ch.Permission == PermissionPublic
	t := &InviteTicket{
		ChannelID: ch.ID,
		Inviter:   inviter.Id(),
		Invitee:   invitee,
		IsPublic:  public,
		Expire:    time.Now().Add(ttl),
	}
	if public {
		t.SessionKey = ch.SessionKeyPair
	}
	t.Sign(inviter.PrivateKey)
	return t
}

// Join admits candidate to the channel as a Member once its caller
// has already validated the presented InviteTicket.
func (c *Channel) Join(candidate id.Id, inviter id.Id) {
	c.Members[candidate] = &Member{ID: candidate, Role: RoleMember, Joined: time.Now(), Inviter: inviter}
	c.LastUpdate = time.Now()
}
