package messaging

import (
	"testing"
	"time"

	"github.com/duskmesh/dht/internal/dhtcrypto"
)

func TestInviteTicketValidAndExpired(t *testing.T) {
	inviter, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate inviter key: %v", err)
	}
	invitee, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate invitee key: %v", err)
	}

	ch, err := NewChannel(mustTestID(t, 10), inviter.Id(), PermissionOwnerInvite, "general")
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}

	ticket := NewInviteTicket(ch, inviter, invitee.Id(), time.Minute)
	if !ticket.IsValid(inviter.PublicKey, invitee.Id(), time.Now()) {
		t.Fatalf("expected ticket to validate for its intended invitee")
	}

	other, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	if ticket.IsValid(inviter.PublicKey, other.Id(), time.Now()) {
		t.Fatalf("ticket should not validate for a different candidate")
	}

	if ticket.IsValid(inviter.PublicKey, invitee.Id(), time.Now().Add(2*time.Minute)) {
		t.Fatalf("expired ticket should not validate")
	}
}

func TestInviteTicketPublicChannelAcceptsAnyInvitee(t *testing.T) {
	inviter, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate inviter key: %v", err)
	}
	ch, err := NewChannel(mustTestID(t, 11), inviter.Id(), PermissionPublic, "open-room")
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}

	ticket := NewInviteTicket(ch, inviter, ch.Owner, time.Minute)
	candidate, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate candidate key: %v", err)
	}
	if !ticket.IsValid(inviter.PublicKey, candidate.Id(), time.Now()) {
		t.Fatalf("public channel ticket should validate for any candidate")
	}
}

func TestChannelCanInvitePermissions(t *testing.T) {
	owner, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate owner key: %v", err)
	}
	ch, err := NewChannel(mustTestID(t, 12), owner.Id(), PermissionOwnerInvite, "restricted")
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	member := mustTestID(t, 13)
	ch.Members[member] = &Member{ID: member, Role: RoleMember}

	if ch.CanInvite(member) {
		t.Fatalf("plain member should not be able to invite under owner-invite permission")
	}
	if !ch.CanInvite(owner.Id()) {
		t.Fatalf("owner should always be able to invite")
	}
}
