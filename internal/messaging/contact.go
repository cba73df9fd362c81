package messaging

import (
	"fmt"
	"time"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/wire"
)

// Contact is a locally-stored binding between a user Id and the
// session public key used to encrypt traffic to that user (§3).
type Contact struct {
	ID         id.Id
	HomePeer   *id.Id
	SessionKey [dhtcrypto.BoxKeySize]byte
	Name       string
	Remark     string
	Tags       []string
	Avatar     []byte
	Muted      bool
	Blocked    bool
	Deleted    bool
	Revision   int64
	ModifiedAt time.Time
}

// ContactStore is the local collaborator contacts are persisted
// through, kept separate from the DHT's storage.Collaborator since
// contacts are messaging-overlay state, not DHT-replicated data.
type ContactStore interface {
	Contact(contactID id.Id) (*Contact, bool)
	Contacts() []*Contact
	PutContact(c *Contact) error
	ContactsVersion() (string, bool)
	SetContactsVersion(version string) error
}

// ContactsUpdate is the server push (or full-fetch response) carrying
// a new contacts snapshot and the version id it corresponds to (§4.7).
type ContactsUpdate struct {
	VersionID string
	Contacts  []*Contact
}

// MergeContacts applies an incremental or full ContactsUpdate to
// store: each contact in the update is merged into the store by id
// (last-writer-wins by Revision), and the store's local version is
// bumped to the update's VersionID (§4.7: "replaces by merging by id
// and bumping the local version").
func MergeContacts(store ContactStore, update *ContactsUpdate) error {
	for _, incoming := range update.Contacts {
		existing, ok := store.Contact(incoming.ID)
		if ok && existing.Revision >= incoming.Revision {
			continue
		}
		if err := store.PutContact(incoming); err != nil {
			return err
		}
	}
	return store.SetContactsVersion(update.VersionID)
}

// NeedsFullSync reports whether the client should request a full
// contacts fetch rather than waiting for an incremental push, i.e. it
// has never recorded a contacts_version (§4.7: "On start, if absent,
// fetches the full update").
func NeedsFullSync(store ContactStore) bool {
	_, ok := store.ContactsVersion()
	return !ok
}

// Wire keys for a Contact's binary-map encoding, used both as the
// notification body carrying a ContactsUpdate and as the HTTP API's
// contacts response shape.
const (
	contactKeyID         = "id"
	contactKeyHomePeer   = "hp"
	contactKeySessionKey = "sk"
	contactKeyName       = "n"
	contactKeyRemark     = "rm"
	contactKeyAvatar     = "av"
	contactKeyMuted      = "mu"
	contactKeyBlocked    = "bl"
	contactKeyDeleted    = "de"
	contactKeyRevision   = "rv"
	contactKeyModified   = "mo"

	updateKeyVersion  = "ver"
	updateKeyContacts = "cts"
)

func encodeContact(c *Contact) *wire.Value {
	m := wire.Map{
		contactKeyID:         wire.Bytes(c.ID.Bytes()),
		contactKeySessionKey: wire.Bytes(c.SessionKey[:]),
		contactKeyName:       wire.String(c.Name),
		contactKeyRemark:     wire.String(c.Remark),
		contactKeyAvatar:     wire.Bytes(c.Avatar),
		contactKeyMuted:      wire.Bool(c.Muted),
		contactKeyBlocked:    wire.Bool(c.Blocked),
		contactKeyDeleted:    wire.Bool(c.Deleted),
		contactKeyRevision:   wire.Int32(int32(c.Revision)),
		contactKeyModified:   wire.Int32(int32(c.ModifiedAt.Unix())),
	}
	if c.HomePeer != nil {
		m[contactKeyHomePeer] = wire.Bytes(c.HomePeer.Bytes())
	}
	return wire.MapValue(m)
}

func decodeContact(v *wire.Value) (*Contact, error) {
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("messaging: contact is not a map")
	}
	idBytes, ok := m[contactKeyID].AsBytes()
	if !ok {
		return nil, fmt.Errorf("messaging: contact missing id")
	}
	cid, err := id.FromBytes(idBytes)
	if err != nil {
		return nil, fmt.Errorf("messaging: contact id: %w", err)
	}
	c := &Contact{ID: cid}
	if skBytes, ok := m[contactKeySessionKey].AsBytes(); ok && len(skBytes) == dhtcrypto.BoxKeySize {
		copy(c.SessionKey[:], skBytes)
	}
	c.Name, _ = m[contactKeyName].AsString()
	c.Remark, _ = m[contactKeyRemark].AsString()
	c.Avatar, _ = m[contactKeyAvatar].AsBytes()
	c.Muted, _ = m[contactKeyMuted].AsBool()
	c.Blocked, _ = m[contactKeyBlocked].AsBool()
	c.Deleted, _ = m[contactKeyDeleted].AsBool()
	rev, _ := m[contactKeyRevision].AsInt32()
	c.Revision = int64(rev)
	mod, _ := m[contactKeyModified].AsInt32()
	c.ModifiedAt = time.Unix(int64(mod), 0).UTC()
	if hpBytes, ok := m[contactKeyHomePeer].AsBytes(); ok {
		hp, err := id.FromBytes(hpBytes)
		if err == nil {
			c.HomePeer = &hp
		}
	}
	return c, nil
}

func encodeContactsUpdate(update *ContactsUpdate) []byte {
	items := make([]*wire.Value, 0, len(update.Contacts))
	for _, c := range update.Contacts {
		items = append(items, encodeContact(c))
	}
	return wire.Encode(wire.Map{
		updateKeyVersion:  wire.String(update.VersionID),
		updateKeyContacts: wire.List(items),
	})
}

func decodeContactsUpdate(buf []byte) (*ContactsUpdate, error) {
	m, err := wire.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("messaging: decode contacts update: %w", err)
	}
	version, ok := m[updateKeyVersion].AsString()
	if !ok {
		return nil, fmt.Errorf("messaging: contacts update missing version")
	}
	list, ok := m[updateKeyContacts].AsList()
	if !ok {
		return nil, fmt.Errorf("messaging: contacts update missing contacts list")
	}
	contacts := make([]*Contact, 0, len(list))
	for _, item := range list {
		c, err := decodeContact(item)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return &ContactsUpdate{VersionID: version, Contacts: contacts}, nil
}
