// Package storage implements the sqlite-backed storage collaborator
// values and peer advertisements persist in: content-addressed
// key/value rows with an age limit, re-announced while marked
// persistent (§4.2, §9).
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/peerinfo"
	"github.com/duskmesh/dht/internal/value"
)

// MaxAge is how long a non-persistent value or peer may go
// un-refreshed before expire() removes it (§3: "age limit of 120
// minutes unless marked persistent").
const MaxAge = 120 * time.Minute

// Collaborator is the storage interface the DHT node's request
// handlers and persist-announce task depend on.
type Collaborator interface {
	PutValue(v *value.Value, persistent bool) error
	Value(id id.Id) (*value.Value, bool, error)
	RemoveValue(id id.Id) error
	ValueIds() ([]id.Id, error)
	PersistentValues(olderThan time.Time) ([]*value.Value, error)

	PutPeer(p *peerinfo.PeerInfo, persistent bool) error
	Peer(dedupKey id.Id) (*peerinfo.PeerInfo, bool, error)
	PeersByPublicKey(pk id.Id, max int) ([]*peerinfo.PeerInfo, error)
	RemovePeer(dedupKey id.Id) error
	PeerIds() ([]id.Id, error)
	PersistentPeers(olderThan time.Time) ([]*peerinfo.PeerInfo, error)

	Expire(maxAge time.Duration) (int64, error)
	Close() error
}

// DB is the sqlite-backed Collaborator implementation.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) a sqlite3 database at path,
// applying the same WAL/cache/busy-timeout tuning as the rest of the
// dependency pack's sqlite stores.
func Open(path string) (*DB, error) {
	dsn := (&url.URL{
		Path: path,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String()

	x, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db := &DB{x: x}
	if err := db.ensureSchema(); err != nil {
		x.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) ensureSchema() error {
	_, err := db.x.Exec(`
		CREATE TABLE IF NOT EXISTS stored_values (
			id          TEXT PRIMARY KEY NOT NULL,
			public_key  TEXT,
			recipient   TEXT,
			nonce       BLOB,
			signature   BLOB,
			data        BLOB NOT NULL,
			seq         INTEGER NOT NULL DEFAULT 0,
			persistent  INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL
		) STRICT;

		CREATE TABLE IF NOT EXISTS stored_peers (
			dedup_key   TEXT PRIMARY KEY NOT NULL,
			public_key  TEXT NOT NULL,
			node_id     TEXT NOT NULL,
			origin      TEXT,
			port        INTEGER NOT NULL,
			url         TEXT,
			signature   BLOB NOT NULL,
			persistent  INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL
		) STRICT;
	`)
	if err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error {
	return db.x.Close()
}

type valueRow struct {
	ID         string `db:"id"`
	PublicKey  string `db:"public_key"`
	Recipient  string `db:"recipient"`
	Nonce      []byte `db:"nonce"`
	Signature  []byte `db:"signature"`
	Data       []byte `db:"data"`
	Seq        int32  `db:"seq"`
	Persistent bool   `db:"persistent"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (db *DB) PutValue(v *value.Value, persistent bool) error {
	row := valueRow{
		ID:         v.Id().String(),
		Data:       v.Data,
		Seq:        v.Seq,
		Persistent: persistent,
		UpdatedAt:  time.Now().Unix(),
	}
	if v.PublicKey != nil {
		row.PublicKey = v.PublicKey.String()
		row.Nonce = v.Nonce[:]
		row.Signature = v.Signature.Bytes()
	}
	if v.Recipient != nil {
		row.Recipient = v.Recipient.String()
	}

	_, err := db.x.NamedExec(`
		INSERT OR REPLACE INTO stored_values
			(id, public_key, recipient, nonce, signature, data, seq, persistent, updated_at)
		VALUES
			(:id, :public_key, :recipient, :nonce, :signature, :data, :seq, :persistent, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("storage: put value %s: %w", row.ID, err)
	}
	return nil
}

func rowToValue(row valueRow) (*value.Value, error) {
	v := &value.Value{Data: row.Data, Seq: row.Seq}
	if row.PublicKey != "" {
		pk, err := id.FromBase58(row.PublicKey)
		if err != nil {
			return nil, err
		}
		v.PublicKey = &pk
		copy(v.Nonce[:], row.Nonce)
		var sig dhtcrypto.Signature
		copy(sig[:], row.Signature)
		v.Signature = sig
	}
	if row.Recipient != "" {
		rec, err := id.FromBase58(row.Recipient)
		if err != nil {
			return nil, err
		}
		v.Recipient = &rec
	}
	return v, nil
}

func (db *DB) Value(target id.Id) (*value.Value, bool, error) {
	var row valueRow
	err := db.x.Get(&row, `SELECT * FROM stored_values WHERE id = ?`, target.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get value %s: %w", target.String(), err)
	}
	v, err := rowToValue(row)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (db *DB) RemoveValue(target id.Id) error {
	_, err := db.x.Exec(`DELETE FROM stored_values WHERE id = ?`, target.String())
	if err != nil {
		return fmt.Errorf("storage: remove value %s: %w", target.String(), err)
	}
	return nil
}

func (db *DB) ValueIds() ([]id.Id, error) {
	var ids []string
	if err := db.x.Select(&ids, `SELECT id FROM stored_values`); err != nil {
		return nil, fmt.Errorf("storage: list value ids: %w", err)
	}
	return decodeIdList(ids)
}

func (db *DB) PersistentValues(olderThan time.Time) ([]*value.Value, error) {
	var rows []valueRow
	err := db.x.Select(&rows, `SELECT * FROM stored_values WHERE persistent = 1 AND updated_at < ?`, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("storage: list persistent values: %w", err)
	}
	out := make([]*value.Value, 0, len(rows))
	for _, row := range rows {
		v, err := rowToValue(row)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

type peerRow struct {
	DedupKey   string `db:"dedup_key"`
	PublicKey  string `db:"public_key"`
	NodeId     string `db:"node_id"`
	Origin     string `db:"origin"`
	Port       int32  `db:"port"`
	URL        string `db:"url"`
	Signature  []byte `db:"signature"`
	Persistent bool   `db:"persistent"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (db *DB) PutPeer(p *peerinfo.PeerInfo, persistent bool) error {
	row := peerRow{
		DedupKey:   p.DedupKey().String(),
		PublicKey:  p.PublicKey.String(),
		NodeId:     p.NodeId.String(),
		Port:       int32(p.Port),
		URL:        p.URL,
		Signature:  p.Signature.Bytes(),
		Persistent: persistent,
		UpdatedAt:  time.Now().Unix(),
	}
	if p.Origin != nil {
		row.Origin = p.Origin.String()
	}

	_, err := db.x.NamedExec(`
		INSERT OR REPLACE INTO stored_peers
			(dedup_key, public_key, node_id, origin, port, url, signature, persistent, updated_at)
		VALUES
			(:dedup_key, :public_key, :node_id, :origin, :port, :url, :signature, :persistent, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("storage: put peer %s: %w", row.DedupKey, err)
	}
	return nil
}

func rowToPeer(row peerRow) (*peerinfo.PeerInfo, error) {
	pk, err := id.FromBase58(row.PublicKey)
	if err != nil {
		return nil, err
	}
	node, err := id.FromBase58(row.NodeId)
	if err != nil {
		return nil, err
	}
	p := &peerinfo.PeerInfo{
		PublicKey: pk,
		NodeId:    node,
		Port:      uint16(row.Port),
		URL:       row.URL,
	}
	copy(p.Signature[:], row.Signature)
	if row.Origin != "" {
		origin, err := id.FromBase58(row.Origin)
		if err != nil {
			return nil, err
		}
		p.Origin = &origin
	}
	return p, nil
}

func (db *DB) Peer(dedupKey id.Id) (*peerinfo.PeerInfo, bool, error) {
	var row peerRow
	err := db.x.Get(&row, `SELECT * FROM stored_peers WHERE dedup_key = ?`, dedupKey.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get peer %s: %w", dedupKey.String(), err)
	}
	p, err := rowToPeer(row)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (db *DB) RemovePeer(dedupKey id.Id) error {
	_, err := db.x.Exec(`DELETE FROM stored_peers WHERE dedup_key = ?`, dedupKey.String())
	if err != nil {
		return fmt.Errorf("storage: remove peer %s: %w", dedupKey.String(), err)
	}
	return nil
}

// PeersByPublicKey returns every stored peer advertisement for the
// service identity pk, across every announcing node and origin,
// bounded to max rows. Backs the find_peer request handler's lookup
// by service identity rather than by a single dedup key.
func (db *DB) PeersByPublicKey(pk id.Id, max int) ([]*peerinfo.PeerInfo, error) {
	var rows []peerRow
	err := db.x.Select(&rows, `SELECT * FROM stored_peers WHERE public_key = ? ORDER BY updated_at DESC LIMIT ?`, pk.String(), max)
	if err != nil {
		return nil, fmt.Errorf("storage: list peers for %s: %w", pk.ShortString(), err)
	}
	out := make([]*peerinfo.PeerInfo, 0, len(rows))
	for _, row := range rows {
		p, err := rowToPeer(row)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (db *DB) PeerIds() ([]id.Id, error) {
	var ids []string
	if err := db.x.Select(&ids, `SELECT dedup_key FROM stored_peers`); err != nil {
		return nil, fmt.Errorf("storage: list peer ids: %w", err)
	}
	return decodeIdList(ids)
}

func (db *DB) PersistentPeers(olderThan time.Time) ([]*peerinfo.PeerInfo, error) {
	var rows []peerRow
	err := db.x.Select(&rows, `SELECT * FROM stored_peers WHERE persistent = 1 AND updated_at < ?`, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("storage: list persistent peers: %w", err)
	}
	out := make([]*peerinfo.PeerInfo, 0, len(rows))
	for _, row := range rows {
		p, err := rowToPeer(row)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Expire deletes every non-persistent value and peer whose last update
// is older than maxAge, returning the total number of rows removed.
func (db *DB) Expire(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var total int64

	res, err := db.x.Exec(`DELETE FROM stored_values WHERE persistent = 0 AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: expire values: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = db.x.Exec(`DELETE FROM stored_peers WHERE persistent = 0 AND updated_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("storage: expire peers: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

func decodeIdList(encoded []string) ([]id.Id, error) {
	out := make([]id.Id, 0, len(encoded))
	for _, s := range encoded {
		i, err := id.FromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("storage: decode id %q: %w", s, err)
		}
		out = append(out, i)
	}
	return out, nil
}

var _ Collaborator = (*DB)(nil)
