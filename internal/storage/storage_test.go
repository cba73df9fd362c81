package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/peerinfo"
	"github.com/duskmesh/dht/internal/value"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "dht.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutAndGetImmutableValue(t *testing.T) {
	db := openTestDB(t)
	v := value.NewImmutable([]byte("hello-world"))

	if err := db.PutValue(v, false); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.Value(v.Id())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected value to be found")
	}
	if got.Id() != v.Id() {
		t.Fatalf("round-tripped value id mismatch")
	}
}

func TestPutAndGetSignedMutableValue(t *testing.T) {
	db := openTestDB(t)
	kp, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	v, err := value.NewSignedMutable(kp, []byte("v1"), 3)
	if err != nil {
		t.Fatal(err)
	}

	if err := db.PutValue(v, false); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.Value(v.Id())
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !got.IsValid() {
		t.Fatal("expected round-tripped value to still verify")
	}
	if got.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", got.Seq)
	}
}

func TestRemoveValue(t *testing.T) {
	db := openTestDB(t)
	v := value.NewImmutable([]byte("x"))
	db.PutValue(v, false)
	if err := db.RemoveValue(v.Id()); err != nil {
		t.Fatal(err)
	}
	_, ok, err := db.Value(v.Id())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected value to be gone after removal")
	}
}

func TestExpireDropsOnlyStaleNonPersistent(t *testing.T) {
	db := openTestDB(t)

	stale := value.NewImmutable([]byte("stale"))
	fresh := value.NewImmutable([]byte("fresh"))
	persistent := value.NewImmutable([]byte("persistent"))

	db.PutValue(stale, false)
	db.PutValue(fresh, false)
	db.PutValue(persistent, true)

	// Backdate the stale and persistent rows past MaxAge.
	cutoff := time.Now().Add(-MaxAge - time.Minute).Unix()
	db.x.MustExec(`UPDATE stored_values SET updated_at = ? WHERE id IN (?, ?)`, cutoff, stale.Id().String(), persistent.Id().String())

	n, err := db.Expire(MaxAge)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 row expired, got %d", n)
	}

	if _, ok, _ := db.Value(stale.Id()); ok {
		t.Fatal("stale non-persistent value should have been expired")
	}
	if _, ok, _ := db.Value(fresh.Id()); !ok {
		t.Fatal("fresh value should survive expiry")
	}
	if _, ok, _ := db.Value(persistent.Id()); !ok {
		t.Fatal("persistent value should survive expiry regardless of age")
	}
}

func TestPersistentValuesFiltersByAge(t *testing.T) {
	db := openTestDB(t)
	v, _ := value.NewSignedMutable(func() *dhtcrypto.SigningKeyPair {
		kp, _ := dhtcrypto.GenerateSigningKeyPair()
		return kp
	}(), []byte("re-announce-me"), 1)

	db.PutValue(v, true)
	cutoff := time.Now().Add(-time.Hour).Unix()
	db.x.MustExec(`UPDATE stored_values SET updated_at = ? WHERE id = ?`, cutoff, v.Id().String())

	olderThan := time.Now().Add(-30 * time.Minute)
	results, err := db.PersistentValues(olderThan)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 persistent value due for re-announce, got %d", len(results))
	}
}

func TestPutAndGetPeer(t *testing.T) {
	db := openTestDB(t)
	kp, _ := dhtcrypto.GenerateSigningKeyPair()
	var node [32]byte
	node[0] = 7
	p := peerinfo.New(kp, node, nil, 4222, "https://example.test")

	if err := db.PutPeer(p, false); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.Peer(p.DedupKey())
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !got.IsValid() {
		t.Fatal("expected round-tripped peer to still verify")
	}
}
