package kvlockout_test

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zephyrtronium/roleassign/lockout"
	"github.com/zephyrtronium/roleassign/lockout/kvlockout"
)

func testDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// expiries returns the expiry of every record in db.
func expiries(t *testing.T, db *badger.DB) []uint64 {
	t.Helper()
	var r []uint64
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			r = append(r, it.Item().ExpiresAt())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestTracker(t *testing.T) {
	ctx := context.Background()
	tr := kvlockout.New(testDB(t))
	if _, ok, err := tr.Last(ctx, "kessoku", "bocchi"); ok || err != nil {
		t.Errorf("record before any switch: ok=%t err=%v", ok, err)
	}
	t0 := time.Now().Truncate(time.Second)
	t1 := t0.Add(time.Minute)
	if err := tr.Record(ctx, "kessoku", "bocchi", t0, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(ctx, "kessoku", "bocchi", t1, time.Hour); err != nil {
		t.Fatal(err)
	}
	got, ok, err := tr.Last(ctx, "kessoku", "bocchi")
	if !ok || err != nil {
		t.Fatalf("no record after switch: ok=%t err=%v", ok, err)
	}
	if !got.Equal(t1) {
		t.Errorf("wrong record: want %v, got %v", t1, got)
	}
	if _, ok, _ := tr.Last(ctx, "kessoku", "ryo"); ok {
		t.Errorf("record for wrong member")
	}
	if _, ok, _ := tr.Last(ctx, "sickhack", "bocchi"); ok {
		t.Errorf("record leaked across communities")
	}
}

func TestTrackerNoKeep(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tr := kvlockout.New(db)
	t0 := time.Unix(1, 0)
	if err := tr.Record(ctx, "kessoku", "bocchi", t0, lockout.Keep(-1)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := tr.Last(ctx, "kessoku", "bocchi")
	if !ok || err != nil {
		t.Fatalf("no record: ok=%t err=%v", ok, err)
	}
	if !got.Equal(t0) {
		t.Errorf("wrong record: want %v, got %v", t0, got)
	}
	if exp := expiries(t, db); len(exp) != 1 || exp[0] != 0 {
		t.Errorf("indefinite record expires: %v", exp)
	}
}

func TestTrackerExpiry(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tr := kvlockout.New(db)
	keep := lockout.Keep(3600)
	start := time.Now()
	if err := tr.Record(ctx, "kessoku", "bocchi", start, keep); err != nil {
		t.Fatal(err)
	}
	exp := expiries(t, db)
	if len(exp) != 1 {
		t.Fatalf("wrong number of records: %d", len(exp))
	}
	if exp[0] == 0 {
		t.Fatalf("record with a finite cooldown never expires")
	}
	// Expiry must cover the whole cooldown and not much more.
	lo := uint64(start.Add(keep).Unix())
	hi := uint64(time.Now().Add(keep + 2*time.Second).Unix())
	if exp[0] < lo || exp[0] > hi {
		t.Errorf("wrong expiry: want in [%d, %d], got %d", lo, hi, exp[0])
	}
}
