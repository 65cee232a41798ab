package leafdb

import (
	"fmt"
	"strings"
	"testing"
)

func keyFor(i int) string { return fmt.Sprintf("key-%05d", i) }

// TestManyKeysInsertAndEnumerate inserts enough keys to force both merge
// and split rebalancing, then checks the full in-order enumeration matches
// what was inserted (keys must come back out in sorted order).
func TestManyKeysInsertAndEnumerate(t *testing.T) {
	db := newTestDB(t)
	const n = 300

	for i := 0; i < n; i++ {
		mustPut(t, db, keyFor(i), fmt.Sprintf("value-%d", i))
	}

	tx, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer tx.Rollback()
	c, err := tx.Cursor()
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}

	count := 0
	var prev string
	for c.IsValid() {
		key := string(c.Key())
		if count > 0 && key <= prev {
			t.Fatalf("entries out of order: %q did not follow %q", key, prev)
		}
		prev = key
		count++
		if err := c.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if count != n {
		t.Fatalf("enumerated %d entries, want %d", count, n)
	}
}

// TestEvenKeyDeletion inserts a batch of keys, deletes every even-indexed
// one (forcing merge rebalancing), and checks exactly the odd keys survive.
func TestEvenKeyDeletion(t *testing.T) {
	db := newTestDB(t)
	const n = 200

	for i := 0; i < n; i++ {
		mustPut(t, db, keyFor(i), fmt.Sprintf("value-%d", i))
	}
	for i := 0; i < n; i += 2 {
		mustRemove(t, db, keyFor(i))
	}

	for i := 0; i < n; i++ {
		v, ok := mustGet(t, db, keyFor(i))
		if i%2 == 0 {
			if ok {
				t.Fatalf("key %d should have been deleted, got %q", i, v)
			}
			continue
		}
		if !ok || v != fmt.Sprintf("value-%d", i) {
			t.Fatalf("key %d = (%q, %v), want (\"value-%d\", true)", i, v, ok, i)
		}
	}
}

// TestOversizedValueSpansOverflowPages exercises a single key/value pair
// much larger than the page size, verifying it round-trips and that
// deleting it returns its overflow pages to the free list image (free plus
// pending-free pages; the pages become allocatable at the next BeginWrite).
func TestOversizedValueSpansOverflowPages(t *testing.T) {
	db := newTestDB(t)
	big := strings.Repeat("x", 10*int(db.pageSize))

	mustPut(t, db, "big", big)
	v, ok := mustGet(t, db, "big")
	if !ok || v != big {
		t.Fatalf("oversized value did not round-trip (len got=%d want=%d)", len(v), len(big))
	}

	freeBefore := len(db.freeList.serialize())
	mustRemove(t, db, "big")
	if len(db.freeList.serialize()) <= freeBefore {
		t.Fatalf("deleting an overflow-spanning value should grow the free list (before=%d after=%d)",
			freeBefore, len(db.freeList.serialize()))
	}
}

// TestLongRunningReaderSurvivesChurn opens a read snapshot, performs a
// batch of unrelated writes that would otherwise reclaim old pages, and
// checks the snapshot still observes its original view throughout.
func TestLongRunningReaderSurvivesChurn(t *testing.T) {
	db := newTestDB(t)
	mustPut(t, db, "stable", "v0")

	reader, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer reader.Rollback()

	for i := 0; i < 100; i++ {
		mustPut(t, db, keyFor(i), "churn")
	}
	mustPut(t, db, "stable", "v1")

	v, ok, err := reader.Get([]byte("stable"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "v0" {
		t.Fatalf("long-running reader should still see v0, got (%q, %v)", v, ok)
	}

	current, ok := mustGet(t, db, "stable")
	if !ok || current != "v1" {
		t.Fatalf("a fresh read should observe the latest commit, got (%q, %v)", current, ok)
	}
}

func TestWriteTxReadsItsOwnUncommittedWrites(t *testing.T) {
	db := newTestDB(t)
	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer tx.Rollback()

	if err := tx.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := tx.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "v" {
		t.Fatalf("write tx should observe its own uncommitted write, got (%q, %v)", v, ok)
	}
}
