package leafdb

import (
	"fmt"
	"testing"
)

func TestCursorFirstLastNextPrev(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 20; i++ {
		mustPut(t, db, keyFor(i), fmt.Sprintf("v%d", i))
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

	if err := c.First(); err != nil {
		t.Fatalf("first: %v", err)
	}
	if !c.IsValid() || string(c.Key()) != keyFor(0) {
		t.Fatalf("First() = %q, want %q", c.Key(), keyFor(0))
	}

	if err := c.Last(); err != nil {
		t.Fatalf("last: %v", err)
	}
	if !c.IsValid() || string(c.Key()) != keyFor(19) {
		t.Fatalf("Last() = %q, want %q", c.Key(), keyFor(19))
	}

	if err := c.Prev(); err != nil {
		t.Fatalf("prev: %v", err)
	}
	if !c.IsValid() || string(c.Key()) != keyFor(18) {
		t.Fatalf("Prev() from last = %q, want %q", c.Key(), keyFor(18))
	}

	if err := c.First(); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := c.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	if !c.IsValid() || string(c.Key()) != keyFor(1) {
		t.Fatalf("Next() from first = %q, want %q", c.Key(), keyFor(1))
	}
}

func TestCursorSeek(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 50; i += 2 {
		mustPut(t, db, keyFor(i), "v")
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

	// Seek to an exact match.
	if err := c.Seek([]byte(keyFor(10))); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if !c.IsValid() || string(c.Key()) != keyFor(10) {
		t.Fatalf("Seek(exact) = %q, want %q", c.Key(), keyFor(10))
	}

	// Seek to a gap should land on the next present key.
	if err := c.Seek([]byte(keyFor(11))); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if !c.IsValid() || string(c.Key()) != keyFor(12) {
		t.Fatalf("Seek(gap) = %q, want %q", c.Key(), keyFor(12))
	}

	// Seek past the end should invalidate the cursor.
	if err := c.Seek([]byte(keyFor(1000))); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if c.IsValid() {
		t.Fatalf("Seek(past end) should leave the cursor invalid, got %q", c.Key())
	}
}

func TestCursorOnEmptyDatabase(t *testing.T) {
	db := newTestDB(t)
	tx, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer tx.Rollback()
	c, err := tx.Cursor()
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if c.IsValid() {
		t.Fatalf("cursor over an empty database should not be valid")
	}
}
