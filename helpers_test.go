package leafdb

import (
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"), Options{PageSize: 512})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustPut(t *testing.T, db *Database, key, value string) {
	t.Helper()
	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := tx.Put([]byte(key), []byte(value)); err != nil {
		tx.Rollback()
		t.Fatalf("put %q: %v", key, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit after put %q: %v", key, err)
	}
}

func mustRemove(t *testing.T, db *Database, key string) {
	t.Helper()
	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := tx.Remove([]byte(key)); err != nil {
		tx.Rollback()
		t.Fatalf("remove %q: %v", key, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit after remove %q: %v", key, err)
	}
}

func mustGet(t *testing.T, db *Database, key string) (string, bool) {
	t.Helper()
	tx, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer tx.Rollback()
	v, ok, err := tx.Get([]byte(key))
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	return string(v), ok
}
