package leafdb

import "bytes"

// ReadTx is an immutable snapshot transaction: many can be open
// concurrently, each pinned to the meta that was active when it began.
type ReadTx struct {
	db     *Database
	meta   MetaRecord
	closed bool
}

func (tx *ReadTx) rootRef() childRef { return persistentRef(tx.meta.RootAddress) }

func (tx *ReadTx) fetch(ref childRef) (*node, error) {
	return readPersistentNode(tx.db.pool, tx.meta.PageSize, ref.addr)
}

// Cursor returns a new cursor over this transaction's snapshot.
func (tx *ReadTx) Cursor() (*Cursor, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	return newCursor(tx)
}

// Get returns the value for key and whether it was present. The returned
// slice is a copy, safe to retain past the transaction's lifetime.
func (tx *ReadTx) Get(key []byte) ([]byte, bool, error) {
	if tx.closed {
		return nil, false, ErrTxClosed
	}
	c, err := newCursor(tx)
	if err != nil {
		return nil, false, err
	}
	if err := c.Seek(key); err != nil {
		return nil, false, err
	}
	if !c.IsValid() || !bytes.Equal(c.Key(), key) {
		return nil, false, nil
	}
	return cloneBytes(c.Value()), true, nil
}

// Rollback releases this snapshot. Read transactions never fail to
// "rollback" — it is simply the end of the snapshot's lifetime.
func (tx *ReadTx) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.db.releaseReader(tx.meta.LastTxId)
}
