package leafdb

import (
	"bytes"
	"fmt"
)

// minKeysPerPage is the split lower bound, distinct from the has-min-keys
// merge threshold.
const minKeysPerPage = 2

// WriteTx is the single writer's copy-on-write staging area. Only one
// WriteTx can exist at a time, enforced by Database's writer token.
type WriteTx struct {
	db       *Database
	txid     TransactionId
	pageSize uint32

	root     childRef
	nextID   transientID
	staging  map[transientID]*node

	endOfFile Address
	closed    bool
}

func (tx *WriteTx) rootRef() childRef { return tx.root }

func (tx *WriteTx) fetch(ref childRef) (*node, error) {
	if ref.dirty {
		n, ok := tx.staging[ref.id]
		if !ok {
			return nil, wrapErr(KindWouldCorrupt, "fetch", fmt.Errorf("missing dirty node %d", ref.id))
		}
		return n, nil
	}
	return readPersistentNode(tx.db.pool, tx.pageSize, ref.addr)
}

func (tx *WriteTx) allocTransient(n *node) childRef {
	tx.nextID++
	id := tx.nextID
	n.dirtyID = id
	tx.staging[id] = n
	return dirtyRef(id)
}

// allocateAtEnd implements the extender interface consumed by freeList: it
// grows the file, doubling capped at 1 GiB, and bumps end_of_file_address.
func (tx *WriteTx) allocateAtEnd(n int) (Address, error) {
	required := Address(tx.endOfFile) + Address(uint64(n)*uint64(tx.pageSize))
	start := tx.endOfFile
	tx.endOfFile = required
	currentLen, err := tx.db.currentFileLength()
	if err != nil {
		return 0, err
	}
	if int64(required) > currentLen {
		newLen := currentLen
		if newLen == 0 {
			newLen = int64(tx.pageSize)
		}
		const maxDouble = 1 << 30 // 1 GiB
		for newLen < int64(required) {
			if newLen >= maxDouble {
				newLen += maxDouble
			} else {
				newLen *= 2
			}
		}
		if newLen < int64(required) {
			newLen = int64(required)
		}
		if err := tx.db.pool.grow(newLen); err != nil {
			return 0, err
		}
	}
	return start, nil
}

// Cursor returns a cursor over this write transaction's (possibly dirty)
// tree.
func (tx *WriteTx) Cursor() (*Cursor, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	return newCursor(tx)
}

// Get reads a key, observing this transaction's own uncommitted writes
// (read-your-writes).
func (tx *WriteTx) Get(key []byte) ([]byte, bool, error) {
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

// Put inserts or replaces the value for key.
func (tx *WriteTx) Put(key, value []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return wrapErr(KindInvalidArgument, "Put", ErrKeyRequired)
	}
	if len(key) > maxKeyLen {
		return wrapErr(KindInvalidArgument, "Put", ErrKeyTooLarge)
	}
	if len(value) > maxValueLen {
		return wrapErr(KindInvalidArgument, "Put", ErrValueTooLarge)
	}
	return tx.update(key, value, false)
}

// Remove deletes key if present; it is a no-op otherwise.
func (tx *WriteTx) Remove(key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return wrapErr(KindInvalidArgument, "Remove", ErrKeyRequired)
	}
	return tx.update(key, nil, true)
}

// update implements the copy-on-write path-cloning procedure. The cursor
// stack is root-first, leaf-last; we walk it from
// the leaf back up to the root, cloning every persistent frame until we
// reach one that is already dirty (the stitch point) or run out of
// frames (meaning the whole path, including the root, was persistent).
func (tx *WriteTx) update(key, value []byte, isDelete bool) error {
	c, err := newCursor(tx)
	if err != nil {
		return err
	}
	if err := c.Seek(key); err != nil {
		return err
	}
	matched := c.IsValid() && bytes.Equal(c.Key(), key)
	if isDelete && !matched {
		return nil
	}
	if !c.IsValid() {
		// Seek ran past the last entry and popped every frame; rebuild the
		// path to the rightmost leaf, positioned just after its last entry.
		for ref := tx.rootRef(); ; {
			n, err := tx.fetch(ref)
			if err != nil {
				return err
			}
			c.stack = append(c.stack, cursorFrame{node: n, index: n.entryCount()})
			if n.isLeaf {
				break
			}
			c.stack[len(c.stack)-1].index--
			ref = n.branch[n.entryCount()-1].child
		}
	}

	stack := c.stack
	newIDs := make([]transientID, len(stack))
	stitch := -1
	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		if isAlreadyDirty(f.node) {
			stitch = i
			break
		}
		clone := f.node.clone()
		ref := tx.allocTransient(clone)
		newIDs[i] = ref.id
		if f.node.addr != 0 {
			tx.db.freeList.retire(tx.txid, f.node.addr, f.node.overflowPageCount, tx.pageSize)
		}
	}

	leafIdx := len(stack) - 1
	var leafID transientID
	if stitch == leafIdx {
		leafID = stack[leafIdx].node.dirtyID
	} else {
		leafID = newIDs[leafIdx]
	}
	leaf := tx.staging[leafID]
	applyLeafMutation(leaf, stack[leafIdx].index, key, value, isDelete, matched)

	firstCloned := stitch + 1
	for i := len(stack) - 2; i >= firstCloned; i-- {
		parent := tx.staging[newIDs[i]]
		parent.branch[stack[i].index].child = dirtyRef(newIDs[i+1])
		parent.branch[stack[i].index].key = cloneBytes(tx.staging[newIDs[i+1]].minKey())
	}
	if stitch >= 0 && stitch < leafIdx {
		parent := tx.staging[stack[stitch].node.dirtyID]
		childID := newIDs[stitch+1]
		parent.branch[stack[stitch].index].child = dirtyRef(childID)
		parent.branch[stack[stitch].index].key = cloneBytes(tx.staging[childID].minKey())
	}

	if stitch == -1 {
		tx.root = dirtyRef(newIDs[0])
	}
	return nil
}

// isAlreadyDirty and the node.dirtyID bookkeeping below let update() tell,
// for a frame already visited by an earlier Put/Remove in this same
// transaction, which staging-map id it lives under without a reverse
// address->id index.
func isAlreadyDirty(n *node) bool { return n.dirtyID != 0 }

func applyLeafMutation(leaf *node, idx int, key, value []byte, isDelete, matched bool) {
	if isDelete {
		leaf.leaf = append(leaf.leaf[:idx], leaf.leaf[idx+1:]...)
		return
	}
	if matched {
		leaf.leaf[idx].value = cloneBytes(value)
		return
	}
	entry := leafEntry{key: cloneBytes(key), value: cloneBytes(value)}
	leaf.leaf = append(leaf.leaf, leafEntry{})
	copy(leaf.leaf[idx+1:], leaf.leaf[idx:])
	leaf.leaf[idx] = entry
}

// ensureDirty returns the staged node behind ref, cloning it into staging
// first if it is still a persistent reference (retiring the page it
// occupied on disk).
func (tx *WriteTx) ensureDirty(ref childRef) (*node, error) {
	if ref.dirty {
		return tx.staging[ref.id], nil
	}
	n, err := tx.fetch(ref)
	if err != nil {
		return nil, err
	}
	clone := n.clone()
	tx.allocTransient(clone)
	if n.addr != 0 {
		tx.db.freeList.retire(tx.txid, n.addr, n.overflowPageCount, tx.pageSize)
	}
	return clone, nil
}

func mergeInto(dst, src *node) {
	if dst.isLeaf {
		dst.leaf = append(dst.leaf, src.leaf...)
	} else {
		dst.branch = append(dst.branch, src.branch...)
	}
}

// mergeChildAt resolves a merge candidate at parent.branch[i] against an
// adjacent sibling: index 0 merges forward into its right neighbor, every
// other index merges backward into its left neighbor. An empty child is
// removed outright. Otherwise a child whose parent has fewer than two
// children (a lone child) is left alone — the root special-casing in
// rebalanceMerge handles that shape instead.
func (tx *WriteTx) mergeChildAt(parent *node, i int) (removedIdx int, merged bool, err error) {
	child := tx.staging[parent.branch[i].child.id]
	if child.entryCount() == 0 {
		parent.branch = append(parent.branch[:i], parent.branch[i+1:]...)
		return i, true, nil
	}
	if len(parent.branch) < 2 {
		return -1, false, nil
	}

	mergeForward := i == 0
	siblingIdx := i - 1
	if mergeForward {
		siblingIdx = i + 1
	}
	if siblingIdx < 0 || siblingIdx >= len(parent.branch) {
		return -1, false, nil
	}

	sibling, err := tx.ensureDirty(parent.branch[siblingIdx].child)
	if err != nil {
		return -1, false, err
	}
	parent.branch[siblingIdx].child = dirtyRef(sibling.dirtyID)

	if mergeForward {
		mergeInto(child, sibling)
		parent.branch = append(parent.branch[:i+1], parent.branch[i+2:]...)
		parent.branch[i].key = cloneBytes(child.minKey())
	} else {
		mergeInto(sibling, child)
		parent.branch = append(parent.branch[:i], parent.branch[i+1:]...)
		parent.branch[i-1].key = cloneBytes(sibling.minKey())
	}
	return i, true, nil
}

// mergeChildren walks a dirty node's children post-order, merging any
// dirty child that is a merge candidate into an adjacent sibling.
func (tx *WriteTx) mergeChildren(nref childRef) error {
	if !nref.dirty {
		return nil
	}
	n := tx.staging[nref.id]
	if n.isLeaf {
		return nil
	}
	i := 0
	for i < len(n.branch) {
		child := n.branch[i].child
		if !child.dirty {
			i++
			continue
		}
		if err := tx.mergeChildren(child); err != nil {
			return err
		}
		cn := tx.staging[child.id]
		if isMergeCandidate(cn, tx.pageSize) {
			_, merged, err := tx.mergeChildAt(n, i)
			if err != nil {
				return err
			}
			if merged {
				continue
			}
		}
		if n.branch[i].child.dirty {
			n.branch[i].key = cloneBytes(tx.staging[n.branch[i].child.id].minKey())
		}
		i++
	}
	return nil
}

// rebalanceMerge runs the merge pass over the whole dirty tree and then
// applies root special-casing: an empty non-leaf root collapses to a
// fresh empty leaf, and a single-child branch root collapses to that
// child, repeated until neither applies.
func (tx *WriteTx) rebalanceMerge() error {
	if !tx.root.dirty {
		return nil
	}
	if err := tx.mergeChildren(tx.root); err != nil {
		return err
	}
	for tx.root.dirty {
		root := tx.staging[tx.root.id]
		if !root.isLeaf && root.entryCount() == 0 {
			tx.root = tx.allocTransient(newLeafNode())
			break
		}
		if !root.isLeaf && root.entryCount() == 1 {
			tx.root = root.branch[0].child
			continue
		}
		break
	}
	return nil
}

// splitChildren walks a dirty node's children post-order, splitting any
// dirty child whose encoded size now exceeds a page into multiple
// sibling chunks.
func (tx *WriteTx) splitChildren(nref childRef) (bool, error) {
	if !nref.dirty {
		return false, nil
	}
	n := tx.staging[nref.id]
	if n.isLeaf {
		return false, nil
	}
	changed := false
	i := 0
	for i < len(n.branch) {
		child := n.branch[i].child
		if !child.dirty {
			i++
			continue
		}
		childChanged, err := tx.splitChildren(child)
		if err != nil {
			return false, err
		}
		changed = changed || childChanged
		cn := tx.staging[child.id]
		if isSplitCandidate(cn, tx.pageSize) {
			chunks := splitEntries(cn, tx.pageSize)
			if len(chunks) > 1 {
				newEntries := make([]branchEntry, len(chunks))
				for j, c := range chunks {
					ref := tx.allocTransient(c)
					newEntries[j] = branchEntry{key: cloneBytes(c.minKey()), child: ref}
				}
				tail := append([]branchEntry{}, n.branch[i+1:]...)
				n.branch = append(n.branch[:i], newEntries...)
				n.branch = append(n.branch, tail...)
				i += len(newEntries)
				changed = true
				continue
			}
		}
		n.branch[i].key = cloneBytes(cn.minKey())
		i++
	}
	return changed, nil
}

// splitPass runs one post-order (bottom-up) split sweep, including the root itself,
// which — having no parent — grows a fresh branch level above it when it
// needs splitting.
func (tx *WriteTx) splitPass() (bool, error) {
	if !tx.root.dirty {
		return false, nil
	}
	changed, err := tx.splitChildren(tx.root)
	if err != nil {
		return false, err
	}
	root := tx.staging[tx.root.id]
	if isSplitCandidate(root, tx.pageSize) {
		chunks := splitEntries(root, tx.pageSize)
		if len(chunks) > 1 {
			newRoot := newBranchNode()
			for _, c := range chunks {
				ref := tx.allocTransient(c)
				newRoot.branch = append(newRoot.branch, branchEntry{key: cloneBytes(c.minKey()), child: ref})
			}
			tx.root = tx.allocTransient(newRoot)
			changed = true
		}
	}
	return changed, nil
}

// splitToFixedPoint iterates splitPass until the root requires no further
// splitting — a split at one level can push a parent over its own page
// budget.
func (tx *WriteTx) splitToFixedPoint() error {
	for {
		changed, err := tx.splitPass()
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
}

// rebalance runs the merge pass followed by the split pass. Nothing runs
// if the tree was never touched (root still persistent).
func (tx *WriteTx) rebalance() error {
	if !tx.root.dirty {
		return nil
	}
	if err := tx.rebalanceMerge(); err != nil {
		return err
	}
	return tx.splitToFixedPoint()
}

// writeDirtySubtree recurses post-order over the dirty subtree rooted at
// ref, writing already-resolved children before allocating and writing
// their parent. A persistent ref is returned unchanged: untouched clean
// subtrees are never rewritten.
func (tx *WriteTx) writeDirtySubtree(ref childRef) (Address, error) {
	if !ref.dirty {
		return ref.addr, nil
	}
	n := tx.staging[ref.id]
	if !n.isLeaf {
		for i := range n.branch {
			addr, err := tx.writeDirtySubtree(n.branch[i].child)
			if err != nil {
				return 0, err
			}
			n.branch[i].child = persistentRef(addr)
		}
	}
	pages := pagesForNode(n, tx.pageSize)
	addr, err := tx.db.freeList.allocate(pages, tx.pageSize, tx.txid, tx)
	if err != nil {
		return 0, err
	}
	overflow, err := writeNodeAt(tx.db.pool, tx.pageSize, addr, n)
	if err != nil {
		return 0, err
	}
	n.addr = addr
	n.overflowPageCount = overflow
	return addr, nil
}

// Commit runs the full commit pipeline: rebalance, write the dirty
// subtree, write a fresh free-list image, and publish a new meta record
// to the slot the previous meta did not occupy. On any failure the
// transaction's allocations are rolled back and the writer token is
// released; the database is left exactly as it was before Commit was
// called.
func (tx *WriteTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	err := tx.commitInner()
	tx.closed = true
	if err != nil {
		tx.db.freeList.rollback(tx.txid)
	}
	tx.db.releaseWriter()
	return err
}

func (tx *WriteTx) commitInner() error {
	if err := tx.rebalance(); err != nil {
		return err
	}

	newRootAddress := tx.root.addr
	if tx.root.dirty {
		addr, err := tx.writeDirtySubtree(tx.root)
		if err != nil {
			return err
		}
		newRootAddress = addr
	}

	oldFLAddr := tx.db.meta.FreeListAddress
	if oldFLAddr != 0 {
		tx.db.freeList.retire(tx.txid, oldFLAddr, tx.db.freeListOverflow, tx.pageSize)
	}

	serialized := tx.db.freeList.serialize()
	flPages := pagesForFreeList(len(serialized), tx.pageSize)
	flAddr, err := tx.db.freeList.allocate(flPages, tx.pageSize, tx.txid, tx)
	if err != nil {
		return err
	}
	flOverflow, err := writeFreeListAt(tx.db.pool, tx.pageSize, flAddr, serialized)
	if err != nil {
		return err
	}

	newMeta := MetaRecord{
		PageSize:         tx.pageSize,
		RootAddress:      newRootAddress,
		FreeListAddress:  flAddr,
		LastTxId:         tx.txid,
		EndOfFileAddress: tx.endOfFile,
	}
	slot := int(tx.txid % 2)
	buf := encodeMetaRecord(newMeta)
	if err := tx.db.pool.writeAt(Address(slot*metaSlotSize), buf); err != nil {
		return err
	}
	if err := tx.db.pool.fsync(); err != nil {
		return err
	}

	tx.db.freeList.commit()
	tx.db.metaMu.Lock()
	tx.db.meta = newMeta
	tx.db.freeListOverflow = flOverflow
	tx.db.metaSlot = slot
	tx.db.metaMu.Unlock()
	tx.db.logger.Debug().
		Uint64("tx_id", uint64(tx.txid)).
		Uint64("root_address", uint64(newRootAddress)).
		Msg("committed write transaction")
	return nil
}

// Rollback discards every allocation this transaction made and releases
// the writer token without touching the database's on-disk state.
func (tx *WriteTx) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.db.freeList.rollback(tx.txid)
	tx.db.releaseWriter()
}
