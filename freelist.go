package leafdb

import (
	"sort"
)

// freeList is the page allocator and MVCC-aware reclamation component. It
// lives on Database, mutated only by whichever transaction currently
// holds the writer token.
type freeList struct {
	free []Address // sorted ascending

	pendingAlloc map[Address]struct{}
	pendingFree  map[TransactionId]map[Address]struct{}
	allocatedBy  map[Address]TransactionId
}

func newFreeList() *freeList {
	return &freeList{
		pendingAlloc: make(map[Address]struct{}),
		pendingFree:  make(map[TransactionId]map[Address]struct{}),
		allocatedBy:  make(map[Address]TransactionId),
	}
}

// load replaces the free set from a deserialized free-list page image,
// which stores the union of free and every pending-free address. A fresh
// process open never has surviving readers, so every address the prior
// process considered pending-free is safe to treat as immediately free.
func (fl *freeList) load(addrs []Address) {
	fl.free = append([]Address(nil), addrs...)
	sort.Slice(fl.free, func(i, j int) bool { return fl.free[i] < fl.free[j] })
	fl.pendingAlloc = make(map[Address]struct{})
	fl.pendingFree = make(map[TransactionId]map[Address]struct{})
	fl.allocatedBy = make(map[Address]TransactionId)
}

// extender grows the file (or simply bumps an in-memory end-of-file
// counter) when the free set has no run long enough to satisfy an
// allocation. It is implemented by the active write transaction, which
// owns end_of_file_address for the duration of the commit.
type extender interface {
	allocateAtEnd(n int) (Address, error)
}

// allocate returns the starting address of n consecutive free pages,
// preferring reuse of the free set over growing the file. txid is the
// current writer's (not yet committed) transaction id, recorded so a
// later retirement of this page can apply the release rule that compares
// against max_reader.
func (fl *freeList) allocate(n int, pageSize uint32, txid TransactionId, ext extender) (Address, error) {
	if start, ok := fl.findRun(n, pageSize); ok {
		for i := 0; i < n; i++ {
			addr := start + Address(uint64(i)*uint64(pageSize))
			fl.removeFree(addr)
			fl.pendingAlloc[addr] = struct{}{}
			fl.allocatedBy[addr] = txid
		}
		return start, nil
	}
	start, err := ext.allocateAtEnd(n)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		addr := start + Address(uint64(i)*uint64(pageSize))
		fl.pendingAlloc[addr] = struct{}{}
		fl.allocatedBy[addr] = txid
	}
	return start, nil
}

// findRun scans free \ pendingAlloc in ascending order for the first run
// of n addresses each exactly pageSize apart.
func (fl *freeList) findRun(n int, pageSize uint32) (Address, bool) {
	run := 0
	var runStart Address
	for _, addr := range fl.free {
		if _, taken := fl.pendingAlloc[addr]; taken {
			run = 0
			continue
		}
		if run == 0 {
			runStart = addr
			run = 1
		} else if addr == runStart+Address(uint64(run)*uint64(pageSize)) {
			run++
		} else {
			runStart = addr
			run = 1
		}
		if run == n {
			return runStart, true
		}
	}
	return 0, false
}

func (fl *freeList) removeFree(addr Address) {
	idx := sort.Search(len(fl.free), func(i int) bool { return fl.free[i] >= addr })
	if idx < len(fl.free) && fl.free[idx] == addr {
		fl.free = append(fl.free[:idx], fl.free[idx+1:]...)
	}
}

func (fl *freeList) insertFree(addr Address) {
	idx := sort.Search(len(fl.free), func(i int) bool { return fl.free[i] >= addr })
	if idx < len(fl.free) && fl.free[idx] == addr {
		return
	}
	fl.free = append(fl.free, 0)
	copy(fl.free[idx+1:], fl.free[idx:])
	fl.free[idx] = addr
}

// retire schedules a page (and its overflowCount continuations) for
// release once no reader can still reach it.
func (fl *freeList) retire(txid TransactionId, addr Address, overflowCount uint64, pageSize uint32) {
	bucket := fl.pendingFree[txid]
	if bucket == nil {
		bucket = make(map[Address]struct{})
		fl.pendingFree[txid] = bucket
	}
	for i := uint64(0); i <= overflowCount; i++ {
		bucket[addr+Address(i*uint64(pageSize))] = struct{}{}
	}
}

// release promotes pending-free pages back into the free set according to
// two rules — a whole bucket is released when no readers remain or its
// retiring transaction is older than the oldest live reader (txid <
// minReader), and a single page is released when the transaction that
// allocated it is newer than every live reader (allocatedBy > maxReader) —
// and returns every address released (so a page cache, if any, can
// invalidate them).
func (fl *freeList) release(minReader, maxReader TransactionId, noReaders bool) []Address {
	var released []Address
	for txid, bucket := range fl.pendingFree {
		if noReaders || txid+1 <= minReader {
			for addr := range bucket {
				released = append(released, addr)
				delete(fl.allocatedBy, addr)
			}
			delete(fl.pendingFree, txid)
			continue
		}
		remaining := make(map[Address]struct{}, len(bucket))
		for addr := range bucket {
			if allocTx, ok := fl.allocatedBy[addr]; ok && allocTx > maxReader {
				released = append(released, addr)
				delete(fl.allocatedBy, addr)
				continue
			}
			remaining[addr] = struct{}{}
		}
		if len(remaining) == 0 {
			delete(fl.pendingFree, txid)
		} else {
			fl.pendingFree[txid] = remaining
		}
	}
	for _, addr := range released {
		fl.insertFree(addr)
	}
	return released
}

// commit clears pending_alloc once the meta write has succeeded. The
// allocated_by bookkeeping for those addresses is deliberately kept: if
// the page is retired by a future writer, release's rule 2 still needs to
// know which transaction originally allocated it.
func (fl *freeList) commit() {
	fl.pendingAlloc = make(map[Address]struct{})
}

// rollback returns every pending allocation to the free set and discards
// the current writer's not-yet-committed retirements.
func (fl *freeList) rollback(txid TransactionId) {
	for addr := range fl.pendingAlloc {
		delete(fl.allocatedBy, addr)
		fl.insertFree(addr)
	}
	fl.pendingAlloc = make(map[Address]struct{})
	delete(fl.pendingFree, txid)
}

// serialize returns the sorted union of free and every pending-free
// address, the on-disk image written at commit.
func (fl *freeList) serialize() []Address {
	set := make(map[Address]struct{}, len(fl.free))
	for _, a := range fl.free {
		set[a] = struct{}{}
	}
	for _, bucket := range fl.pendingFree {
		for a := range bucket {
			set[a] = struct{}{}
		}
	}
	out := make([]Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
