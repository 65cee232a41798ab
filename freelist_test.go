package leafdb

import "testing"

type fakeExtender struct {
	next Address
}

func (e *fakeExtender) allocateAtEnd(n int) (Address, error) {
	start := e.next
	e.next += Address(n) * 4096
	return start, nil
}

func TestFreeListAllocateReusesFreedRun(t *testing.T) {
	fl := newFreeList()
	fl.load([]Address{4096, 8192, 12288})

	ext := &fakeExtender{next: 100000}
	addr, err := fl.allocate(2, 4096, 5, ext)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr != 4096 {
		t.Fatalf("allocate() = %d, want reuse of the free run starting at 4096", addr)
	}
	if ext.next != 100000 {
		t.Fatalf("allocate should not have grown the file when a free run existed")
	}
}

func TestFreeListAllocateGrowsWhenNoRunFits(t *testing.T) {
	fl := newFreeList()
	ext := &fakeExtender{next: 4096}
	addr, err := fl.allocate(1, 4096, 1, ext)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr != 4096 {
		t.Fatalf("allocate() = %d, want 4096 from the extender", addr)
	}
	if ext.next != 8192 {
		t.Fatalf("extender should have advanced past the allocated page")
	}
}

func TestFreeListRetireAndReleaseRuleOne(t *testing.T) {
	fl := newFreeList()
	fl.retire(3, 4096, 0, 4096)

	// No readers at all: everything pending-free is immediately reclaimable.
	released := fl.release(0, 0, true)
	if len(released) != 1 || released[0] != 4096 {
		t.Fatalf("release(noReaders) = %v, want [4096]", released)
	}
	if len(fl.pendingFree) != 0 {
		t.Fatalf("pendingFree should be empty after full release, got %v", fl.pendingFree)
	}
}

func TestFreeListReleaseRuleOneRespectsMinReader(t *testing.T) {
	fl := newFreeList()
	fl.retire(3, 4096, 0, 4096)

	// A reader pinned at tx 2 (< 3+1) still needs this page: rule one must
	// not release it.
	released := fl.release(2, 2, false)
	if len(released) != 0 {
		t.Fatalf("release should not free a page a live reader can still reach, got %v", released)
	}

	// Once the minimum reader has moved past tx 3, it is safe to release.
	released = fl.release(4, 4, false)
	if len(released) != 1 || released[0] != 4096 {
		t.Fatalf("release(minReader=4) = %v, want [4096]", released)
	}
}

func TestFreeListReleaseRuleTwo(t *testing.T) {
	fl := newFreeList()
	ext := &fakeExtender{next: 4096}
	addr, err := fl.allocate(1, 4096, 10, ext) // allocated by tx 10
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	fl.commit()
	fl.retire(11, addr, 0, 4096) // retired by tx 11, superseded by a newer version

	// A reader pinned before tx 10 never saw this page at all, so allocated_by
	// being newer than max_reader makes it safe to reclaim even though the
	// bucket (tx 11) is still above min_reader.
	released := fl.release(5, 9, false)
	if len(released) != 1 || released[0] != addr {
		t.Fatalf("release (rule two) = %v, want [%d]", released, addr)
	}
}

func TestFreeListRollbackReturnsPendingAllocations(t *testing.T) {
	fl := newFreeList()
	ext := &fakeExtender{next: 4096}
	addr, err := fl.allocate(1, 4096, 7, ext)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	fl.retire(7, 8192, 0, 4096)

	fl.rollback(7)

	if len(fl.pendingAlloc) != 0 {
		t.Fatalf("rollback should clear pendingAlloc, got %v", fl.pendingAlloc)
	}
	if _, ok := fl.pendingFree[7]; ok {
		t.Fatalf("rollback should discard tx 7's retirements")
	}
	found := false
	for _, a := range fl.free {
		if a == addr {
			found = true
		}
	}
	if !found {
		t.Fatalf("rollback should return the allocated address to the free set")
	}
}

func TestFreeListSerializeIsUnionOfFreeAndPendingFree(t *testing.T) {
	fl := newFreeList()
	fl.load([]Address{4096})
	fl.retire(1, 8192, 0, 4096)
	fl.retire(2, 12288, 0, 4096)

	got := fl.serialize()
	want := map[Address]bool{4096: true, 8192: true, 12288: true}
	if len(got) != len(want) {
		t.Fatalf("serialize() = %v, want the union %v", got, want)
	}
	for _, a := range got {
		if !want[a] {
			t.Fatalf("serialize() contained unexpected address %d", a)
		}
	}
}
