package leafdb

// readPersistentNode reads a node's header page and, if it spans overflow
// pages, its continuations, then decodes the concatenated image (spec
// section 4.1: "a node ... is stored as one header page plus
// overflow_page_count continuation pages occupying consecutive
// addresses").
func readPersistentNode(pool *pagePool, pageSize uint32, addr Address) (*node, error) {
	header := make([]byte, pageSize)
	if err := pool.readAt(addr, header); err != nil {
		return nil, err
	}
	_, _, overflowPageCount, err := getNodeHeader(header)
	if err != nil {
		return nil, err
	}
	if overflowPageCount == 0 {
		return decodeNode(header, addr)
	}
	full := make([]byte, uint64(pageSize)*(overflowPageCount+1))
	copy(full, header)
	if err := pool.readAt(addr+Address(pageSize), full[pageSize:]); err != nil {
		return nil, err
	}
	return decodeNode(full, addr)
}

// writeNodeAt serializes n and writes it across however many pages its
// image requires, zero-padding the final page. It returns the number of
// overflow (continuation) pages written, matching what the header records.
func writeNodeAt(pool *pagePool, pageSize uint32, addr Address, n *node) (uint64, error) {
	buf, err := encodeNode(n)
	if err != nil {
		return 0, err
	}
	pages := (len(buf) + int(pageSize) - 1) / int(pageSize)
	if pages < 1 {
		pages = 1
	}
	overflow := uint64(pages - 1)
	// Patch the header's overflow page count now that it is known.
	putNodeHeader(buf[:nodeHeaderSize], headerFlags(n), headerEntryCount(n), overflow)
	padded := make([]byte, pages*int(pageSize))
	copy(padded, buf)
	if err := pool.writeAt(addr, padded); err != nil {
		return 0, err
	}
	return overflow, nil
}

func headerFlags(n *node) nodeFlag {
	if n.isLeaf {
		return flagLeaf
	}
	return flagBranch
}

func headerEntryCount(n *node) uint64 {
	return uint64(n.entryCount())
}

// writeFreeListAt serializes the given sorted addresses as a free-list
// page image and writes it, returning the overflow page count.
func writeFreeListAt(pool *pagePool, pageSize uint32, addr Address, addrs []Address) (uint64, error) {
	buf := encodeFreeListPage(addrs)
	pages := (len(buf) + int(pageSize) - 1) / int(pageSize)
	if pages < 1 {
		pages = 1
	}
	overflow := uint64(pages - 1)
	putNodeHeader(buf[:nodeHeaderSize], flagFreeList, uint64(len(addrs)), overflow)
	padded := make([]byte, pages*int(pageSize))
	copy(padded, buf)
	if err := pool.writeAt(addr, padded); err != nil {
		return 0, err
	}
	return overflow, nil
}

// readFreeListAt is the free-list analogue of readPersistentNode.
func readFreeListAt(pool *pagePool, pageSize uint32, addr Address) ([]Address, uint64, error) {
	header := make([]byte, pageSize)
	if err := pool.readAt(addr, header); err != nil {
		return nil, 0, err
	}
	_, _, overflowPageCount, err := getNodeHeader(header)
	if err != nil {
		return nil, 0, err
	}
	if overflowPageCount == 0 {
		addrs, _, err := decodeFreeListPage(header)
		return addrs, 0, err
	}
	full := make([]byte, uint64(pageSize)*(overflowPageCount+1))
	copy(full, header)
	if err := pool.readAt(addr+Address(pageSize), full[pageSize:]); err != nil {
		return nil, 0, err
	}
	addrs, _, err := decodeFreeListPage(full)
	return addrs, overflowPageCount, err
}
