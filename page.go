package leafdb

import (
	"fmt"
	"hash/crc32"
)

// nodeHeaderSize is the fixed size of a NodeHeader: flags(2) + entry
// count(8) + overflow page count(8).
const nodeHeaderSize = 2 + 8 + 8

// maxKeyLen / maxValueLen bound key_len (u16) and value_len (u32) to what
// those fixed-width wire fields can represent.
const (
	maxKeyLen   = (1 << 16) - 1
	maxValueLen = (1 << 32) - 1
)

func putNodeHeader(buf []byte, flags nodeFlag, entryCount, overflowPageCount uint64) {
	putUint16(buf[0:], uint16(flags))
	putUint64(buf[2:], entryCount)
	putUint64(buf[10:], overflowPageCount)
}

func getNodeHeader(buf []byte) (flags nodeFlag, entryCount, overflowPageCount uint64, err error) {
	if len(buf) < nodeHeaderSize {
		return 0, 0, 0, wrapErr(KindCorruption, "getNodeHeader", fmt.Errorf("page too short: %d bytes", len(buf)))
	}
	flags = nodeFlag(getUint16(buf[0:]))
	entryCount = getUint64(buf[2:])
	overflowPageCount = getUint64(buf[10:])
	return flags, entryCount, overflowPageCount, nil
}

// encodeNode serializes a node's header and entries into a single
// contiguous buffer. Every branch child must already carry a resolved
// Address (the commit pipeline writes children before their parent) —
// encoding a still-dirty child is a bug.
func encodeNode(n *node) ([]byte, error) {
	if n.isLeaf {
		return encodeLeaf(n)
	}
	return encodeBranch(n)
}

func encodeLeaf(n *node) ([]byte, error) {
	size := nodeHeaderSize
	for _, e := range n.leaf {
		if len(e.key) > maxKeyLen {
			return nil, wrapErr(KindInvalidArgument, "encodeLeaf", ErrKeyTooLarge)
		}
		if len(e.value) > maxValueLen {
			return nil, wrapErr(KindInvalidArgument, "encodeLeaf", ErrValueTooLarge)
		}
		size += 2 + len(e.key) + 4 + len(e.value)
	}
	buf := make([]byte, size)
	putNodeHeader(buf, flagLeaf, uint64(len(n.leaf)), 0)
	pos := nodeHeaderSize
	for _, e := range n.leaf {
		putUint16(buf[pos:], uint16(len(e.key)))
		pos += 2
		copy(buf[pos:], e.key)
		pos += len(e.key)
		putUint32(buf[pos:], uint32(len(e.value)))
		pos += 4
		copy(buf[pos:], e.value)
		pos += len(e.value)
	}
	return buf, nil
}

func encodeBranch(n *node) ([]byte, error) {
	size := nodeHeaderSize
	for _, e := range n.branch {
		if e.child.dirty {
			return nil, wrapErr(KindWouldCorrupt, "encodeBranch", fmt.Errorf("child not yet resolved to an address"))
		}
		if len(e.key) > maxKeyLen {
			return nil, wrapErr(KindInvalidArgument, "encodeBranch", ErrKeyTooLarge)
		}
		size += 8 + 2 + len(e.key)
	}
	buf := make([]byte, size)
	putNodeHeader(buf, flagBranch, uint64(len(n.branch)), 0)
	pos := nodeHeaderSize
	for _, e := range n.branch {
		putUint64(buf[pos:], uint64(e.child.addr))
		pos += 8
		putUint16(buf[pos:], uint16(len(e.key)))
		pos += 2
		copy(buf[pos:], e.key)
		pos += len(e.key)
	}
	return buf, nil
}

// decodeNode parses a full (header-plus-continuation) page image back into
// a node. addr is the node's own address, recorded for bookkeeping.
func decodeNode(buf []byte, addr Address) (*node, error) {
	flags, entryCount, overflowPageCount, err := getNodeHeader(buf)
	if err != nil {
		return nil, err
	}
	switch flags {
	case flagLeaf:
		n := newLeafNode()
		n.addr = addr
		n.overflowPageCount = overflowPageCount
		pos := nodeHeaderSize
		n.leaf = make([]leafEntry, entryCount)
		for i := range n.leaf {
			key, next, err := readBytesU16(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			value, next, err := readBytesU32(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			n.leaf[i] = leafEntry{key: key, value: value}
		}
		return n, nil
	case flagBranch:
		n := newBranchNode()
		n.addr = addr
		n.overflowPageCount = overflowPageCount
		pos := nodeHeaderSize
		n.branch = make([]branchEntry, entryCount)
		for i := range n.branch {
			if pos+8 > len(buf) {
				return nil, wrapErr(KindCorruption, "decodeNode", fmt.Errorf("truncated branch entry"))
			}
			childAddr := Address(getUint64(buf[pos:]))
			pos += 8
			key, next, err := readBytesU16(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			n.branch[i] = branchEntry{key: key, child: persistentRef(childAddr)}
		}
		return n, nil
	default:
		return nil, wrapErr(KindCorruption, "decodeNode", fmt.Errorf("invalid node flags %d", flags))
	}
}

func readBytesU16(buf []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(buf) {
		return nil, pos, wrapErr(KindCorruption, "readBytesU16", fmt.Errorf("truncated length prefix"))
	}
	n := int(getUint16(buf[pos:]))
	pos += 2
	if pos+n > len(buf) {
		return nil, pos, wrapErr(KindCorruption, "readBytesU16", fmt.Errorf("truncated payload"))
	}
	out := cloneBytes(buf[pos : pos+n])
	return out, pos + n, nil
}

func readBytesU32(buf []byte, pos int) ([]byte, int, error) {
	if pos+4 > len(buf) {
		return nil, pos, wrapErr(KindCorruption, "readBytesU32", fmt.Errorf("truncated length prefix"))
	}
	n := int(getUint32(buf[pos:]))
	pos += 4
	if pos+n > len(buf) {
		return nil, pos, wrapErr(KindCorruption, "readBytesU32", fmt.Errorf("truncated payload"))
	}
	out := cloneBytes(buf[pos : pos+n])
	return out, pos + n, nil
}

// encodeFreeListPage serializes a sorted slice of addresses as a node page
// with flags = freeList.
func encodeFreeListPage(addrs []Address) []byte {
	buf := make([]byte, nodeHeaderSize+8*len(addrs))
	putNodeHeader(buf, flagFreeList, uint64(len(addrs)), 0)
	pos := nodeHeaderSize
	for _, a := range addrs {
		putUint64(buf[pos:], uint64(a))
		pos += 8
	}
	return buf
}

func decodeFreeListPage(buf []byte) ([]Address, uint64, error) {
	flags, entryCount, overflowPageCount, err := getNodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if flags != flagFreeList {
		return nil, 0, wrapErr(KindCorruption, "decodeFreeListPage", fmt.Errorf("invalid free-list flags %d", flags))
	}
	out := make([]Address, entryCount)
	pos := nodeHeaderSize
	for i := range out {
		if pos+8 > len(buf) {
			return nil, 0, wrapErr(KindCorruption, "decodeFreeListPage", fmt.Errorf("truncated free-list page"))
		}
		out[i] = Address(getUint64(buf[pos:]))
		pos += 8
	}
	return out, overflowPageCount, nil
}

// metaRecordSize is the fixed encoded size of a MetaRecord: page_size(4) +
// root_address(8) + free_list_address(8) + last_tx_id(8) +
// end_of_file_address(8) + crc32(4), well inside the fixed 1 KiB meta slot.
const metaRecordSize = 4 + 8 + 8 + 8 + 8 + 4

// MetaRecord is the fixed-size root descriptor stored in each of the two
// meta slots. The free list's own overflow page count is not duplicated
// here — it is recovered from the free-list page's own NodeHeader when it
// is loaded.
type MetaRecord struct {
	PageSize         uint32
	RootAddress      Address
	FreeListAddress  Address
	LastTxId         TransactionId
	EndOfFileAddress Address
}

func encodeMetaRecord(m MetaRecord) []byte {
	buf := make([]byte, metaSlotSize)
	putUint32(buf[0:], m.PageSize)
	putUint64(buf[4:], uint64(m.RootAddress))
	putUint64(buf[12:], uint64(m.FreeListAddress))
	putUint64(buf[20:], uint64(m.LastTxId))
	putUint64(buf[28:], uint64(m.EndOfFileAddress))
	crc := crc32.ChecksumIEEE(buf[0:36])
	putUint32(buf[36:], crc)
	return buf
}

func decodeMetaRecord(buf []byte) (MetaRecord, bool) {
	if len(buf) < metaSlotSize {
		return MetaRecord{}, false
	}
	crc := crc32.ChecksumIEEE(buf[0:36])
	if getUint32(buf[36:]) != crc {
		return MetaRecord{}, false
	}
	m := MetaRecord{
		PageSize:         getUint32(buf[0:]),
		RootAddress:      Address(getUint64(buf[4:])),
		FreeListAddress:  Address(getUint64(buf[12:])),
		LastTxId:         TransactionId(getUint64(buf[20:])),
		EndOfFileAddress: Address(getUint64(buf[28:])),
	}
	return m, true
}
