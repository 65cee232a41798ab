package leafdb

import (
	"sync"

	"github.com/rs/zerolog"
)

// Database is the top-level facade: it owns the page I/O pool and free
// list, serializes writers through a single token, and tracks outstanding
// readers so the free list knows which pending-free pages are still
// reachable from an open snapshot.
type Database struct {
	pool     *pagePool
	freeList *freeList
	path     string
	pageSize uint32
	logger   zerolog.Logger

	metaMu           sync.Mutex
	meta             MetaRecord
	freeListOverflow uint64
	metaSlot         int

	writerMu   sync.Mutex
	writerCond *sync.Cond
	writerBusy bool

	readersMu sync.Mutex
	readers   map[TransactionId]int

	closed bool
}

// Open opens the database file at path, creating it (with an empty root
// leaf and an empty free list) if it does not already exist or is empty.
func Open(path string, opts Options) (*Database, error) {
	opts = opts.withDefaults()
	if err := validatePageSize(opts.PageSize); err != nil {
		return nil, err
	}

	pool, err := openPagePool(path, opts.PageSize, opts.MaxFiles)
	if err != nil {
		return nil, err
	}

	db := &Database{
		pool:    pool,
		path:    path,
		logger:  opts.Logger,
		readers: make(map[TransactionId]int),
	}
	db.writerCond = sync.NewCond(&db.writerMu)

	length, err := pool.fileLength()
	if err != nil {
		pool.Close()
		return nil, err
	}
	if length == 0 {
		if err := db.bootstrap(opts.PageSize); err != nil {
			pool.Close()
			return nil, err
		}
	} else if err := db.recoverMeta(opts.PageSize); err != nil {
		pool.Close()
		return nil, err
	}

	db.freeList = newFreeList()
	if db.meta.FreeListAddress != 0 {
		addrs, overflow, err := readFreeListAt(db.pool, db.pageSize, db.meta.FreeListAddress)
		if err != nil {
			pool.Close()
			return nil, err
		}
		db.freeList.load(addrs)
		db.freeListOverflow = overflow
	}

	db.logger.Info().
		Str("path", path).
		Uint32("page_size", db.pageSize).
		Uint64("last_tx_id", uint64(db.meta.LastTxId)).
		Msg("opened database")
	return db, nil
}

// bootstrap lays down the two initial meta records (tx 0 and tx 1)
// pointing at a freshly written empty root leaf and an empty free-list
// page.
func (db *Database) bootstrap(pageSize uint32) error {
	reserved := Address(2 * metaSlotSize)
	rootAddr := roundUpAddress(reserved, pageSize)
	flAddr := rootAddr + Address(pageSize)

	if err := db.pool.grow(int64(flAddr) + int64(pageSize)); err != nil {
		return err
	}
	if _, err := writeNodeAt(db.pool, pageSize, rootAddr, newLeafNode()); err != nil {
		return err
	}
	if _, err := writeFreeListAt(db.pool, pageSize, flAddr, nil); err != nil {
		return err
	}

	meta := MetaRecord{
		PageSize:         pageSize,
		RootAddress:      rootAddr,
		FreeListAddress:  flAddr,
		LastTxId:         1,
		EndOfFileAddress: flAddr + Address(pageSize),
	}
	meta0 := meta
	meta0.LastTxId = 0
	if err := db.pool.writeAt(0, encodeMetaRecord(meta0)); err != nil {
		return err
	}
	if err := db.pool.writeAt(Address(metaSlotSize), encodeMetaRecord(meta)); err != nil {
		return err
	}
	if err := db.pool.fsync(); err != nil {
		return err
	}

	db.pageSize = pageSize
	db.meta = meta
	db.metaSlot = 1
	return nil
}

// recoverMeta reads both meta slots and picks the valid one with the
// higher last_tx_id, the crash-recovery tie-break rule.
func (db *Database) recoverMeta(wantPageSize uint32) error {
	buf0 := make([]byte, metaSlotSize)
	if err := db.pool.readAt(0, buf0); err != nil {
		return err
	}
	buf1 := make([]byte, metaSlotSize)
	if err := db.pool.readAt(Address(metaSlotSize), buf1); err != nil {
		return err
	}
	m0, ok0 := decodeMetaRecord(buf0)
	m1, ok1 := decodeMetaRecord(buf1)

	var chosen MetaRecord
	var slot int
	switch {
	case ok0 && ok1:
		if m1.LastTxId > m0.LastTxId {
			chosen, slot = m1, 1
		} else {
			chosen, slot = m0, 0
		}
	case ok0:
		chosen, slot = m0, 0
	case ok1:
		chosen, slot = m1, 1
	default:
		db.logger.Error().Str("path", db.path).Msg("both meta slots failed CRC validation")
		return wrapErr(KindCorruption, "recoverMeta", ErrCorrupt)
	}
	if chosen.PageSize != wantPageSize {
		return wrapErr(KindInvalidArgument, "recoverMeta", ErrPageSizeMismatch)
	}
	db.pageSize = chosen.PageSize
	db.meta = chosen
	db.metaSlot = slot
	return nil
}

func roundUpAddress(a Address, pageSize uint32) Address {
	p := uint64(pageSize)
	v := uint64(a)
	if rem := v % p; rem != 0 {
		v += p - rem
	}
	return Address(v)
}

// BeginRead opens a new read-only snapshot transaction pinned to whichever
// meta record is currently active.
func (db *Database) BeginRead() (*ReadTx, error) {
	db.writerMu.Lock()
	closed := db.closed
	db.writerMu.Unlock()
	if closed {
		return nil, ErrDatabaseNotOpen
	}

	db.metaMu.Lock()
	meta := db.meta
	db.metaMu.Unlock()

	db.readersMu.Lock()
	db.readers[meta.LastTxId]++
	db.readersMu.Unlock()

	return &ReadTx{db: db, meta: meta}, nil
}

// BeginWrite blocks until the single writer token is available, then
// releases whatever pending-free pages are now reclaimable given the
// current reader set, and returns a new WriteTx rooted at the active
// meta.
func (db *Database) BeginWrite() (*WriteTx, error) {
	db.writerMu.Lock()
	if db.closed {
		db.writerMu.Unlock()
		return nil, ErrDatabaseNotOpen
	}
	for db.writerBusy {
		db.writerCond.Wait()
	}
	if db.closed {
		db.writerMu.Unlock()
		return nil, ErrDatabaseNotOpen
	}
	db.writerBusy = true
	db.writerMu.Unlock()

	db.metaMu.Lock()
	meta := db.meta
	db.metaMu.Unlock()

	minReader, maxReader, noReaders := db.readerRange()
	released := db.freeList.release(minReader, maxReader, noReaders)
	if len(released) > 0 {
		db.logger.Debug().Int("released_pages", len(released)).Msg("released reclaimable pages")
	}

	return &WriteTx{
		db:        db,
		txid:      meta.LastTxId + 1,
		pageSize:  db.pageSize,
		root:      persistentRef(meta.RootAddress),
		staging:   make(map[transientID]*node),
		endOfFile: meta.EndOfFileAddress,
	}, nil
}

func (db *Database) releaseWriter() {
	db.writerMu.Lock()
	db.writerBusy = false
	db.writerMu.Unlock()
	db.writerCond.Signal()
}

func (db *Database) releaseReader(txid TransactionId) {
	db.readersMu.Lock()
	if n := db.readers[txid]; n <= 1 {
		delete(db.readers, txid)
	} else {
		db.readers[txid] = n - 1
	}
	db.readersMu.Unlock()
}

// readerRange reports the lowest and highest transaction ids among
// currently open read snapshots, used by the free list's release rules.
func (db *Database) readerRange() (min, max TransactionId, noReaders bool) {
	db.readersMu.Lock()
	defer db.readersMu.Unlock()
	if len(db.readers) == 0 {
		return 0, 0, true
	}
	first := true
	for txid := range db.readers {
		if first {
			min, max = txid, txid
			first = false
			continue
		}
		if txid < min {
			min = txid
		}
		if txid > max {
			max = txid
		}
	}
	return min, max, false
}

func (db *Database) currentFileLength() (int64, error) {
	return db.pool.fileLength()
}

// Close releases the writer token's underlying resources and the page
// I/O pool, including the file lock. It is not safe to call while a
// WriteTx or ReadTx is still open.
func (db *Database) Close() error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.logger.Info().Str("path", db.path).Msg("closing database")
	return db.pool.Close()
}
