package leafdb

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// pagePool is the page I/O pool: a bounded pool of duplicated file
// descriptors used for positional writes and cold reads, backed by a
// read-only mmap of the whole file for the common case of reading a
// persistent page. It is the only component that performs OS-level I/O
// against the data file; everything else goes through it.
type pagePool struct {
	path     string
	pageSize uint32
	maxFiles uint16

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*os.File
	numOpen uint16
	primary *os.File
	locked  bool

	mapMu sync.RWMutex
	view  mmap.MMap
	mapLen int64
}

func openPagePool(path string, pageSize uint32, maxFiles uint16) (*pagePool, error) {
	primary, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(KindIO, "openPagePool", err)
	}
	p := &pagePool{path: path, pageSize: pageSize, maxFiles: maxFiles, primary: primary}
	p.cond = sync.NewCond(&p.mu)
	if err := lockFile(primary); err != nil {
		primary.Close()
		return nil, wrapErr(KindIO, "openPagePool", fmt.Errorf("database is locked by another process: %w", err))
	}
	p.locked = true
	info, err := primary.Stat()
	if err != nil {
		p.Close()
		return nil, wrapErr(KindIO, "openPagePool", err)
	}
	if info.Size() > 0 {
		if err := p.remap(info.Size()); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// acquire returns an idle duplicated handle, opening a fresh one up to
// maxFiles, blocking on the pool's condition variable otherwise (spec
// section 4.2 / 5: "blocks on a condition variable if no handle is free
// and the cap is reached").
func (p *pagePool) acquire() (*os.File, error) {
	p.mu.Lock()
	for {
		if n := len(p.idle); n > 0 {
			f := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return f, nil
		}
		if p.numOpen < p.maxFiles {
			p.numOpen++
			p.mu.Unlock()
			f, err := os.OpenFile(p.path, os.O_RDWR, 0o644)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				return nil, wrapErr(KindIO, "acquire", err)
			}
			return f, nil
		}
		p.cond.Wait()
	}
}

func (p *pagePool) release(f *os.File) {
	p.mu.Lock()
	p.idle = append(p.idle, f)
	p.mu.Unlock()
	p.cond.Signal()
}

// readAt reads len(buf) bytes at the absolute address addr, preferring the
// read-only mmap view when it already covers the range.
func (p *pagePool) readAt(addr Address, buf []byte) error {
	p.mapMu.RLock()
	if p.view != nil && int64(addr)+int64(len(buf)) <= p.mapLen {
		copy(buf, p.view[addr:int64(addr)+int64(len(buf))])
		p.mapMu.RUnlock()
		return nil
	}
	p.mapMu.RUnlock()

	f, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release(f)
	_, err = f.ReadAt(buf, int64(addr))
	if err != nil {
		return wrapErr(KindIO, "readAt", err)
	}
	return nil
}

// writeAt issues a positional write at the absolute address addr. Writes
// always go through a pooled file descriptor, never the mmap view, since
// the view is read-only.
func (p *pagePool) writeAt(addr Address, buf []byte) error {
	f, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release(f)
	if _, err := f.WriteAt(buf, int64(addr)); err != nil {
		return wrapErr(KindIO, "writeAt", err)
	}
	return nil
}

// fsync durably flushes the data file; required for crash consistency
// before a new meta record can be trusted.
func (p *pagePool) fsync() error {
	f, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release(f)
	if err := fdatasync(f); err != nil {
		return wrapErr(KindIO, "fsync", err)
	}
	return nil
}

// grow extends the file to at least requiredLength bytes and remaps the
// read-only view over the new length.
func (p *pagePool) grow(requiredLength int64) error {
	f, err := p.acquire()
	if err != nil {
		return err
	}
	err = f.Truncate(requiredLength)
	p.release(f)
	if err != nil {
		return wrapErr(KindIO, "grow", err)
	}
	return p.remap(requiredLength)
}

// fileLength returns the data file's current size.
func (p *pagePool) fileLength() (int64, error) {
	p.mapMu.RLock()
	defer p.mapMu.RUnlock()
	info, err := p.primary.Stat()
	if err != nil {
		return 0, wrapErr(KindIO, "fileLength", err)
	}
	return info.Size(), nil
}

func (p *pagePool) remap(length int64) error {
	p.mapMu.Lock()
	defer p.mapMu.Unlock()
	if p.view != nil {
		if err := p.view.Unmap(); err != nil {
			return wrapErr(KindIO, "remap", err)
		}
		p.view = nil
	}
	if length == 0 {
		p.mapLen = 0
		return nil
	}
	v, err := mmap.MapRegion(p.primary, int(length), mmap.RDONLY, 0, 0)
	if err != nil {
		return wrapErr(KindIO, "remap", err)
	}
	p.view = v
	p.mapLen = length
	return nil
}

func (p *pagePool) Close() error {
	p.mapMu.Lock()
	if p.view != nil {
		p.view.Unmap()
		p.view = nil
	}
	p.mapMu.Unlock()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, f := range idle {
		f.Close()
	}
	if p.locked {
		unlockFile(p.primary)
	}
	return p.primary.Close()
}
