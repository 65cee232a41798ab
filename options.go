package leafdb

import (
	"reflect"

	"github.com/rs/zerolog"
)

// minPageSize is the smallest page size leafdb accepts; pages must also be a
// multiple of it.
const minPageSize = 128

// metaSlotSize is the fixed size of each of the two meta slots at the head
// of the file, independent of the configured page size.
const metaSlotSize = 1024

// defaultPageSize is used when Options.PageSize is left at zero.
const defaultPageSize = 4096

// defaultMaxFiles bounds the page I/O pool when Options.MaxFiles is zero.
const defaultMaxFiles = 16

// Options controls how a Database is opened. It is a fixed record handed
// to Open; leafdb does not load configuration from any external source.
type Options struct {
	// MaxFiles bounds the page I/O pool's duplicated file descriptors.
	MaxFiles uint16
	// PageSize is the on-disk page size in bytes. Must be >= minPageSize
	// and a multiple of 128. When opening an existing file it must equal
	// the stored page size; a mismatch is an InvalidArgument error.
	PageSize uint32
	// CacheSize is advisory; Open does not read it and it has no effect on
	// engine behavior.
	CacheSize uint64
	// Logger receives structured diagnostics for lifecycle events. The
	// zero value is replaced with zerolog's no-op logger, so Options{} is
	// silent.
	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxFiles == 0 {
		o.MaxFiles = defaultMaxFiles
	}
	if o.PageSize == 0 {
		o.PageSize = defaultPageSize
	}
	if reflect.DeepEqual(o.Logger, zerolog.Logger{}) {
		o.Logger = zerolog.Nop()
	}
	return o
}

func validatePageSize(pageSize uint32) error {
	if pageSize < minPageSize {
		return wrapErr(KindInvalidArgument, "validatePageSize", ErrInvalidPageSize)
	}
	if pageSize%128 != 0 {
		return wrapErr(KindInvalidArgument, "validatePageSize", ErrInvalidPageSize)
	}
	return nil
}
