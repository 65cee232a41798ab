package leafdb

import "encoding/binary"

// Fixed-width big-endian integer helpers. All on-disk integers use a fixed
// width and big-endian byte order; these thin wrappers keep that choice in
// one place instead of scattering binary.BigEndian calls through the codec.

func putUint16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }
func getUint16(buf []byte) uint16    { return binary.BigEndian.Uint16(buf) }

func putUint32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }
func getUint32(buf []byte) uint32    { return binary.BigEndian.Uint32(buf) }

func putUint64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }
func getUint64(buf []byte) uint64    { return binary.BigEndian.Uint64(buf) }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
