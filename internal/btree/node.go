// Package btree implements a generic, persistent B+-tree over vmcache
// pages: optimistic latch-coupling descent, pessimistic exclusive leaf
// mutation, and root-growth-in-place splitting. Keys must be unique.
package btree

import (
	"cmp"
	"encoding/binary"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// Codec encodes/decodes a fixed-width value to/from a byte slice. Node
// capacity is derived from Size(), the same way the original prototype's
// templates derive capacity from sizeof(KeyType)/sizeof(ValueType) — this
// project uses explicit little-endian codecs rather than reinterpreting raw memory,
// since Go has no direct analog to a C++ template's compile-time layout.
type Codec[T any] interface {
	Size() int
	Encode(buf []byte, v T)
	Decode(buf []byte) T
}

// Uint64Codec is the Codec for uint64 keys/values (RowIDs, PageIDs stored as
// values, dense integer keys).
type Uint64Codec struct{}

func (Uint64Codec) Size() int                   { return 8 }
func (Uint64Codec) Encode(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func (Uint64Codec) Decode(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

// Int64Codec is the Codec for int64 keys/values.
type Int64Codec struct{}

func (Int64Codec) Size() int                  { return 8 }
func (Int64Codec) Encode(buf []byte, v int64) { binary.LittleEndian.PutUint64(buf, uint64(v)) }
func (Int64Codec) Decode(buf []byte) int64    { return int64(binary.LittleEndian.Uint64(buf)) }

// FixedStringCodec encodes strings into a fixed-width, NUL-padded field —
// the B+-tree requires fixed-width keys/values, so variable-length strings
// must be truncated/padded to Width bytes by the caller's schema.
type FixedStringCodec struct{ Width int }

func (c FixedStringCodec) Size() int { return c.Width }

func (c FixedStringCodec) Encode(buf []byte, v string) {
	clear(buf[:c.Width])
	copy(buf[:c.Width], v)
}

func (c FixedStringCodec) Decode(buf []byte) string {
	n := 0
	for n < c.Width && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

const (
	nodeHeaderSize = 8 // nKeys uint32 + level uint32
	pageIDSize     = 8
)

func readHeader(buf []byte) (nKeys, level uint32) {
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

func writeHeader(buf []byte, nKeys, level uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], nKeys)
	binary.LittleEndian.PutUint32(buf[4:8], level)
}

// ── Inner node layout: header | children[capacity+1] (PageID) | keys[capacity] ──

func innerCapacity(keySize int) int {
	return (vmcache.PageSize - nodeHeaderSize - pageIDSize) / (keySize + pageIDSize)
}

func innerChild(buf []byte, i int) vmcache.PageID {
	off := nodeHeaderSize + i*pageIDSize
	return vmcache.PageID(binary.LittleEndian.Uint64(buf[off:]))
}

func setInnerChild(buf []byte, i int, pid vmcache.PageID) {
	off := nodeHeaderSize + i*pageIDSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(pid))
}

func innerKeysOffset(capacity int) int {
	return nodeHeaderSize + (capacity+1)*pageIDSize
}

// ── Leaf node layout: header | next (PageID) | keys[capacity] | values[capacity] ──

func leafCapacity(keySize, valSize int) int {
	return (vmcache.PageSize - nodeHeaderSize - pageIDSize) / (keySize + valSize)
}

func leafNext(buf []byte) vmcache.PageID {
	return vmcache.PageID(binary.LittleEndian.Uint64(buf[nodeHeaderSize:]))
}

func setLeafNext(buf []byte, pid vmcache.PageID) {
	binary.LittleEndian.PutUint64(buf[nodeHeaderSize:], uint64(pid))
}

func leafKeysOffset() int {
	return nodeHeaderSize + pageIDSize
}

func leafValuesOffset(capacity, keySize int) int {
	return leafKeysOffset() + capacity*keySize
}

// lowerBound returns the index of the first element >= key, or n if none,
// matching the prototype's binary-search helper used for both inner-node
// routing and leaf-node key search.
func lowerBound[K cmp.Ordered](read func(i int) K, n int, key K) int {
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		k := read(mid)
		switch {
		case k == key:
			return mid
		case k > key:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo
}
