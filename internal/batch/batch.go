// Package batch implements the transient, worker-local row buffer of
// spec §3/§4.5: a fixed-capacity set of rows backed by one temporary page,
// a validity bitmap, and a named/typed schema description operators use to
// locate columns by name.
package batch

import (
	"fmt"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// ColumnType names the wire type of a batch column; only fixed-width types
// are representable, matching the B+-tree's Codec and the column store's
// fixed-size data pages.
type ColumnType int

const (
	TypeUint32 ColumnType = iota
	TypeUint64
	TypeInt64
	TypeFloat64
	TypeBool
)

// Size returns the on-the-wire byte width of t.
func (t ColumnType) Size() int {
	switch t {
	case TypeUint32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	case TypeBool:
		return 1
	default:
		panic(fmt.Sprintf("batch: unknown column type %d", t))
	}
}

// NamedColumn is one entry of a Description: a unique name, byte offset
// within a row, and wire type.
type NamedColumn struct {
	Name   string
	Offset int
	Type   ColumnType
}

// Description is an ordered list of named, typed columns — the schema a
// Batch's rows are laid out against. Names are unique within a Description.
type Description struct {
	Columns []NamedColumn
	RowSize int
}

// ColumnSpec names one column's type for NewDescription; offsets are
// assigned automatically in argument order.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// NewDescription builds a Description from (name, type) pairs in order,
// assigning each column the next free byte offset.
func NewDescription(cols ...ColumnSpec) (*Description, error) {
	d := &Description{}
	seen := make(map[string]bool, len(cols))
	off := 0
	for _, c := range cols {
		if seen[c.Name] {
			return nil, fmt.Errorf("batch: duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		d.Columns = append(d.Columns, NamedColumn{Name: c.Name, Offset: off, Type: c.Type})
		off += c.Type.Size()
	}
	d.RowSize = off
	return d, nil
}

// Find returns the offset and type of the named column, or ok=false.
func (d *Description) Find(name string) (offset int, typ ColumnType, ok bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c.Offset, c.Type, true
		}
	}
	return 0, 0, false
}

// Batch is a fixed-capacity row buffer allocated from one temporary page,
// with a validity bitmap alongside the row data (spec §3 "Batch"). It is
// produced inside a morsel, pushed downstream by reference, and destroyed
// when the last referrer drops it (its page returns to the temp pool) —
// here that lifecycle is made explicit via Release and a refcount.
type Batch struct {
	desc        *Description
	cache       *vmcache.VMCache
	pid         vmcache.PageID
	data        []byte
	rowSize     int
	maxSize     int
	currentSize int
	validBits   int // number of set validity bits, for IsDense
	refs        *int32
}

// bitmapBytes returns how many bytes the validity bitmap needs for maxSize
// rows, matching the `validity_bitmap[max_size/8]` layout of spec §3.
func bitmapBytes(maxSize int) int {
	return (maxSize + 7) / 8
}

// maxSizeFor computes floor(8*PAGE_SIZE / (rowSize*8 + 1)), the exact
// formula of spec §3's Batch so the validity bitmap and row data both fit
// in one page.
func maxSizeFor(rowSize int) int {
	return (8 * vmcache.PageSize) / (rowSize*8 + 1)
}

// New allocates a fresh, empty batch from a temporary page sized for desc's
// row layout.
func New(cache *vmcache.VMCache, workerID int, desc *Description) (*Batch, error) {
	if desc.RowSize == 0 {
		return nil, fmt.Errorf("batch: description has zero row size")
	}
	pid, data, err := cache.AllocateTemporaryPage(workerID)
	if err != nil {
		return nil, fmt.Errorf("batch: allocating temp page: %w", err)
	}
	maxSize := maxSizeFor(desc.RowSize)
	clear(data[:bitmapBytes(maxSize)])
	refs := int32(1)
	return &Batch{
		desc:    desc,
		cache:   cache,
		pid:     pid,
		data:    data,
		rowSize: desc.RowSize,
		maxSize: maxSize,
		refs:    &refs,
	}, nil
}

func (b *Batch) bitmap() []byte { return b.data[:bitmapBytes(b.maxSize)] }
func (b *Batch) rowsOff() int { return bitmapBytes(b.maxSize) }
func (b *Batch) Description() *Description { return b.desc }
func (b *Batch) MaxSize() int { return b.maxSize }
func (b *Batch) CurrentSize() int { return b.currentSize }
func (b *Batch) RowSize() int { return b.rowSize }

// IsRowValid reports whether row i's validity bit is set.
func (b *Batch) IsRowValid(i int) bool {
	bm := b.bitmap()
	return bm[i/8]&(1<<uint(i%8)) != 0
}

func (b *Batch) setValid(i int, v bool) {
	bm := b.bitmap()
	if v {
		bm[i/8] |= 1 << uint(i%8)
	} else {
		bm[i/8] &^= 1 << uint(i%8)
	}
}

// GetRow returns a slice over row i's raw bytes.
func (b *Batch) GetRow(i int) []byte {
	off := b.rowsOff() + i*b.rowSize
	return b.data[off : off+b.rowSize]
}

// AddRowIfPossible appends a new row at CurrentSize, marks it valid, and
// returns its index and a writable slice, or ok=false if the batch is full.
func (b *Batch) AddRowIfPossible() (index int, row []byte, ok bool) {
	if b.currentSize >= b.maxSize {
		return 0, nil, false
	}
	i := b.currentSize
	b.currentSize++
	b.setValid(i, true)
	b.validBits++
	return i, b.GetRow(i), true
}

// MarkInvalid clears row i's validity bit — used by filter/join operators
// that produce sparse batches.
func (b *Batch) MarkInvalid(i int) {
	if b.IsRowValid(i) {
		b.setValid(i, false)
		b.validBits--
	}
}

// ValidCount returns the number of rows currently marked valid.
func (b *Batch) ValidCount() int { return b.validBits }

// IsDense reports whether no row in [0, CurrentSize()) has been marked
// invalid, i.e. the valid rows are exactly rows 0..CurrentSize()-1 — the
// precondition scan-style operators guarantee and that begin/end-style
// iteration over a batch requires (spec §4.5).
func (b *Batch) IsDense() bool {
	return b.validBits == b.currentSize
}

// IsFull reports whether the batch has no room for another row.
func (b *Batch) IsFull() bool { return b.currentSize >= b.maxSize }

// Retain increments the batch's reference count — called by a sink that
// keeps the batch alive beyond the morsel that produced it.
func (b *Batch) Retain() *Batch {
	*b.refs++
	return b
}

// Release decrements the reference count; when it reaches zero the
// underlying temporary page is returned to the cache's temp pool.
func (b *Batch) Release(workerID int) {
	*b.refs--
	if *b.refs <= 0 {
		b.cache.DropTemporaryPage(b.pid)
	}
}

// RefCount reports the current reference count, for "is this batch still
// referenced upstream" checks before a producer considers reusing it.
func (b *Batch) RefCount() int32 { return *b.refs }
