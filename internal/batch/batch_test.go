package batch

import (
	"encoding/binary"
	"testing"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

func newTestCache(t *testing.T) *vmcache.VMCache {
	t.Helper()
	c, err := vmcache.Open(vmcache.Config{VirtualPages: 256, MaxResidentPages: 64})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testDescription(t *testing.T) *Description {
	t.Helper()
	d, err := NewDescription(
		ColumnSpec{Name: "a", Type: TypeUint32},
		ColumnSpec{Name: "b", Type: TypeUint64},
	)
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	return d
}

func TestDescriptionFind(t *testing.T) {
	d := testDescription(t)
	off, typ, ok := d.Find("b")
	if !ok || off != 4 || typ != TypeUint64 {
		t.Fatalf("Find(b) = %d, %v, %v", off, typ, ok)
	}
	if _, _, ok := d.Find("missing"); ok {
		t.Fatalf("Find(missing) should not be found")
	}
	if d.RowSize != 12 {
		t.Fatalf("RowSize = %d, want 12", d.RowSize)
	}
}

func TestBatchAppendAndDense(t *testing.T) {
	c := newTestCache(t)
	d := testDescription(t)
	b, err := New(c, 0, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Release(0)

	for i := 0; i < 10; i++ {
		idx, row, ok := b.AddRowIfPossible()
		if !ok {
			t.Fatalf("AddRowIfPossible failed at row %d", i)
		}
		if idx != i {
			t.Fatalf("row index = %d, want %d", idx, i)
		}
		binary.LittleEndian.PutUint32(row[0:], uint32(i))
		binary.LittleEndian.PutUint64(row[4:], uint64(i*10))
	}
	if !b.IsDense() {
		t.Fatalf("batch should be dense after only appends")
	}
	if b.ValidCount() != 10 {
		t.Fatalf("ValidCount = %d, want 10", b.ValidCount())
	}
	for i := 0; i < 10; i++ {
		row := b.GetRow(i)
		if got := binary.LittleEndian.Uint32(row[0:]); got != uint32(i) {
			t.Fatalf("row %d col a = %d, want %d", i, got, i)
		}
		if got := binary.LittleEndian.Uint64(row[4:]); got != uint64(i*10) {
			t.Fatalf("row %d col b = %d, want %d", i, got, i*10)
		}
	}
}

func TestBatchMarkInvalidBreaksDensity(t *testing.T) {
	c := newTestCache(t)
	d := testDescription(t)
	b, err := New(c, 0, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Release(0)

	for i := 0; i < 5; i++ {
		b.AddRowIfPossible()
	}
	b.MarkInvalid(2)
	if b.IsDense() {
		t.Fatalf("batch should not be dense after MarkInvalid")
	}
	if b.IsRowValid(2) {
		t.Fatalf("row 2 should be invalid")
	}
	if b.ValidCount() != 4 {
		t.Fatalf("ValidCount = %d, want 4", b.ValidCount())
	}
}

func TestBatchFillsToMaxSize(t *testing.T) {
	c := newTestCache(t)
	d := testDescription(t)
	b, err := New(c, 0, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Release(0)

	n := 0
	for {
		if _, _, ok := b.AddRowIfPossible(); !ok {
			break
		}
		n++
		if n > b.MaxSize()+1 {
			t.Fatalf("AddRowIfPossible never reported full")
		}
	}
	if n != b.MaxSize() {
		t.Fatalf("appended %d rows, want MaxSize=%d", n, b.MaxSize())
	}
	if !b.IsFull() {
		t.Fatalf("batch should be full")
	}
}

func TestBatchRefCounting(t *testing.T) {
	c := newTestCache(t)
	d := testDescription(t)
	b, err := New(c, 0, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Retain()
	if b.RefCount() != 2 {
		t.Fatalf("RefCount = %d, want 2", b.RefCount())
	}
	b.Release(0)
	if b.RefCount() != 1 {
		t.Fatalf("RefCount = %d, want 1", b.RefCount())
	}
	b.Release(0)
	if b.RefCount() != 0 {
		t.Fatalf("RefCount = %d, want 0", b.RefCount())
	}
}
