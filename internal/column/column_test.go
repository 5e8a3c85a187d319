package column

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

func newTestCache(t *testing.T) *vmcache.VMCache {
	t.Helper()
	c, err := vmcache.Open(vmcache.Config{BackingFile: filepath.Join(t.TempDir(), "column.db"), VirtualPages: 4096, MaxResidentPages: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newBasePage(t *testing.T, c *vmcache.VMCache) vmcache.PageID {
	t.Helper()
	guard, err := vmcache.NewAllocGuard(c, 0)
	if err != nil {
		t.Fatalf("NewAllocGuard: %v", err)
	}
	InitBasePage(guard.Data())
	guard.MarkDirty()
	pid := guard.PageID()
	guard.Release()
	return pid
}

func TestAppendAndIterateSinglePage(t *testing.T) {
	c := newTestCache(t)
	base := newBasePage(t, c)

	const n = 100
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(i*2))
	}
	if err := AppendValues(c, 0, base, 0, 4, buf, n); err != nil {
		t.Fatalf("AppendValues: %v", err)
	}

	it, err := New(c, 0, base, 4, 0)
	if err != nil {
		t.Fatalf("New iterator: %v", err)
	}
	defer it.Release()
	for i := 0; i < n; i++ {
		got := binary.LittleEndian.Uint32(it.Value())
		if got != uint32(i*2) {
			t.Fatalf("row %d = %d, want %d", i, got, i*2)
		}
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
}

func TestAppendSpansMultipleDataPages(t *testing.T) {
	c := newTestCache(t)
	base := newBasePage(t, c)

	perPage := ValuesPerPage(4)
	n := perPage*2 + 17 // force at least 3 data pages
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(i))
	}
	if err := AppendValues(c, 0, base, 0, 4, buf, n); err != nil {
		t.Fatalf("AppendValues: %v", err)
	}

	it, err := New(c, 0, base, 4, 0)
	if err != nil {
		t.Fatalf("New iterator: %v", err)
	}
	defer it.Release()
	for i := 0; i < n; i++ {
		got := binary.LittleEndian.Uint32(it.Value())
		if got != uint32(i) {
			t.Fatalf("row %d = %d, want %d", i, got, i)
		}
		if i < n-1 {
			if err := it.Next(); err != nil {
				t.Fatalf("Next at %d: %v", i, err)
			}
		}
	}
}

func TestAppendSpansMultipleBasePages(t *testing.T) {
	c := newTestCache(t)
	base := newBasePage(t, c)

	perPage := ValuesPerPage(8)
	basepageCap := Capacity()
	n := perPage*(basepageCap+3) + 5 // force chaining past one basepage
	buf := make([]byte, n*8)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(i))
	}
	if err := AppendValues(c, 0, base, 0, 8, buf, n); err != nil {
		t.Fatalf("AppendValues: %v", err)
	}

	it, err := New(c, 0, base, 8, n-1)
	if err != nil {
		t.Fatalf("New iterator at last row: %v", err)
	}
	got := binary.LittleEndian.Uint64(it.Value())
	if got != uint64(n-1) {
		t.Fatalf("last row = %d, want %d", got, n-1)
	}
	it.Release()

	if err := it.Reposition(0); err != nil {
		t.Fatalf("Reposition(0): %v", err)
	}
	got = binary.LittleEndian.Uint64(it.Value())
	if got != 0 {
		t.Fatalf("row 0 = %d, want 0", got)
	}
}

func TestAppendExtendsAcrossCalls(t *testing.T) {
	c := newTestCache(t)
	base := newBasePage(t, c)

	perPage := ValuesPerPage(4)
	first := perPage - 3
	buf1 := make([]byte, first*4)
	for i := 0; i < first; i++ {
		binary.LittleEndian.PutUint32(buf1[i*4:], uint32(i))
	}
	if err := AppendValues(c, 0, base, 0, 4, buf1, first); err != nil {
		t.Fatalf("AppendValues 1: %v", err)
	}

	second := 10
	buf2 := make([]byte, second*4)
	for i := 0; i < second; i++ {
		binary.LittleEndian.PutUint32(buf2[i*4:], uint32(first+i))
	}
	if err := AppendValues(c, 0, base, uint64(first), 4, buf2, second); err != nil {
		t.Fatalf("AppendValues 2: %v", err)
	}

	it, err := New(c, 0, base, 4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer it.Release()
	total := first + second
	for i := 0; i < total; i++ {
		got := binary.LittleEndian.Uint32(it.Value())
		if got != uint32(i) {
			t.Fatalf("row %d = %d, want %d", i, got, i)
		}
		if i < total-1 {
			it.Next()
		}
	}
}
