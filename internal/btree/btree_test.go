package btree

import (
	"testing"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

func newTestCache(t *testing.T) *vmcache.VMCache {
	t.Helper()
	c, err := vmcache.Open(vmcache.Config{VirtualPages: 4096, MaxResidentPages: 256})
	if err != nil {
		t.Fatalf("vmcache.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInsertLookupRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	tree, err := New[uint64, uint64](cache, Uint64Codec{}, Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := map[uint64]uint64{}
	for i := uint64(0); i < 2000; i++ {
		v := i * 7
		if err := tree.Insert(0, i, v); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		want[i] = v
	}

	for k, v := range want {
		got, found, err := tree.Lookup(0, k)
		if err != nil {
			t.Fatalf("Lookup(%d): %v", k, err)
		}
		if !found || got != v {
			t.Fatalf("Lookup(%d) = (%d, %v), want (%d, true)", k, got, found, v)
		}
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	cache := newTestCache(t)
	tree, err := New[uint64, uint64](cache, Uint64Codec{}, Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tree.Insert(0, 1, 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(0, 1, 20); err != ErrKeyExists {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}

func TestInsertNextIsDense(t *testing.T) {
	cache := newTestCache(t)
	tree, err := New[uint64, uint64](cache, Uint64Codec{}, Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := uint64(0); i < 500; i++ {
		key, err := tree.InsertNext(0, i*3)
		if err != nil {
			t.Fatalf("InsertNext: %v", err)
		}
		if key != i {
			t.Fatalf("InsertNext assigned key %d, want dense %d", key, i)
		}
	}
}

func TestEachIsOrdered(t *testing.T) {
	cache := newTestCache(t)
	tree, err := New[uint64, uint64](cache, Uint64Codec{}, Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keys := []uint64{50, 10, 30, 20, 40}
	for _, k := range keys {
		if err := tree.Insert(0, k, k); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	var seen []uint64
	if err := tree.Each(0, func(k, v uint64) bool {
		seen = append(seen, k)
		return true
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	want := []uint64{10, 20, 30, 40, 50}
	if len(seen) != len(want) {
		t.Fatalf("Each visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Each visited %v, want %v", seen, want)
		}
	}
}

func TestRemove(t *testing.T) {
	cache := newTestCache(t)
	tree, err := New[uint64, uint64](cache, Uint64Codec{}, Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := uint64(0); i < 10; i++ {
		tree.Insert(0, i, i)
	}
	ok, err := tree.Remove(0, 5)
	if err != nil || !ok {
		t.Fatalf("Remove(5) = (%v, %v)", ok, err)
	}
	if _, found, _ := tree.Lookup(0, 5); found {
		t.Fatalf("key 5 still present after Remove")
	}
	ok, err = tree.Remove(0, 5)
	if err != nil || ok {
		t.Fatalf("second Remove(5) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestLastReturnsGreatestKey(t *testing.T) {
	cache := newTestCache(t)
	tree, err := New[uint64, uint64](cache, Uint64Codec{}, Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, found, err := tree.Last(0); err != nil || found {
		t.Fatalf("Last on empty tree = (_, %v, %v), want (_, false, nil)", found, err)
	}

	keys := []uint64{50, 10, 900, 30, 400}
	for _, k := range keys {
		if err := tree.Insert(0, k, k*2); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}
	k, v, found, err := tree.Last(0)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if !found || k != 900 || v != 1800 {
		t.Fatalf("Last = (%d, %d, %v), want (900, 1800, true)", k, v, found)
	}
}

func TestCardinalityMatchesInsertCount(t *testing.T) {
	cache := newTestCache(t)
	tree, err := New[uint64, uint64](cache, Uint64Codec{}, Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := uint64(0); i < 3000; i++ {
		if err := tree.Insert(0, i, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	n, err := tree.Cardinality(0)
	if err != nil {
		t.Fatalf("Cardinality: %v", err)
	}
	if n != 3000 {
		t.Fatalf("Cardinality = %d, want 3000", n)
	}
}
