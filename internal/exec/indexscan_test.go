package exec

import (
	"encoding/binary"
	"testing"

	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/btree"
)

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeU64(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) }

func TestIndexScanExactMatch(t *testing.T) {
	c := newTestCache(t)
	vis, err := btree.NewBoolTree[uint64](c, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("NewBoolTree: %v", err)
	}

	rows := []struct {
		c1, c2, c3 uint32
	}{
		{51, 11, 11},
		{2, 22, 15},
		{56, 33, 6},
		{3, 44, 11},
		{41, 55, 6},
	}
	idx, err := btree.New[uint64, uint64](c, btree.Uint64Codec{}, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("btree.New: %v", err)
	}
	c3col := newColumn(t, c, []uint32{11, 15, 6, 11, 6})
	for i, r := range rows {
		key := PackKey2(r.c1, r.c2)
		if err := idx.Insert(0, key, uint64(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		visible := i != 2 // tombstone row 2 (56,33,6)
		if err := vis.Insert(0, uint64(i), visible); err != nil {
			t.Fatalf("vis Insert: %v", err)
		}
	}

	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "c3", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sink := &collectBatches{desc: desc}
	key := PackKey2(2, 22)
	is := &IndexScan{
		Cache:        c,
		PrimaryIndex: idx,
		Visibility:   vis,
		From:         key,
		To:           key,
		OutputSrcs:   []ColumnSource{{BasePID: c3col, ValueSize: 4}},
		OutSchema:    desc,
		Proj:         func(rowID uint64, cols [][]byte, out []byte) { copy(out, cols[0]) },
	}
	is.setNext(sink)
	if err := is.Execute(0, 0, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := sink.rows()
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	if v := u32At(got[0], 0); v != 15 {
		t.Fatalf("c3 = %d, want 15", v)
	}
}

func TestIndexScanOfDeletedRowReturnsEmpty(t *testing.T) {
	c := newTestCache(t)
	vis, err := btree.NewBoolTree[uint64](c, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("NewBoolTree: %v", err)
	}
	idx, err := btree.New[uint64, uint64](c, btree.Uint64Codec{}, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("btree.New: %v", err)
	}
	c3col := newColumn(t, c, []uint32{11, 15, 6, 11, 6})
	rows := [][2]uint32{{51, 11}, {2, 22}, {56, 33}, {3, 44}, {41, 55}}
	for i, r := range rows {
		if err := idx.Insert(0, PackKey2(r[0], r[1]), uint64(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := vis.Insert(0, uint64(i), i != 2); err != nil {
			t.Fatalf("vis Insert: %v", err)
		}
	}
	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "c3", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sink := &collectBatches{desc: desc}
	key := PackKey2(56, 33)
	is := &IndexScan{
		Cache:        c,
		PrimaryIndex: idx,
		Visibility:   vis,
		From:         key,
		To:           key,
		OutputSrcs:   []ColumnSource{{BasePID: c3col, ValueSize: 4}},
		OutSchema:    desc,
		Proj:         func(rowID uint64, cols [][]byte, out []byte) { copy(out, cols[0]) },
	}
	is.setNext(sink)
	if err := is.Execute(0, 0, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := sink.rows(); len(got) != 0 {
		t.Fatalf("got %d rows, want 0", len(got))
	}
}

func TestIndexScanFullTableReturnsVisibleRowsInOrder(t *testing.T) {
	c := newTestCache(t)
	vis, err := btree.NewBoolTree[uint64](c, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("NewBoolTree: %v", err)
	}
	idx, err := btree.New[uint64, uint64](c, btree.Uint64Codec{}, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("btree.New: %v", err)
	}
	rows := [][2]uint32{{51, 11}, {2, 22}, {56, 33}, {3, 44}, {41, 55}}
	c3col := newColumn(t, c, []uint32{11, 15, 6, 11, 6})
	for i, r := range rows {
		if err := idx.Insert(0, PackKey2(r[0], r[1]), uint64(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := vis.Insert(0, uint64(i), i != 2); err != nil {
			t.Fatalf("vis Insert: %v", err)
		}
	}
	desc, err := batch.NewDescription(
		batch.ColumnSpec{Name: "rowid", Type: batch.TypeUint64},
		batch.ColumnSpec{Name: "c3", Type: batch.TypeUint32},
	)
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sink := &collectBatches{desc: desc}
	is := &IndexScan{
		Cache:        c,
		PrimaryIndex: idx,
		Visibility:   vis,
		From:         0,
		To:           ^uint64(0),
		OutputSrcs:   []ColumnSource{{BasePID: c3col, ValueSize: 4}},
		OutSchema:    desc,
		Proj: func(rowID uint64, cols [][]byte, out []byte) {
			rowOff, _, _ := desc.Find("rowid")
			c3Off, _, _ := desc.Find("c3")
			copy(out[rowOff:], encodeU64(rowID))
			copy(out[c3Off:], cols[0])
		},
	}
	is.setNext(sink)
	if err := is.Execute(0, 0, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := sink.rows()
	if len(got) != 4 {
		t.Fatalf("got %d rows, want 4", len(got))
	}
	// Range walks leaves in ascending key order, i.e. ascending (c1, c2),
	// not ascending rowid: sorted by c1 the visible rows are
	// (2,22)->1, (3,44)->3, (41,55)->4, (51,11)->0; (56,33)->2 is
	// tombstoned and excluded.
	wantOrder := []uint64{1, 3, 4, 0}
	rowOff, _, _ := desc.Find("rowid")
	for i, row := range got {
		if rid := decodeU64(row[rowOff:]); rid != wantOrder[i] {
			t.Fatalf("row %d rowid = %d, want %d", i, rid, wantOrder[i])
		}
	}
}
