package exec

import (
	"testing"

	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/btree"
	"github.com/dbis-ilm/morselstore/internal/column"
)

func TestIndexUpdateIncrementsVisibleRowsAndSkipsDeleted(t *testing.T) {
	c := newTestCache(t)
	vis, err := btree.NewBoolTree[uint64](c, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("NewBoolTree: %v", err)
	}
	idx, err := btree.New[uint64, uint64](c, btree.Uint64Codec{}, btree.Uint64Codec{}, 0)
	if err != nil {
		t.Fatalf("btree.New: %v", err)
	}

	valCol := newColumn(t, c, []uint32{100, 200, 300})
	rows := [][2]uint32{{1, 1}, {2, 2}, {3, 3}}
	for i, r := range rows {
		if err := idx.Insert(0, PackKey2(r[0], r[1]), uint64(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := vis.Insert(0, uint64(i), i != 1); err != nil { // tombstone row 1
			t.Fatalf("vis Insert: %v", err)
		}
	}

	outDesc, err := batch.NewDescription(batch.ColumnSpec{Name: "v", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sink := &collectBatches{desc: outDesc}
	iu := &IndexUpdate{
		Cache:        c,
		PrimaryIndex: idx,
		Visibility:   vis,
		From:         0,
		To:           ^uint64(0),
		UpdateSrcs:   []ColumnSource{{BasePID: valCol, ValueSize: 4}},
		OutSchema:    outDesc,
		Update: func(rowID uint64, cols [][]byte) {
			v := u32At(cols[0], 0)
			copy(cols[0], u32Bytes(v+1))
		},
		Proj: func(rowID uint64, cols [][]byte, out []byte) { copy(out, cols[0]) },
	}
	iu.setNext(sink)
	if err := iu.Execute(0, 0, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := sink.rows()
	if len(got) != 2 {
		t.Fatalf("got %d updated rows, want 2 (row 1 is tombstoned)", len(got))
	}
	want := []uint32{101, 301}
	for i, row := range got {
		if v := u32At(row, 0); v != want[i] {
			t.Fatalf("updated row %d = %d, want %d", i, v, want[i])
		}
	}

	helper := column.NewHelper(c)
	for i, expect := range []uint32{101, 200, 301} {
		g, slice, err := helper.ExclusiveValue(0, valCol, 4, i)
		if err != nil {
			t.Fatalf("ExclusiveValue(%d): %v", i, err)
		}
		if v := u32At(slice, 0); v != expect {
			t.Fatalf("column row %d = %d, want %d", i, v, expect)
		}
		g.Release()
	}
}
