package exec

import (
	"testing"

	"github.com/dbis-ilm/morselstore/internal/batch"
)

func TestScanProjectsAllRows(t *testing.T) {
	c := newTestCache(t)
	col := newColumn(t, c, []uint32{10, 20, 30, 40, 50})

	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "v", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sink := &collectBatches{desc: desc}
	s := &Scan{
		Cache:     c,
		Sources:   []ColumnSource{{BasePID: col, ValueSize: 4}},
		NumRows:   5,
		OutSchema: desc,
		Proj: func(rowID uint64, cols [][]byte, out []byte) {
			copy(out, cols[0])
		},
	}
	s.setNext(sink)

	if s.InputSize() != 5 {
		t.Fatalf("InputSize() = %d, want 5", s.InputSize())
	}
	if err := s.Execute(0, 5, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rows := sink.rows()
	if len(rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(rows))
	}
	want := []uint32{10, 20, 30, 40, 50}
	for i, row := range rows {
		if got := u32At(row, 0); got != want[i] {
			t.Fatalf("row %d = %d, want %d", i, got, want[i])
		}
	}
}

func TestScanFlushesAcrossMultipleBatches(t *testing.T) {
	c := newTestCache(t)
	const n = 5000
	values := make([]uint32, n)
	for i := range values {
		values[i] = uint32(i)
	}
	col := newColumn(t, c, values)

	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "v", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sink := &collectBatches{desc: desc}
	s := &Scan{
		Cache:     c,
		Sources:   []ColumnSource{{BasePID: col, ValueSize: 4}},
		NumRows:   n,
		OutSchema: desc,
		Proj:      func(rowID uint64, cols [][]byte, out []byte) { copy(out, cols[0]) },
	}
	s.setNext(sink)
	if err := s.Execute(0, n, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sink.batches) < 2 {
		t.Fatalf("expected Scan to flush multiple batches for %d rows, got %d batches", n, len(sink.batches))
	}
	rows := sink.rows()
	if len(rows) != n {
		t.Fatalf("got %d rows, want %d", len(rows), n)
	}
	for i, row := range rows {
		if got := u32At(row, 0); got != uint32(i) {
			t.Fatalf("row %d = %d, want %d", i, got, i)
		}
	}
}

func TestFilteringScanOnlyEmitsMatches(t *testing.T) {
	c := newTestCache(t)
	filterCol := newColumn(t, c, []uint32{1, 0, 1, 0, 1})
	outCol := newColumn(t, c, []uint32{100, 200, 300, 400, 500})

	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "v", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sink := &collectBatches{desc: desc}
	fs := &FilteringScan{
		Cache:      c,
		FilterSrcs: []ColumnSource{{BasePID: filterCol, ValueSize: 4}},
		OutputSrcs: []ColumnSource{{BasePID: outCol, ValueSize: 4}},
		NumRows:    5,
		OutSchema:  desc,
		Filter: func(rowID uint64, cols [][]byte) bool {
			return u32At(cols[0], 0) != 0
		},
		Proj: func(rowID uint64, cols [][]byte, out []byte) { copy(out, cols[0]) },
	}
	fs.setNext(sink)
	if err := fs.Execute(0, 5, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rows := sink.rows()
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	want := []uint32{100, 300, 500}
	for i, row := range rows {
		if got := u32At(row, 0); got != want[i] {
			t.Fatalf("row %d = %d, want %d", i, got, want[i])
		}
	}
}
