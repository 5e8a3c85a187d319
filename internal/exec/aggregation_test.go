package exec

import (
	"encoding/binary"
	"testing"

	"github.com/dbis-ilm/morselstore/internal/batch"
)

// sumAccumulator folds a 4-byte uint32 payload into an 8-byte uint64 sum.
type sumAccumulator struct{}

func (sumAccumulator) Zero() []byte { return make([]byte, 8) }

func (sumAccumulator) Combine(acc []byte, row []byte) {
	sum := binary.LittleEndian.Uint64(acc)
	sum += uint64(binary.LittleEndian.Uint32(row))
	binary.LittleEndian.PutUint64(acc, sum)
}

func TestAggregationSumsPerGroup(t *testing.T) {
	c := newTestCache(t)
	desc, err := batch.NewDescription(
		batch.ColumnSpec{Name: "key", Type: batch.TypeUint32},
		batch.ColumnSpec{Name: "val", Type: batch.TypeUint32},
	)
	if err != nil {
		t.Fatalf("NewDescription(in): %v", err)
	}

	rows := []struct{ key, val uint32 }{
		{1, 10}, {2, 5}, {1, 20}, {3, 1}, {2, 7}, {1, 1},
	}
	in, err := batch.New(c, 0, desc)
	if err != nil {
		t.Fatalf("batch.New: %v", err)
	}
	for _, r := range rows {
		_, row, ok := in.AddRowIfPossible()
		if !ok {
			t.Fatalf("AddRowIfPossible failed")
		}
		copy(row[0:4], u32Bytes(r.key))
		copy(row[4:8], u32Bytes(r.val))
	}

	outDesc, err := batch.NewDescription(
		batch.ColumnSpec{Name: "key", Type: batch.TypeUint32},
		batch.ColumnSpec{Name: "sum", Type: batch.TypeUint64},
	)
	if err != nil {
		t.Fatalf("NewDescription(out): %v", err)
	}

	agg := NewAggregation(c, 4, sumAccumulator{}, outDesc)
	if err := agg.Push(in, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}

	sink := &collectBatches{desc: outDesc}
	if err := agg.ConsumeBatches(sink, 0); err != nil {
		t.Fatalf("ConsumeBatches: %v", err)
	}

	got := sink.rows()
	if len(got) != 3 {
		t.Fatalf("got %d groups, want 3", len(got))
	}
	want := map[uint32]uint64{1: 31, 2: 12, 3: 1}
	seen := map[uint32]bool{}
	for _, row := range got {
		key := u32At(row, 0)
		sum := binary.LittleEndian.Uint64(row[4:])
		wantSum, ok := want[key]
		if !ok {
			t.Fatalf("unexpected key %d in output", key)
		}
		if sum != wantSum {
			t.Fatalf("key %d: sum = %d, want %d", key, sum, wantSum)
		}
		seen[key] = true
	}
	if len(seen) != len(want) {
		t.Fatalf("saw keys %v, want all of %v", seen, want)
	}
}
