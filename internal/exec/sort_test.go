package exec

import (
	"testing"

	"github.com/dbis-ilm/morselstore/internal/batch"
)

func cmpU32Col0(a, b []byte) int {
	av, bv := u32At(a, 0), u32At(b, 0)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func fillBatch(t *testing.T, b *batch.Batch, values []uint32) {
	t.Helper()
	for _, v := range values {
		_, row, ok := b.AddRowIfPossible()
		if !ok {
			t.Fatalf("AddRowIfPossible failed with %d values and batch size %d", len(values), b.MaxSize())
		}
		copy(row, u32Bytes(v))
	}
}

// TestSortOperatorOrdersDescendingInput exercises spec §8 scenario 5: 4096
// rows in strictly descending order come out in strictly ascending order.
func TestSortOperatorOrdersDescendingInput(t *testing.T) {
	c := newTestCache(t)
	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "c1", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}

	const n = 4096
	sb := NewSortBreaker(c, desc, cmpU32Col0)

	b, err := batch.New(c, 0, desc)
	if err != nil {
		t.Fatalf("batch.New: %v", err)
	}
	maxSize := b.MaxSize()
	remaining := n
	i := 0
	for remaining > 0 {
		count := maxSize
		if count > remaining {
			count = remaining
		}
		values := make([]uint32, count)
		for j := 0; j < count; j++ {
			values[j] = uint32(n - i)
			i++
		}
		fillBatch(t, b, values)
		if err := sb.Push(b, 0); err != nil {
			t.Fatalf("Push: %v", err)
		}
		remaining -= count
		if remaining > 0 {
			b, err = batch.New(c, 0, desc)
			if err != nil {
				t.Fatalf("batch.New: %v", err)
			}
		}
	}
	if err := sb.ConsumeBatches(nil, 0); err != nil {
		t.Fatalf("ConsumeBatches: %v", err)
	}

	sink := &collectBatches{desc: desc}
	so := &SortOperator{Cache: c, Breaker: sb, Cmp: cmpU32Col0, OutSchema: desc}
	so.setNext(sink)
	if err := so.Execute(0, 1, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rows := sink.rows()
	if len(rows) != n {
		t.Fatalf("got %d rows, want %d", len(rows), n)
	}
	for i := 0; i < n; i++ {
		want := uint32(i + 1)
		if got := u32At(rows[i], 0); got != want {
			t.Fatalf("row %d = %d, want %d", i, got, want)
		}
	}
}

// TestSortBreakerPacksPartialBatches verifies that two under-full pushes
// from the same worker are packed into a single pending batch rather than
// each producing its own short run.
func TestSortBreakerPacksPartialBatches(t *testing.T) {
	c := newTestCache(t)
	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "c1", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}
	sb := NewSortBreaker(c, desc, cmpU32Col0)

	b1, err := batch.New(c, 0, desc)
	if err != nil {
		t.Fatalf("batch.New: %v", err)
	}
	fillBatch(t, b1, []uint32{5, 3})
	if err := sb.Push(b1, 0); err != nil {
		t.Fatalf("Push b1: %v", err)
	}

	b2, err := batch.New(c, 0, desc)
	if err != nil {
		t.Fatalf("batch.New: %v", err)
	}
	fillBatch(t, b2, []uint32{1, 4, 2})
	if err := sb.Push(b2, 0); err != nil {
		t.Fatalf("Push b2: %v", err)
	}

	if err := sb.ConsumeBatches(nil, 0); err != nil {
		t.Fatalf("ConsumeBatches: %v", err)
	}

	runs := sb.Runs()
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1 (partial batches should pack into one pending batch)", len(runs))
	}
	run := runs[0]
	if run.CurrentSize() != 5 {
		t.Fatalf("packed run has %d rows, want 5", run.CurrentSize())
	}
	want := []uint32{1, 2, 3, 4, 5}
	for i := 0; i < run.CurrentSize(); i++ {
		if got := u32At(run.GetRow(i), 0); got != want[i] {
			t.Fatalf("run row %d = %d, want %d", i, got, want[i])
		}
	}
}
