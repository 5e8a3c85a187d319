package exec

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// CompareFunc orders two raw rows, returning <0, 0, >0 like bytes.Compare.
type CompareFunc func(a, b []byte) int

// sortBatch reorders b's rows in place per cmp. Go's sort.Slice is a
// pattern-defeating quicksort (the same introsort-family hybrid spec §4.6
// calls for: quicksort with a heapsort fallback on adversarial input), so
// this is a direct translation rather than a hand-rolled introsort.
func sortBatch(b *batch.Batch, cmp CompareFunc) {
	n := b.CurrentSize()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return cmp(b.GetRow(idx[i]), b.GetRow(idx[j])) < 0 })
	rowSize := b.RowSize()
	tmp := make([]byte, n*rowSize)
	for i, oi := range idx {
		copy(tmp[i*rowSize:], b.GetRow(oi))
	}
	for i := 0; i < n; i++ {
		copy(b.GetRow(i), tmp[i*rowSize:(i+1)*rowSize])
	}
}

type sortWorkerState struct {
	finalized []*batch.Batch
	pending   *batch.Batch
}

// SortBreaker is spec §4.6's "SortBreaker": full incoming batches are
// sorted immediately in place; partial batches are packed tightly into the
// worker's last pending batch rather than each spilling its own
// under-full run.
type SortBreaker struct {
	cache *vmcache.VMCache
	desc  *batch.Description
	cmp   CompareFunc

	mu      sync.Mutex
	workers map[int]*sortWorkerState
}

func NewSortBreaker(cache *vmcache.VMCache, desc *batch.Description, cmp CompareFunc) *SortBreaker {
	return &SortBreaker{cache: cache, desc: desc, cmp: cmp, workers: make(map[int]*sortWorkerState)}
}

func (s *SortBreaker) Description() *batch.Description { return s.desc }

func (s *SortBreaker) stateLocked(workerID int) *sortWorkerState {
	st, ok := s.workers[workerID]
	if !ok {
		st = &sortWorkerState{}
		s.workers[workerID] = st
	}
	return st
}

func (s *SortBreaker) Push(b *batch.Batch, workerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(workerID)

	if b.CurrentSize() == b.MaxSize() {
		sortBatch(b, s.cmp)
		st.finalized = append(st.finalized, b)
		return nil
	}
	if st.pending == nil {
		st.pending = b
		return nil
	}
	for i := 0; i < b.CurrentSize(); i++ {
		if !b.IsRowValid(i) {
			continue
		}
		if st.pending.IsFull() {
			sortBatch(st.pending, s.cmp)
			st.finalized = append(st.finalized, st.pending)
			nb, err := batch.New(s.cache, workerID, s.desc)
			if err != nil {
				return err
			}
			st.pending = nb
		}
		_, row, _ := st.pending.AddRowIfPossible()
		copy(row, b.GetRow(i))
	}
	b.Release(workerID)
	return nil
}

// ConsumeBatches sorts any not-yet-full pending batch per worker, matching
// spec §4.6 exactly ("On consume_batches, any not-yet-full batch is
// sorted"). It does not push anywhere — SortOperator reads the finalized
// runs directly via Runs.
func (s *SortBreaker) ConsumeBatches(_ Operator, workerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.workers {
		if st.pending != nil {
			sortBatch(st.pending, s.cmp)
			st.finalized = append(st.finalized, st.pending)
			st.pending = nil
		}
	}
	return nil
}

// Runs returns every per-worker sorted batch, for SortOperator's k-way
// merge.
func (s *SortBreaker) Runs() []*batch.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*batch.Batch
	for _, st := range s.workers {
		all = append(all, st.finalized...)
	}
	return all
}

type mergeItem struct{ run, row int }

type mergeHeap struct {
	items []mergeItem
	runs  []*batch.Batch
	cmp   CompareFunc
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	a := h.runs[h.items[i].run].GetRow(h.items[i].row)
	b := h.runs[h.items[j].run].GetRow(h.items[j].row)
	return h.cmp(a, b) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// SortOperator is spec §4.6's single-morsel "SortOperator": a k-way merge
// across every per-worker sorted run from its dependency pipeline's
// SortBreaker, auto-flushing output batches downstream as they fill (the
// original's IntermediateHelper).
type SortOperator struct {
	Cache     *vmcache.VMCache
	Breaker   *SortBreaker
	Cmp       CompareFunc
	OutSchema *batch.Description

	next Operator
}

func (s *SortOperator) setNext(op Operator) { s.next = op }

func (s *SortOperator) InputSize() int { return 1 }

func (s *SortOperator) Execute(_, _, workerID int) error {
	runs := s.Breaker.Runs()
	h := &mergeHeap{runs: runs, cmp: s.Cmp}
	for ri, r := range runs {
		if r.CurrentSize() > 0 {
			h.items = append(h.items, mergeItem{run: ri, row: 0})
		}
	}
	heap.Init(h)

	out, err := batch.New(s.Cache, workerID, s.OutSchema)
	if err != nil {
		return err
	}
	flush := func() error {
		if out.CurrentSize() == 0 {
			out.Release(workerID)
			return nil
		}
		return s.next.Push(out, workerID)
	}

	for h.Len() > 0 {
		it := heap.Pop(h).(mergeItem)
		row := runs[it.run].GetRow(it.row)
		_, orow, ok := out.AddRowIfPossible()
		if !ok {
			if err := flush(); err != nil {
				return err
			}
			out, err = batch.New(s.Cache, workerID, s.OutSchema)
			if err != nil {
				return err
			}
			_, orow, _ = out.AddRowIfPossible()
		}
		copy(orow, row)
		if it.row+1 < runs[it.run].CurrentSize() {
			heap.Push(h, mergeItem{run: it.run, row: it.row + 1})
		}
	}
	return flush()
}
