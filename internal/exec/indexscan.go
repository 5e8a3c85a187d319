package exec

import (
	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/btree"
	"github.com/dbis-ilm/morselstore/internal/column"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// IndexScan is the starter of spec §4.6's IndexScan<N>: it ranges
// [From, To] (inclusive) over a primary-key B+-tree, skips tombstoned
// rows via the visibility tree, and projects the matching rows' output
// columns downstream. It is a single-morsel starter — the key range, not a
// row range, bounds its work, so InputSize is always 1.
type IndexScan struct {
	Cache        *vmcache.VMCache
	PrimaryIndex *btree.Tree[uint64, uint64] // composite key -> RowID
	Visibility   *btree.BoolTree[uint64]     // RowID -> visible
	From, To     uint64
	OutputSrcs   []ColumnSource
	OutSchema    *batch.Description
	Proj         Project

	next Operator
}

func (s *IndexScan) setNext(op Operator) { s.next = op }

func (s *IndexScan) InputSize() int { return 1 }

// Execute ignores its from/to morsel bounds (there is exactly one morsel)
// and instead walks the primary-key index over [s.From, s.To].
func (s *IndexScan) Execute(_, _, workerID int) error {
	its := make([]*column.PagedColumnIterator, len(s.OutputSrcs))
	for i, src := range s.OutputSrcs {
		it, err := column.New(s.Cache, workerID, src.BasePID, src.ValueSize, 0)
		if err != nil {
			return err
		}
		its[i] = it
	}
	defer func() {
		for _, it := range its {
			it.Release()
		}
	}()

	b, err := batch.New(s.Cache, workerID, s.OutSchema)
	if err != nil {
		return err
	}
	cols := make([][]byte, len(its))
	flush := func() error {
		if b.CurrentSize() == 0 {
			b.Release(workerID)
			return nil
		}
		return s.next.Push(b, workerID)
	}

	var rangeErr error
	visitErr := s.PrimaryIndex.Range(workerID, s.From, s.To, func(_ uint64, rowID uint64) bool {
		visible, found, err := s.Visibility.Get(workerID, rowID)
		if err != nil {
			rangeErr = err
			return false
		}
		if !found || !visible {
			return true
		}
		for i, it := range its {
			if err := it.Reposition(int(rowID)); err != nil {
				rangeErr = err
				return false
			}
			cols[i] = it.Value()
		}
		_, out, ok := b.AddRowIfPossible()
		if !ok {
			if err := flush(); err != nil {
				rangeErr = err
				return false
			}
			b, err = batch.New(s.Cache, workerID, s.OutSchema)
			if err != nil {
				rangeErr = err
				return false
			}
			_, out, _ = b.AddRowIfPossible()
		}
		s.Proj(rowID, cols, out)
		return true
	})
	if visitErr != nil {
		return visitErr
	}
	if rangeErr != nil {
		return rangeErr
	}
	return flush()
}
