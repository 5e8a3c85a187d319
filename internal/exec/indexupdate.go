package exec

import (
	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/btree"
	"github.com/dbis-ilm/morselstore/internal/column"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// UpdateFunc mutates cols (one writable slice per UpdateSrcs entry, held
// under that column's exclusive data-page latch) in place for rowID.
type UpdateFunc func(rowID uint64, cols [][]byte)

// IndexUpdate is the starter of spec §4.6's IndexUpdate<N>: it locates
// matching keys in the primary-key B+-tree, consults the visibility tree
// per row, applies Update under an exclusive latch on each updated
// column's data page, and emits the *updated* values downstream.
//
// Known hazard (spec §9 "Visibility-vs-primary-key deadlock"): btree.Range
// holds the PK leaf's *shared* latch across every visit callback, so each
// call here acquires a column's exclusive latch while already holding the
// PK leaf latch (visible+shared, column+exclusive). A concurrent insert
// that splits the same leaf while this update is in flight must therefore
// never itself try to take a column latch before releasing its leaf latch,
// or the two sides invert lock order. This implementation doesn't change
// that ordering; it only reads the visibility bit before taking any column
// latch, so a row already deleted never pays for an exclusive acquisition
// it would just discard.
type IndexUpdate struct {
	Cache        *vmcache.VMCache
	PrimaryIndex *btree.Tree[uint64, uint64]
	Visibility   *btree.BoolTree[uint64]
	From, To     uint64
	UpdateSrcs   []ColumnSource
	OutSchema    *batch.Description
	Update       UpdateFunc
	Proj         Project

	helper *column.Helper
	next   Operator
}

func (s *IndexUpdate) setNext(op Operator) { s.next = op }

func (s *IndexUpdate) InputSize() int { return 1 }

func (s *IndexUpdate) Execute(_, _, workerID int) error {
	if s.helper == nil {
		s.helper = column.NewHelper(s.Cache)
	}
	b, err := batch.New(s.Cache, workerID, s.OutSchema)
	if err != nil {
		return err
	}
	flush := func() error {
		if b.CurrentSize() == 0 {
			b.Release(workerID)
			return nil
		}
		return s.next.Push(b, workerID)
	}

	cols := make([][]byte, len(s.UpdateSrcs))
	guards := make([]*vmcache.ExclusiveGuard, len(s.UpdateSrcs))
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
		for i, src := range s.UpdateSrcs {
			g, slice, err := s.helper.ExclusiveValue(workerID, src.BasePID, src.ValueSize, int(rowID))
			if err != nil {
				rangeErr = err
				return false
			}
			guards[i] = g
			cols[i] = slice
		}
		s.Update(rowID, cols)

		// Proj must run while cols' slices are still backed by the latched
		// column pages: batch.New below can allocate a temp page through
		// AllocateTemporaryPage -> allocatePage -> maybeEvict, which may
		// evict and madvise the very column page a guard just released,
		// leaving cols[i] pointing at zeroed or reused bytes.
		_, out, ok := b.AddRowIfPossible()
		if !ok {
			if err := flush(); err != nil {
				for _, g := range guards {
					g.MarkDirty()
					g.Release()
				}
				rangeErr = err
				return false
			}
			b, err = batch.New(s.Cache, workerID, s.OutSchema)
			if err != nil {
				for _, g := range guards {
					g.MarkDirty()
					g.Release()
				}
				rangeErr = err
				return false
			}
			_, out, _ = b.AddRowIfPossible()
		}
		s.Proj(rowID, cols, out)

		for _, g := range guards {
			g.MarkDirty()
			g.Release()
		}
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
