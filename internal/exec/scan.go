package exec

import (
	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/column"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// ColumnSource names one column to iterate: its basepage root and its
// fixed value width.
type ColumnSource struct {
	BasePID   vmcache.PageID
	ValueSize int
}

// Project copies the current row's raw column values (one []byte per
// source column, in the order ColumnSources were given) into a batch row
// buffer laid out per the operator's output Description.
type Project func(rowID uint64, cols [][]byte, out []byte)

// Scan is the starter described in spec §4.6: it iterates N output columns
// with N PagedColumnIterators, filling a batch row by row with a
// projection callback, flushing on fill and on end.
type Scan struct {
	Cache     *vmcache.VMCache
	Sources   []ColumnSource
	NumRows   int
	OutSchema *batch.Description
	Proj      Project

	next Operator
}

func (s *Scan) setNext(op Operator) { s.next = op }

func (s *Scan) InputSize() int { return s.NumRows }

// Execute iterates rows [from, to) of every source column in lockstep,
// projecting each into the current output batch and flushing whenever the
// batch fills or the range ends.
func (s *Scan) Execute(from, to, workerID int) error {
	if from >= to {
		return nil
	}
	its := make([]*column.PagedColumnIterator, len(s.Sources))
	for i, src := range s.Sources {
		it, err := column.New(s.Cache, workerID, src.BasePID, src.ValueSize, from)
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
		if err := s.next.Push(b, workerID); err != nil {
			return err
		}
		return nil
	}

	for row := from; row < to; row++ {
		for i, it := range its {
			cols[i] = it.Value()
		}
		_, out, ok := b.AddRowIfPossible()
		if !ok {
			if err := flush(); err != nil {
				return err
			}
			b, err = batch.New(s.Cache, workerID, s.OutSchema)
			if err != nil {
				return err
			}
			_, out, _ = b.AddRowIfPossible()
		}
		s.Proj(uint64(row), cols, out)
		if row+1 < to {
			for _, it := range its {
				if err := it.Next(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// FilterFunc evaluates a predicate over a row's filter-column values,
// returning whether the row should be emitted.
type FilterFunc func(rowID uint64, filterCols [][]byte) bool

// FilteringScan is Scan augmented with a filter callback evaluated per row
// against a separate set of filter-column iterators (spec §4.6): output
// columns are only advanced when a row is actually emitted.
type FilteringScan struct {
	Cache      *vmcache.VMCache
	FilterSrcs []ColumnSource
	OutputSrcs []ColumnSource
	NumRows    int
	OutSchema  *batch.Description
	Filter     FilterFunc
	Proj       Project

	next Operator
}

func (s *FilteringScan) setNext(op Operator) { s.next = op }

func (s *FilteringScan) InputSize() int { return s.NumRows }

func (s *FilteringScan) Execute(from, to, workerID int) error {
	if from >= to {
		return nil
	}
	filterIts := make([]*column.PagedColumnIterator, len(s.FilterSrcs))
	for i, src := range s.FilterSrcs {
		it, err := column.New(s.Cache, workerID, src.BasePID, src.ValueSize, from)
		if err != nil {
			return err
		}
		filterIts[i] = it
	}
	outIts := make([]*column.PagedColumnIterator, len(s.OutputSrcs))
	for i, src := range s.OutputSrcs {
		it, err := column.New(s.Cache, workerID, src.BasePID, src.ValueSize, from)
		if err != nil {
			return err
		}
		outIts[i] = it
	}
	defer func() {
		for _, it := range filterIts {
			it.Release()
		}
		for _, it := range outIts {
			it.Release()
		}
	}()

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

	filterCols := make([][]byte, len(filterIts))
	outCols := make([][]byte, len(outIts))
	for row := from; row < to; row++ {
		for i, it := range filterIts {
			filterCols[i] = it.Value()
		}
		if s.Filter(uint64(row), filterCols) {
			// Output columns reposition directly to row rather than
			// stepping Next() every iteration, so a selective filter
			// never pays for column pages it ends up discarding.
			for i, it := range outIts {
				if err := it.Reposition(row); err != nil {
					return err
				}
				outCols[i] = it.Value()
			}
			_, out, ok := b.AddRowIfPossible()
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				b, err = batch.New(s.Cache, workerID, s.OutSchema)
				if err != nil {
					return err
				}
				_, out, _ = b.AddRowIfPossible()
			}
			s.Proj(uint64(row), outCols, out)
		}
		if row+1 < to {
			for _, it := range filterIts {
				if err := it.Next(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}
