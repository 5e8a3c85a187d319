// Package column implements the columnar storage layout of §4.4: a chained
// list of column basepages, each naming a fixed run of data pages that hold
// densely packed fixed-width values, plus the sequential PagedColumnIterator
// used by scan-style operators.
package column

import (
	"encoding/binary"
	"fmt"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

const (
	baseNextOff     = 0
	baseDataPagesOff = 8
)

// Capacity returns how many data-page PageIDs a single basepage can name.
func Capacity() int {
	return (vmcache.PageSize - baseDataPagesOff) / 8
}

// InitBasePage formats a freshly allocated page as an empty column basepage
// (no next, no data pages yet).
func InitBasePage(buf []byte) {
	binary.LittleEndian.PutUint64(buf[baseNextOff:], uint64(vmcache.InvalidPageID))
	cap := Capacity()
	for i := 0; i < cap; i++ {
		binary.LittleEndian.PutUint64(buf[baseDataPagesOff+i*8:], uint64(vmcache.InvalidPageID))
	}
}

func baseNext(buf []byte) vmcache.PageID {
	return vmcache.PageID(binary.LittleEndian.Uint64(buf[baseNextOff:]))
}

func setBaseNext(buf []byte, pid vmcache.PageID) {
	binary.LittleEndian.PutUint64(buf[baseNextOff:], uint64(pid))
}

func baseDataPage(buf []byte, i int) vmcache.PageID {
	return vmcache.PageID(binary.LittleEndian.Uint64(buf[baseDataPagesOff+i*8:]))
}

func setBaseDataPage(buf []byte, i int, pid vmcache.PageID) {
	binary.LittleEndian.PutUint64(buf[baseDataPagesOff+i*8:], uint64(pid))
}

// ValuesPerPage returns how many fixed-width values of valueSize fit in one
// data page.
func ValuesPerPage(valueSize int) int {
	return vmcache.PageSize / valueSize
}

// Helper resolves (basePID, index) -> data page PageID by walking the
// basepage chain, allocating new basepages as the chain is extended (data
// pages themselves are allocated by the caller, e.g. AppendValues, and
// attached via SetPage), matching ColumnHelper in spec §4.4.
type Helper struct {
	cache *vmcache.VMCache
}

func NewHelper(cache *vmcache.VMCache) *Helper {
	return &Helper{cache: cache}
}

// basepageForIndex walks the chain starting at basePID to the basepage that
// owns data-page slot dataPageIndex, allocating new basepages as needed when
// create is true. Returns the owning basepage's PageID and the slot's index
// within it.
func (h *Helper) basepageForIndex(workerID int, basePID vmcache.PageID, dataPageIndex int, create bool) (vmcache.PageID, int, error) {
	cap := Capacity()
	pid := basePID
	idx := dataPageIndex
	for idx >= cap {
		guard, err := vmcache.NewSharedGuard(h.cache, pid, workerID)
		if err != nil {
			return 0, 0, err
		}
		next := baseNext(guard.Data())
		guard.Release()
		if next == vmcache.InvalidPageID {
			if !create {
				return 0, 0, fmt.Errorf("column: index %d has no basepage (chain ended)", dataPageIndex)
			}
			ex, err := vmcache.NewExclusiveGuard(h.cache, pid, workerID)
			if err != nil {
				return 0, 0, err
			}
			if baseNext(ex.Data()) == vmcache.InvalidPageID {
				alloc, err := vmcache.NewAllocGuard(h.cache, workerID)
				if err != nil {
					ex.Release()
					return 0, 0, err
				}
				InitBasePage(alloc.Data())
				alloc.MarkDirty()
				setBaseNext(ex.Data(), alloc.PageID())
				ex.MarkDirty()
				next = alloc.PageID()
				alloc.Release()
			} else {
				next = baseNext(ex.Data())
			}
			ex.Release()
		}
		pid = next
		idx -= cap
	}
	return pid, idx, nil
}

// GetPage resolves (basePID, dataPageIndex) to the owning data page's
// PageID. Returns an error if the chain doesn't extend that far.
func (h *Helper) GetPage(workerID int, basePID vmcache.PageID, dataPageIndex int) (vmcache.PageID, error) {
	bp, slot, err := h.basepageForIndex(workerID, basePID, dataPageIndex, false)
	if err != nil {
		return 0, err
	}
	guard, err := vmcache.NewSharedGuard(h.cache, bp, workerID)
	if err != nil {
		return 0, err
	}
	defer guard.Release()
	pid := baseDataPage(guard.Data(), slot)
	if pid == vmcache.InvalidPageID {
		return 0, fmt.Errorf("column: data page slot %d unset", dataPageIndex)
	}
	return pid, nil
}

// SetPage records dataPagePID at dataPageIndex, extending the basepage chain
// as needed.
func (h *Helper) SetPage(workerID int, basePID vmcache.PageID, dataPageIndex int, dataPagePID vmcache.PageID) error {
	bp, slot, err := h.basepageForIndex(workerID, basePID, dataPageIndex, true)
	if err != nil {
		return err
	}
	guard, err := vmcache.NewExclusiveGuard(h.cache, bp, workerID)
	if err != nil {
		return err
	}
	defer guard.Release()
	setBaseDataPage(guard.Data(), slot, dataPagePID)
	guard.MarkDirty()
	return nil
}

// AppendValues implements spec §4.4's append algorithm: given the table's
// current row count for this column, it writes the raw bytes in values
// (count items of valueSize each, densely packed) starting at row
// existingRows, allocating new data pages (and basepages, via Helper) as
// needed.
func AppendValues(cache *vmcache.VMCache, workerID int, basePID vmcache.PageID, existingRows uint64, valueSize int, values []byte, count int) error {
	h := NewHelper(cache)
	perPage := ValuesPerPage(valueSize)
	pageI := int(existingRows) / perPage
	filled := int(existingRows) % perPage
	off := 0
	remaining := count
	for remaining > 0 {
		var dataPID vmcache.PageID
		if filled == 0 {
			alloc, err := vmcache.NewAllocGuard(cache, workerID)
			if err != nil {
				return fmt.Errorf("column: allocating data page %d: %w", pageI, err)
			}
			dataPID = alloc.PageID()
			alloc.Release()
			if err := h.SetPage(workerID, basePID, pageI, dataPID); err != nil {
				return err
			}
		} else {
			pid, err := h.GetPage(workerID, basePID, pageI)
			if err != nil {
				return err
			}
			dataPID = pid
		}
		guard, err := vmcache.NewExclusiveGuard(cache, dataPID, workerID)
		if err != nil {
			return err
		}
		n := perPage - filled
		if n > remaining {
			n = remaining
		}
		copy(guard.Data()[filled*valueSize:], values[off:off+n*valueSize])
		guard.MarkDirty()
		guard.Release()

		off += n * valueSize
		remaining -= n
		pageI++
		filled = 0
	}
	return nil
}

// ExclusiveValue takes an exclusive latch on the data page containing
// rowIndex and returns it alongside a writable slice over exactly that
// row's bytes, for IndexUpdate's per-row column mutation (spec §4.6). The
// caller must call guard.MarkDirty() before Release if it wrote through
// the slice.
func (h *Helper) ExclusiveValue(workerID int, basePID vmcache.PageID, valueSize int, rowIndex int) (*vmcache.ExclusiveGuard, []byte, error) {
	perPage := ValuesPerPage(valueSize)
	pageI := rowIndex / perPage
	pid, err := h.GetPage(workerID, basePID, pageI)
	if err != nil {
		return nil, nil, err
	}
	guard, err := vmcache.NewExclusiveGuard(h.cache, pid, workerID)
	if err != nil {
		return nil, nil, err
	}
	off := (rowIndex % perPage) * valueSize
	return guard, guard.Data()[off : off+valueSize], nil
}

// PagedColumnIterator is a sequential, latch-holding cursor over one
// column's values, per spec §4.4. It holds a shared latch on the current
// data page for as long as Value()'s returned slice is live; no latch is
// held on a basepage between calls (basepages are latched only while
// GetPage resolves a data page).
type PagedColumnIterator struct {
	cache     *vmcache.VMCache
	helper    *Helper
	basePID   vmcache.PageID
	valueSize int
	perPage   int
	workerID  int

	index   int
	pageI   int
	dataPID vmcache.PageID
	page    *vmcache.SharedGuard
}

// New positions a new iterator at row index start of the column rooted at
// basePID.
func New(cache *vmcache.VMCache, workerID int, basePID vmcache.PageID, valueSize int, start int) (*PagedColumnIterator, error) {
	it := &PagedColumnIterator{
		cache:     cache,
		helper:    NewHelper(cache),
		basePID:   basePID,
		valueSize: valueSize,
		perPage:   ValuesPerPage(valueSize),
		workerID:  workerID,
	}
	if err := it.Reposition(start); err != nil {
		return nil, err
	}
	return it, nil
}

// Reposition moves the cursor to row index i, only changing the latched
// data page when i leaves the currently held page. A page change resolves
// the new data page by walking the basepage chain from the column's first
// basepage, so its cost grows with the target page's position, not with
// the distance moved.
func (it *PagedColumnIterator) Reposition(i int) error {
	pageI := i / it.perPage
	if it.page != nil && pageI == it.pageI {
		it.index = i
		return nil
	}
	pid, err := it.helper.GetPage(it.workerID, it.basePID, pageI)
	if err != nil {
		return err
	}
	guard, err := vmcache.NewSharedGuard(it.cache, pid, it.workerID)
	if err != nil {
		return err
	}
	it.Unload()
	it.page = guard
	it.dataPID = pid
	it.pageI = pageI
	it.index = i
	return nil
}

// Value returns a slice over the current row's raw bytes, valid only while
// the iterator continues to hold its latch (i.e. until the next Reposition,
// Next crossing a page boundary, Unload, or Release).
func (it *PagedColumnIterator) Value() []byte {
	off := (it.index % it.perPage) * it.valueSize
	return it.page.Data()[off : off+it.valueSize]
}

// Next advances the cursor by one row, crossing a data-page boundary (and
// following the basepage chain) when necessary.
func (it *PagedColumnIterator) Next() error {
	return it.Reposition(it.index + 1)
}

// Unload releases the held latches without destroying the iterator, so an
// operator that re-seeks per probe (e.g. JoinProbe) can drop its hold
// between lookups without reallocating.
func (it *PagedColumnIterator) Unload() {
	if it.page != nil {
		it.page.Release()
		it.page = nil
	}
}

// Release is an alias for Unload, for symmetry with the latch-guard types.
func (it *PagedColumnIterator) Release() { it.Unload() }
