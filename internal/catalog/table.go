package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/dbis-ilm/morselstore/internal/column"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// MaxColumns bounds how many column basepages a table basepage can name.
// The column list is a fixed array on the one basepage; CreateTable rejects
// tables with more columns.
const MaxColumns = 128

// MaxAdditionalIndexes bounds how many non-primary index roots a table
// basepage records.
const MaxAdditionalIndexes = 8

const (
	tableMagic = 0x5442_4153 // "TBAS"

	tableMagicOff        = 0
	tableColumnCountOff  = 4
	tableCardinalityOff  = 8
	tableVisibilityOff   = 16
	tablePrimaryKeyOff   = 24
	tableColumnsOff      = 32
	tableIndexCountOff   = tableColumnsOff + MaxColumns*8
	tableIndexesOff      = tableIndexCountOff + 8
)

// TableBase is the per-table basepage: cardinality, the visibility tree
// root, the primary-key index root, every column's basepage PageID, and any
// additional (non-primary) index roots.
type TableBase struct {
	cache *vmcache.VMCache
	pid   vmcache.PageID
}

// CreateTable allocates a fresh table basepage plus numColumns column
// basepages, and registers the table in root. It creates no trees: the
// visibility and primary-key roots are recorded afterwards via
// SetVisibilityTreeRoot and SetPrimaryKeyIndexRoot.
func CreateTable(cache *vmcache.VMCache, root *Root, workerID int, name string, numColumns int) (*TableBase, error) {
	if numColumns > MaxColumns {
		return nil, fmt.Errorf("catalog: table %q has %d columns, exceeds MaxColumns=%d", name, numColumns, MaxColumns)
	}

	guard, err := vmcache.NewAllocGuard(cache, workerID)
	if err != nil {
		return nil, fmt.Errorf("catalog: allocating basepage for %q: %w", name, err)
	}
	buf := guard.Data()
	binary.LittleEndian.PutUint32(buf[tableMagicOff:], tableMagic)
	binary.LittleEndian.PutUint32(buf[tableColumnCountOff:], uint32(numColumns))
	binary.LittleEndian.PutUint64(buf[tableCardinalityOff:], 0)

	for i := 0; i < numColumns; i++ {
		colGuard, err := vmcache.NewAllocGuard(cache, workerID)
		if err != nil {
			guard.Release()
			return nil, fmt.Errorf("catalog: allocating column %d basepage: %w", i, err)
		}
		column.InitBasePage(colGuard.Data())
		colGuard.MarkDirty()
		setColumnBasePage(buf, i, colGuard.PageID())
		colGuard.Release()
	}
	binary.LittleEndian.PutUint64(buf[tableIndexCountOff:], 0)
	guard.MarkDirty()
	pid := guard.PageID()
	guard.Release()

	if err := root.Register(workerID, name, pid); err != nil {
		return nil, err
	}
	return &TableBase{cache: cache, pid: pid}, nil
}

// OpenTable resolves name via root and wraps its basepage.
func OpenTable(cache *vmcache.VMCache, root *Root, workerID int, name string) (*TableBase, error) {
	pid, err := root.Lookup(workerID, name)
	if err != nil {
		return nil, err
	}
	guard, err := vmcache.NewSharedGuard(cache, pid, workerID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	if binary.LittleEndian.Uint32(guard.Data()[tableMagicOff:]) != tableMagic {
		return nil, fmt.Errorf("catalog: page %d is not a table basepage", pid)
	}
	return &TableBase{cache: cache, pid: pid}, nil
}

func (tb *TableBase) PageID() vmcache.PageID { return tb.pid }

func (tb *TableBase) read(workerID int, fn func(buf []byte)) error {
	guard, err := vmcache.NewSharedGuard(tb.cache, tb.pid, workerID)
	if err != nil {
		return err
	}
	defer guard.Release()
	fn(guard.Data())
	return nil
}

func (tb *TableBase) write(workerID int, fn func(buf []byte)) error {
	guard, err := vmcache.NewExclusiveGuard(tb.cache, tb.pid, workerID)
	if err != nil {
		return err
	}
	defer guard.Release()
	fn(guard.Data())
	guard.MarkDirty()
	return nil
}

func (tb *TableBase) ColumnCount(workerID int) (int, error) {
	var n int
	err := tb.read(workerID, func(buf []byte) {
		n = int(binary.LittleEndian.Uint32(buf[tableColumnCountOff:]))
	})
	return n, err
}

func (tb *TableBase) ColumnBasePage(workerID, col int) (vmcache.PageID, error) {
	var pid vmcache.PageID
	err := tb.read(workerID, func(buf []byte) {
		pid = columnBasePage(buf, col)
	})
	return pid, err
}

func columnBasePage(buf []byte, col int) vmcache.PageID {
	off := tableColumnsOff + col*8
	return vmcache.PageID(binary.LittleEndian.Uint64(buf[off:]))
}

func setColumnBasePage(buf []byte, col int, pid vmcache.PageID) {
	off := tableColumnsOff + col*8
	binary.LittleEndian.PutUint64(buf[off:], uint64(pid))
}

func (tb *TableBase) Cardinality(workerID int) (uint64, error) {
	var n uint64
	err := tb.read(workerID, func(buf []byte) {
		n = binary.LittleEndian.Uint64(buf[tableCardinalityOff:])
	})
	return n, err
}

// SetCardinality records the table's current row count. Operators that
// append rows (column append, insert-next on the primary-key index) are
// responsible for calling this after a successful append — the basepage
// does not track it automatically, matching the prototype's split between
// "the index/columns know their own sizes" and "the table records cardinality
// for planning".
func (tb *TableBase) SetCardinality(workerID int, n uint64) error {
	return tb.write(workerID, func(buf []byte) {
		binary.LittleEndian.PutUint64(buf[tableCardinalityOff:], n)
	})
}

func (tb *TableBase) VisibilityTreeRoot(workerID int) (vmcache.PageID, error) {
	var pid vmcache.PageID
	err := tb.read(workerID, func(buf []byte) {
		pid = vmcache.PageID(binary.LittleEndian.Uint64(buf[tableVisibilityOff:]))
	})
	return pid, err
}

func (tb *TableBase) SetVisibilityTreeRoot(workerID int, pid vmcache.PageID) error {
	return tb.write(workerID, func(buf []byte) {
		binary.LittleEndian.PutUint64(buf[tableVisibilityOff:], uint64(pid))
	})
}

func (tb *TableBase) PrimaryKeyIndexRoot(workerID int) (vmcache.PageID, error) {
	var pid vmcache.PageID
	err := tb.read(workerID, func(buf []byte) {
		pid = vmcache.PageID(binary.LittleEndian.Uint64(buf[tablePrimaryKeyOff:]))
	})
	return pid, err
}

func (tb *TableBase) SetPrimaryKeyIndexRoot(workerID int, pid vmcache.PageID) error {
	return tb.write(workerID, func(buf []byte) {
		binary.LittleEndian.PutUint64(buf[tablePrimaryKeyOff:], uint64(pid))
	})
}

// AddIndex records another (non-primary) index's root PageID.
func (tb *TableBase) AddIndex(workerID int, root vmcache.PageID) (int, error) {
	var idx int
	full := false
	err := tb.write(workerID, func(buf []byte) {
		n := int(binary.LittleEndian.Uint64(buf[tableIndexCountOff:]))
		if n >= MaxAdditionalIndexes {
			full = true
			return
		}
		idx = n
		off := tableIndexesOff + n*8
		binary.LittleEndian.PutUint64(buf[off:], uint64(root))
		binary.LittleEndian.PutUint64(buf[tableIndexCountOff:], uint64(n+1))
	})
	if err == nil && full {
		return 0, fmt.Errorf("catalog: table already records MaxAdditionalIndexes=%d additional indexes", MaxAdditionalIndexes)
	}
	return idx, err
}

func (tb *TableBase) IndexRoot(workerID, idx int) (vmcache.PageID, error) {
	var pid vmcache.PageID
	err := tb.read(workerID, func(buf []byte) {
		off := tableIndexesOff + idx*8
		pid = vmcache.PageID(binary.LittleEndian.Uint64(buf[off:]))
	})
	return pid, err
}
