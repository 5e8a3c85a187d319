// Package catalog persists the database's schema: a Root page at PageID 0
// naming every table's basepage, and per-table basepages naming that
// table's columns, visibility tree, and indexes (§3, §6).
package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// RootPageID is always the first page a fresh database allocates, matching
// the teacher's superblock-at-page-0 convention (this design drops the
// teacher's CRC/WAL/feature-flag fields — there is no WAL here — but keeps
// "page 0 is special and self-describing").
const RootPageID = vmcache.PageID(0)

const rootMagic = 0x4d53_4331 // "MSC1": morselstore catalog v1

const (
	rootMagicOff     = 0
	rootVersionOff   = 4
	rootTableCountOff = 8
	rootEntriesOff   = 16
)

// MaxTableNameLen bounds table names to keep root-page entries fixed width.
const MaxTableNameLen = 48

const rootEntrySize = MaxTableNameLen + 8 // name + basepage PageID

// MaxTables bounds how many tables the root page can directly name. Bigger
// catalogs are a Non-goal here — this core assembles query plans
// programmatically, it does not serve a multi-tenant SQL catalog.
var MaxTables = (vmcache.PageSize - rootEntriesOff) / rootEntrySize

var (
	// ErrBadMagic means the page at RootPageID doesn't look like a root
	// page — either an uninitialized file or a version mismatch.
	ErrBadMagic     = errors.New("catalog: root page magic mismatch")
	ErrTableExists  = errors.New("catalog: table already exists")
	ErrTableMissing = errors.New("catalog: table not found")
	ErrCatalogFull  = errors.New("catalog: root page has no room for another table")
)

// Root is the opened root page: the table-name -> basepage-PageID directory.
type Root struct {
	cache *vmcache.VMCache
}

// Bootstrap initializes a brand-new database: allocates and formats the
// root page (callers must arrange for it to land at PageID 0, i.e. Bootstrap
// must run against a fresh VMCache before any other allocation).
func Bootstrap(cache *vmcache.VMCache, workerID int) (*Root, error) {
	guard, err := vmcache.NewAllocGuard(cache, workerID)
	if err != nil {
		return nil, fmt.Errorf("catalog: bootstrapping root page: %w", err)
	}
	if guard.PageID() != RootPageID {
		guard.Release()
		return nil, fmt.Errorf("catalog: root page must be the first allocation, got PageID %d", guard.PageID())
	}
	defer guard.Release()
	buf := guard.Data()
	binary.LittleEndian.PutUint32(buf[rootMagicOff:], rootMagic)
	binary.LittleEndian.PutUint32(buf[rootVersionOff:], 1)
	binary.LittleEndian.PutUint64(buf[rootTableCountOff:], 0)
	guard.MarkDirty()
	return &Root{cache: cache}, nil
}

// Open validates and wraps an existing root page.
func Open(cache *vmcache.VMCache, workerID int) (*Root, error) {
	guard, err := vmcache.NewSharedGuard(cache, RootPageID, workerID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	if binary.LittleEndian.Uint32(guard.Data()[rootMagicOff:]) != rootMagic {
		return nil, ErrBadMagic
	}
	return &Root{cache: cache}, nil
}

func tableCount(buf []byte) int {
	return int(binary.LittleEndian.Uint64(buf[rootTableCountOff:]))
}

func entryOffset(i int) int { return rootEntriesOff + i*rootEntrySize }

func entryName(buf []byte, i int) string {
	off := entryOffset(i)
	raw := buf[off : off+MaxTableNameLen]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func entryBasePage(buf []byte, i int) vmcache.PageID {
	off := entryOffset(i) + MaxTableNameLen
	return vmcache.PageID(binary.LittleEndian.Uint64(buf[off:]))
}

// Register adds a new table -> basepage mapping.
func (r *Root) Register(workerID int, name string, basePage vmcache.PageID) error {
	if len(name) > MaxTableNameLen {
		return fmt.Errorf("catalog: table name %q exceeds %d bytes", name, MaxTableNameLen)
	}
	guard, err := vmcache.NewExclusiveGuard(r.cache, RootPageID, workerID)
	if err != nil {
		return err
	}
	defer guard.Release()
	buf := guard.Data()
	n := tableCount(buf)
	for i := 0; i < n; i++ {
		if entryName(buf, i) == name {
			return ErrTableExists
		}
	}
	if n >= MaxTables {
		return ErrCatalogFull
	}
	off := entryOffset(n)
	clear(buf[off : off+rootEntrySize])
	copy(buf[off:off+MaxTableNameLen], name)
	binary.LittleEndian.PutUint64(buf[off+MaxTableNameLen:], uint64(basePage))
	binary.LittleEndian.PutUint64(buf[rootTableCountOff:], uint64(n+1))
	guard.MarkDirty()
	return nil
}

// Lookup returns the basepage PageID registered for name.
func (r *Root) Lookup(workerID int, name string) (vmcache.PageID, error) {
	guard, err := vmcache.NewSharedGuard(r.cache, RootPageID, workerID)
	if err != nil {
		return 0, err
	}
	defer guard.Release()
	buf := guard.Data()
	n := tableCount(buf)
	for i := 0; i < n; i++ {
		if entryName(buf, i) == name {
			return entryBasePage(buf, i), nil
		}
	}
	return 0, ErrTableMissing
}

// TableNames lists every registered table name, in registration order.
func (r *Root) TableNames(workerID int) ([]string, error) {
	guard, err := vmcache.NewSharedGuard(r.cache, RootPageID, workerID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	buf := guard.Data()
	n := tableCount(buf)
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = entryName(buf, i)
	}
	return names, nil
}
