package exec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// Tag/pointer layout of the join hash table's per-slot head word, per
// spec §9 "Join-build chain pointer in place": the top HashTagBits bits are
// an OR-accumulated Bloom-style tag for the whole chain, the low
// pointerBits bits are a handle to the newest row inserted into the chain
// (0 means empty; a real handle is stored as handle+1).
const (
	HashTagBits = 4
	pointerBits = 64 - HashTagBits
	pointerMask = (uint64(1) << pointerBits) - 1
	rowIdxBits  = 24
	rowIdxMask  = (uint64(1) << rowIdxBits) - 1

	// buildRowHeaderSize reserves 8 bytes at the front of every row a
	// JoinBreaker stores for the embedded hash-chain "next" pointer
	// (spec §4.6 "prefixing each build row with a slot for a next
	// pointer").
	buildRowHeaderSize = 8
)

func hash32(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}

func tagBitsFromHash(h uint32) uint64 { return uint64(h>>28) & 0xF }

func slotFromHash(h uint32, numSlots int) int { return int(h) & (numSlots - 1) }

func encodeHandle(batchIdx, rowIdx int) uint64 {
	return uint64(batchIdx)<<rowIdxBits | (uint64(rowIdx) & rowIdxMask)
}

func decodeHandle(h uint64) (batchIdx, rowIdx int) {
	return int(h >> rowIdxBits), int(h & rowIdxMask)
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// hashTable is the lock-free chained hash table of spec §4.6, backed by
// temporary pages from the same allocator as everything else (spec §1's
// "the join hash table lives in temporary pages from the same allocator").
// Every slot word is CASed through a raw *uint64 over the mapped page
// bytes — the one place this repo reaches for unsafe.Pointer, per the
// design notes' acknowledgment that storage-layer pointer arithmetic into
// pages is an explicit, lifetime-scoped exception to ordinary memory
// safety.
type hashTable struct {
	cache    *vmcache.VMCache
	pids     []vmcache.PageID
	bufs     [][]byte
	numSlots int
}

const slotsPerPage = vmcache.PageSize / 8

func newHashTable(cache *vmcache.VMCache, workerID, numSlots int) (*hashTable, error) {
	nPages := (numSlots + slotsPerPage - 1) / slotsPerPage
	t := &hashTable{cache: cache, numSlots: numSlots}
	for i := 0; i < nPages; i++ {
		pid, buf, err := cache.AllocateTemporaryPage(workerID)
		if err != nil {
			t.release()
			return nil, fmt.Errorf("exec: allocating hash table page %d/%d: %w", i, nPages, err)
		}
		clear(buf)
		t.pids = append(t.pids, pid)
		t.bufs = append(t.bufs, buf)
	}
	return t, nil
}

func (t *hashTable) slotPtr(slot int) *uint64 {
	page := t.bufs[slot/slotsPerPage]
	off := (slot % slotsPerPage) * 8
	return (*uint64)(unsafe.Pointer(&page[off]))
}

func (t *hashTable) load(slot int) uint64     { return atomic.LoadUint64(t.slotPtr(slot)) }
func (t *hashTable) store(slot int, v uint64) { atomic.StoreUint64(t.slotPtr(slot), v) }
func (t *hashTable) cas(slot int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(t.slotPtr(slot), old, new)
}

func (t *hashTable) release() {
	for _, pid := range t.pids {
		t.cache.DropTemporaryPage(pid)
	}
	t.pids, t.bufs = nil, nil
}

// JoinBreaker accumulates build-side rows behind an 8-byte hash-chain
// header per spec §4.6. Unlike other breakers it does not flow its rows
// into a downstream pipeline via ConsumeBatches — JoinHTInit/JoinBuild
// consume them directly to build the hash table, and JoinProbe is wired to
// it via (*Builder).AddJoinProbe.
type JoinBreaker struct {
	cache    *vmcache.VMCache
	userDesc *batch.Description
	rawDesc  *batch.Description

	mu        sync.Mutex
	batches   []*batch.Batch
	current   *batch.Batch
	offsets   []int
	totalRows int

	table *hashTable
}

// NewJoinBreaker builds the breaker for a build side whose rows are
// described by userDesc (the columns visible to JoinProbe; the 8-byte
// chain-pointer header is an implementation detail layered underneath).
func NewJoinBreaker(cache *vmcache.VMCache, userDesc *batch.Description) (*JoinBreaker, error) {
	specs := make([]batch.ColumnSpec, 0, len(userDesc.Columns)+1)
	specs = append(specs, batch.ColumnSpec{Name: "__next", Type: batch.TypeUint64})
	for _, c := range userDesc.Columns {
		specs = append(specs, batch.ColumnSpec{Name: c.Name, Type: c.Type})
	}
	rawDesc, err := batch.NewDescription(specs...)
	if err != nil {
		return nil, err
	}
	return &JoinBreaker{cache: cache, userDesc: userDesc, rawDesc: rawDesc}, nil
}

func (jb *JoinBreaker) Description() *batch.Description { return jb.userDesc }

func (jb *JoinBreaker) ConsumeBatches(Operator, int) error { return nil }

// Push copies every valid row of b into this breaker's own raw-layout
// batches, leaving the 8-byte header zeroed for JoinBuild to fill in.
func (jb *JoinBreaker) Push(b *batch.Batch, workerID int) error {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	for i := 0; i < b.CurrentSize(); i++ {
		if !b.IsRowValid(i) {
			continue
		}
		if jb.current == nil {
			nb, err := batch.New(jb.cache, workerID, jb.rawDesc)
			if err != nil {
				return err
			}
			jb.current = nb
		}
		_, row, ok := jb.current.AddRowIfPossible()
		if !ok {
			jb.batches = append(jb.batches, jb.current)
			nb, err := batch.New(jb.cache, workerID, jb.rawDesc)
			if err != nil {
				return err
			}
			jb.current = nb
			_, row, _ = jb.current.AddRowIfPossible()
		}
		clear(row[:buildRowHeaderSize])
		copy(row[buildRowHeaderSize:], b.GetRow(i))
	}
	b.Release(workerID)
	return nil
}

// finalize flushes the pending partial batch and computes per-batch row
// offsets, called once by JoinHTInit.Prepare before sizing the hash table.
func (jb *JoinBreaker) finalize(workerID int) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if jb.current != nil {
		jb.batches = append(jb.batches, jb.current)
		jb.current = nil
	}
	jb.offsets = make([]int, len(jb.batches)+1)
	for i, b := range jb.batches {
		jb.offsets[i+1] = jb.offsets[i] + b.CurrentSize()
	}
	jb.totalRows = jb.offsets[len(jb.batches)]
}

// locate maps a flattened row index into (batchIdx, rowIdx).
func (jb *JoinBreaker) locate(i int) (batchIdx, rowIdx int) {
	batchIdx = sort.Search(len(jb.offsets)-1, func(b int) bool { return jb.offsets[b+1] > i })
	return batchIdx, i - jb.offsets[batchIdx]
}

func (jb *JoinBreaker) rawRow(batchIdx, rowIdx int) []byte {
	return jb.batches[batchIdx].GetRow(rowIdx)
}

// JoinHTInit is the starter of spec §4.6's "JoinHTInit": it sizes a
// power-of-two hash table for 2x the build side's valid row count and
// zeroes it across morsels.
type JoinHTInit struct {
	Cache   *vmcache.VMCache
	Breaker *JoinBreaker
}

// Prepare is the QEP's pre-execution hook (spec §4.8): it finalizes the
// breaker's accumulated batches and allocates the table before any morsel
// of this pipeline (or the dependent JoinBuild pipeline) runs.
func (s *JoinHTInit) Prepare(workerID int) error {
	s.Breaker.finalize(workerID)
	slots := nextPow2(2 * max(s.Breaker.totalRows, 8))
	table, err := newHashTable(s.Cache, workerID, slots)
	if err != nil {
		return err
	}
	s.Breaker.table = table
	return nil
}

func (s *JoinHTInit) InputSize() int {
	if s.Breaker.table == nil {
		return 0
	}
	return s.Breaker.table.numSlots
}

func (s *JoinHTInit) Execute(from, to, workerID int) error {
	t := s.Breaker.table
	for slot := from; slot < to; slot++ {
		t.store(slot, 0)
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// JoinBuild is the starter of spec §4.6's "JoinBuild": for each build row
// it computes the key's hash, derives a tag and slot, and lock-free CASes
// the row into the head of its slot's chain, preserving the OR of every
// tag ever inserted into that chain in the head word's top bits.
type JoinBuild struct {
	Cache   *vmcache.VMCache
	Breaker *JoinBreaker
	KeySize int
}

func (s *JoinBuild) InputSize() int { return s.Breaker.totalRows }

func (s *JoinBuild) Execute(from, to, workerID int) error {
	t := s.Breaker.table
	for i := from; i < to; i++ {
		batchIdx, rowIdx := s.Breaker.locate(i)
		raw := s.Breaker.rawRow(batchIdx, rowIdx)
		key := raw[buildRowHeaderSize : buildRowHeaderSize+s.KeySize]
		h := hash32(key)
		tag := tagBitsFromHash(h)
		slot := slotFromHash(h, t.numSlots)
		storedPtr := encodeHandle(batchIdx, rowIdx) + 1
		for {
			old := t.load(slot)
			oldPtr := old & pointerMask
			binary.LittleEndian.PutUint64(raw[0:buildRowHeaderSize], oldPtr)
			newTagBits := (old >> pointerBits) | tag
			newVal := (newTagBits << pointerBits) | storedPtr
			if t.cas(slot, old, newVal) {
				break
			}
		}
	}
	return nil
}

// Side names which side of a join an output column is sourced from.
type Side int

const (
	SideProbe Side = iota
	SideBuild
)

// OutputColumnInfo names one output column: its output name (must match a
// column of OutSchema), which side it is sourced from, and the name of the
// corresponding column in that side's schema (ProbeSchema for SideProbe,
// the build JoinBreaker's own schema for SideBuild).
type OutputColumnInfo struct {
	OutName    string
	Side       Side
	SourceName string
}

// JoinProbe is the Operator of spec §4.6's "JoinProbe": probe row key
// starts at offset 0; it quick-rejects via the slot's tag bits, then walks
// the matching chain comparing keys, emitting one output row per match
// assembled from OutputCols.
type JoinProbe struct {
	Cache       *vmcache.VMCache
	Breaker     *JoinBreaker
	KeySize     int
	ProbeSchema *batch.Description
	OutputCols  []OutputColumnInfo
	OutSchema   *batch.Description

	next Operator
}

func (s *JoinProbe) setNext(op Operator) { s.next = op }

// probeOffset/buildOffset resolve an OutputCols entry's source offset and
// width by name against the probe input schema / build breaker schema.
func (s *JoinProbe) probeOffset(name string) (int, int) {
	off, typ, ok := s.ProbeSchema.Find(name)
	if !ok {
		panic(fmt.Sprintf("exec: JoinProbe probe column %q not found", name))
	}
	return off, typ.Size()
}

func (s *JoinProbe) buildOffset(name string) (int, int) {
	off, typ, ok := s.Breaker.userDesc.Find(name)
	if !ok {
		panic(fmt.Sprintf("exec: JoinProbe build column %q not found", name))
	}
	return off, typ.Size()
}

func (s *JoinProbe) Push(in *batch.Batch, workerID int) error {
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

	t := s.Breaker.table
	for i := 0; i < in.CurrentSize(); i++ {
		if !in.IsRowValid(i) {
			continue
		}
		probeRow := in.GetRow(i)
		key := probeRow[:s.KeySize]
		h := hash32(key)
		tag := tagBitsFromHash(h)
		slot := slotFromHash(h, t.numSlots)
		head := t.load(slot)
		// The slot's top bits are the OR of every tag ever inserted into
		// its chain; a probe can only match if its own tag bits are a
		// subset of that accumulated set. Comparing against 0 instead of
		// tag itself would wrongly reject every probe whose hash happens
		// to produce an all-zero tag.
		if (head>>pointerBits)&tag != tag {
			continue
		}
		ptr := head & pointerMask
		for ptr != 0 {
			batchIdx, rowIdx := decodeHandle(ptr - 1)
			buildRow := s.Breaker.rawRow(batchIdx, rowIdx)
			buildKey := buildRow[buildRowHeaderSize : buildRowHeaderSize+s.KeySize]
			if bytes.Equal(buildKey, key) {
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
				for _, oc := range s.OutputCols {
					dstOff, dstTyp, ok := s.OutSchema.Find(oc.OutName)
					if !ok {
						return fmt.Errorf("exec: JoinProbe: output column %q not in OutSchema", oc.OutName)
					}
					size := dstTyp.Size()
					if oc.Side == SideProbe {
						srcOff, _ := s.probeOffset(oc.SourceName)
						copy(orow[dstOff:dstOff+size], probeRow[srcOff:srcOff+size])
					} else {
						srcOff, _ := s.buildOffset(oc.SourceName)
						srcOff += buildRowHeaderSize
						copy(orow[dstOff:dstOff+size], buildRow[srcOff:srcOff+size])
					}
				}
			}
			ptr = binary.LittleEndian.Uint64(buildRow[0:buildRowHeaderSize])
		}
	}
	in.Release(workerID)
	return flush()
}
