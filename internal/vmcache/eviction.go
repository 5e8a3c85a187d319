package vmcache

import (
	"math/rand"
	"sync"
)

// EvictionCandidates is the result of one call to a Policy's
// PickCandidates: up to 64 PageIDs (so the dirty mask fits in a uint64) plus
// a bit per candidate recording whether it was dirty when selected.
type EvictionCandidates struct {
	PageIDs   []PageID
	DirtyMask uint64 // bit i set => PageIDs[i] was dirty at selection time
}

const maxEvictionBatch = 64

// Policy is the pluggable partition strategy behind VMCache eviction,
// mirroring the prototype's PartitioningStrategy interface: a policy is told
// about every fault and every re-reference (Ref) of a resident page, and is
// asked to produce eviction candidates on demand. It never touches the page
// state word directly — VMCache performs the CAS to Locked/Evicted and the
// madvise(DONTNEED) release; the policy only decides which PageIDs to try.
type Policy interface {
	// OnFault is invoked once a page has been fetched into memory.
	OnFault(pid PageID)
	// OnRef is invoked when an already-resident page is re-latched, letting
	// recency/frequency-based policies update their bookkeeping.
	OnRef(pid PageID)
	// OnDropped is invoked when VMCache itself has already reclaimed pid
	// (e.g. it was never faulted, or a caller explicitly freed it) so the
	// policy can stop tracking it without attempting eviction.
	OnDropped(pid PageID)
	// PickCandidates returns up to batchSize PageIDs the policy believes are
	// good eviction candidates right now. batchSize is capped at 64.
	PickCandidates(batchSize int) EvictionCandidates
	// Resident reports how many pages the policy currently tracks as
	// memory-resident. Stats() reports VMCache's own resident counter, not
	// this value.
	Resident() int
}

func clampBatch(n int) int {
	if n <= 0 {
		return 1
	}
	if n > maxEvictionBatch {
		return maxEvictionBatch
	}
	return n
}

// isDirtyFn reads the current dirty bit for pid directly off the page-state
// atomic; policies consult it at selection time rather than caching dirtiness
// themselves, since it can change concurrently under shared latches.
type isDirtyFn func(pid PageID) bool

// ── Clock ───────────────────────────────────────────────────────────────────

// ClockPolicy is a CLOCK (second-chance) approximation of LRU: faulted pages
// are appended to a ring; PickCandidates sweeps the ring from the last
// position, clearing a reference bit on pages that were Ref'd since the last
// sweep and returning the rest as candidates.
type ClockPolicy struct {
	mu       sync.Mutex
	dirtyOf  isDirtyFn
	ring     []PageID
	refBit   map[PageID]bool
	indexOf  map[PageID]int
	hand     int
	resident int
}

func NewClockPolicy(dirtyOf isDirtyFn) *ClockPolicy {
	return &ClockPolicy{
		dirtyOf: dirtyOf,
		refBit:  make(map[PageID]bool),
		indexOf: make(map[PageID]int),
	}
}

func (c *ClockPolicy) OnFault(pid PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexOf[pid]; ok {
		c.refBit[pid] = true
		return
	}
	c.indexOf[pid] = len(c.ring)
	c.ring = append(c.ring, pid)
	c.refBit[pid] = true
	c.resident++
}

func (c *ClockPolicy) OnRef(pid PageID) {
	c.mu.Lock()
	if _, ok := c.indexOf[pid]; ok {
		c.refBit[pid] = true
	}
	c.mu.Unlock()
}

func (c *ClockPolicy) OnDropped(pid PageID) {
	c.mu.Lock()
	c.removeLocked(pid)
	c.mu.Unlock()
}

func (c *ClockPolicy) removeLocked(pid PageID) {
	idx, ok := c.indexOf[pid]
	if !ok {
		return
	}
	last := len(c.ring) - 1
	c.ring[idx] = c.ring[last]
	c.indexOf[c.ring[idx]] = idx
	c.ring = c.ring[:last]
	delete(c.indexOf, pid)
	delete(c.refBit, pid)
	c.resident--
	if c.hand > idx {
		c.hand--
	}
	if len(c.ring) > 0 {
		c.hand %= len(c.ring)
	} else {
		c.hand = 0
	}
}

func (c *ClockPolicy) PickCandidates(batchSize int) EvictionCandidates {
	batchSize = clampBatch(batchSize)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := EvictionCandidates{PageIDs: make([]PageID, 0, batchSize)}
	if len(c.ring) == 0 {
		return out
	}
	// Bound the sweep to twice the ring length so a ring that's entirely
	// reference-bit-set still terminates rather than spinning forever.
	for sweeps := 0; sweeps < 2*len(c.ring)+1 && len(out.PageIDs) < batchSize; sweeps++ {
		if len(c.ring) == 0 {
			break
		}
		c.hand %= len(c.ring)
		pid := c.ring[c.hand]
		if c.refBit[pid] {
			c.refBit[pid] = false
			c.hand++
			continue
		}
		if c.dirtyOf(pid) {
			out.DirtyMask |= 1 << uint(len(out.PageIDs))
		}
		out.PageIDs = append(out.PageIDs, pid)
		c.hand++
	}
	return out
}

func (c *ClockPolicy) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

// ── Random ──────────────────────────────────────────────────────────────────

// RandomPolicy tracks resident pages in a residentSet and, on each
// PickCandidates call, samples batchSize of them uniformly at random. It
// costs nothing per Ref, trading away recency-awareness for simplicity.
type RandomPolicy struct {
	dirtyOf  isDirtyFn
	resident *residentSet
}

func NewRandomPolicy(dirtyOf isDirtyFn) *RandomPolicy {
	return &RandomPolicy{dirtyOf: dirtyOf, resident: newResidentSet(1024)}
}

func (r *RandomPolicy) OnFault(pid PageID)   { r.resident.insert(pid) }
func (r *RandomPolicy) OnRef(PageID)         {}
func (r *RandomPolicy) OnDropped(pid PageID) { r.resident.remove(pid) }

func (r *RandomPolicy) PickCandidates(batchSize int) EvictionCandidates {
	batchSize = clampBatch(batchSize)
	all := r.resident.snapshot(1 << 20)
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > batchSize {
		all = all[:batchSize]
	}
	out := EvictionCandidates{PageIDs: all}
	for i, pid := range all {
		if r.dirtyOf(pid) {
			out.DirtyMask |= 1 << uint(i)
		}
	}
	return out
}

func (r *RandomPolicy) Resident() int { return r.resident.len() }

// ── MRU ─────────────────────────────────────────────────────────────────────

// MRUPolicy evicts the Most Recently Used page first. It exists mainly as
// the adversarial-access-pattern counterpart to Clock/Random for benchmarks
// and tests that want to force a specific eviction order; production
// workloads generally prefer Clock.
type MRUPolicy struct {
	mu      sync.Mutex
	dirtyOf isDirtyFn
	stack   []PageID // stack[len-1] is most recently used
	indexOf map[PageID]int
}

func NewMRUPolicy(dirtyOf isDirtyFn) *MRUPolicy {
	return &MRUPolicy{dirtyOf: dirtyOf, indexOf: make(map[PageID]int)}
}

func (m *MRUPolicy) touch(pid PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.indexOf[pid]; ok {
		last := len(m.stack) - 1
		m.stack[idx], m.stack[last] = m.stack[last], m.stack[idx]
		m.indexOf[m.stack[idx]] = idx
		m.indexOf[pid] = last
		return
	}
	m.indexOf[pid] = len(m.stack)
	m.stack = append(m.stack, pid)
}

func (m *MRUPolicy) OnFault(pid PageID) { m.touch(pid) }
func (m *MRUPolicy) OnRef(pid PageID)   { m.touch(pid) }

func (m *MRUPolicy) OnDropped(pid PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexOf[pid]
	if !ok {
		return
	}
	last := len(m.stack) - 1
	m.stack[idx] = m.stack[last]
	m.indexOf[m.stack[idx]] = idx
	m.stack = m.stack[:last]
	delete(m.indexOf, pid)
}

func (m *MRUPolicy) PickCandidates(batchSize int) EvictionCandidates {
	batchSize = clampBatch(batchSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := EvictionCandidates{PageIDs: make([]PageID, 0, batchSize)}
	for i := len(m.stack) - 1; i >= 0 && len(out.PageIDs) < batchSize; i-- {
		pid := m.stack[i]
		if m.dirtyOf(pid) {
			out.DirtyMask |= 1 << uint(len(out.PageIDs))
		}
		out.PageIDs = append(out.PageIDs, pid)
	}
	return out
}

func (m *MRUPolicy) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}
