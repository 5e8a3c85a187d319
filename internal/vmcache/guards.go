package vmcache

// OptimisticGuard is a version-capturing, latch-free read handle: init()
// captures the page's state word without blocking writers, and every method
// that reads through the guard must end with a call to Validate (or Release)
// that compares the captured version against the current one. A mismatch
// returns ErrRestart, which callers propagate up to the nearest retry point
// — never logged, never wrapped, just control flow (spec §7).
type OptimisticGuard struct {
	c       *VMCache
	pid     PageID
	data    []byte
	version uint64
	moved   bool
}

// NewOptimisticGuard captures pid's current version, faulting it in first if
// it is evicted.
func NewOptimisticGuard(c *VMCache, pid PageID) (*OptimisticGuard, error) {
	g := &OptimisticGuard{c: c, pid: pid}
	if err := g.init(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *OptimisticGuard) init() error {
	for {
		w := g.c.loadState(g.pid)
		s := state(w)
		switch s {
		case stateMarked:
			if g.c.casState(g.pid, w, withState(w, stateUnlocked)) {
				g.version = withState(w, stateUnlocked)
				g.data = g.c.pageBytes(g.pid)
				return nil
			}
		case stateLocked:
			// contended, spin
		case stateEvicted:
			if g.c.casState(g.pid, w, withState(w, stateLocked)) {
				g.c.fault(g.pid)
				g.c.resident.Add(1)
				g.c.states[g.pid].store(withState(w, stateUnlocked))
			}
		default:
			g.version = w
			g.data = g.c.pageBytes(g.pid)
			return nil
		}
	}
}

// PageID returns the page this guard is currently latched over.
func (g *OptimisticGuard) PageID() PageID { return g.pid }

// Data returns the raw page bytes. The caller must treat the contents as
// provisional until Validate succeeds — any field read from it may be torn
// by a concurrent writer and must be re-checked.
func (g *OptimisticGuard) Data() []byte { return g.data }

// Validate compares the captured version against the page's current state,
// per the prototype's checkVersionAndRestart: identical words are a fast
// match; same version with a shared or cleared Marked state is also fine;
// anything else means a writer touched the page since init and the read
// must restart.
func (g *OptimisticGuard) Validate() error {
	if g.moved {
		return nil
	}
	w := g.c.loadState(g.pid)
	if w == g.version {
		return nil
	}
	if version(w) == version(g.version) {
		s := state(w)
		if s >= stateSharedMin && s <= stateSharedMax {
			return nil
		}
		if s == stateMarked {
			if g.c.casState(g.pid, w, withState(w, stateUnlocked)) {
				return nil
			}
		}
	}
	g.moved = true
	g.data = nil
	return ErrRestart
}

// Release validates one final time and detaches the guard.
func (g *OptimisticGuard) Release() error {
	err := g.Validate()
	g.moved = true
	return err
}

// Reinit re-points the guard at a child page, first validating the parent's
// version — the latch-coupling step used when descending the B+-tree.
func (g *OptimisticGuard) Reinit(pid PageID) error {
	if err := g.Validate(); err != nil {
		return err
	}
	g.pid = pid
	return g.init()
}

// Upgrade converts this optimistic read into an ExclusiveGuard without an
// intervening fault, matching ExclusiveGuard(OptimisticGuard&&) in the
// prototype: it CASes Unlocked/Marked directly to Locked, checking the
// captured version first so a concurrent writer is detected as a restart
// rather than silently granting exclusive access to stale data.
func (g *OptimisticGuard) Upgrade() (*ExclusiveGuard, error) {
	if g.moved {
		return nil, ErrRestart
	}
	for {
		w := g.c.loadState(g.pid)
		if version(w) != version(g.version) {
			g.moved = true
			return nil, ErrRestart
		}
		s := state(w)
		if s != stateUnlocked && s != stateMarked {
			continue
		}
		if g.c.casState(g.pid, w, withState(w, stateLocked)) {
			g.moved = true
			return &ExclusiveGuard{c: g.c, pid: g.pid, data: g.data}, nil
		}
	}
}

// SharedGuard is a blocking shared (read) latch: unlike OptimisticGuard it
// never restarts, at the cost of blocking a concurrent writer for its
// lifetime.
type SharedGuard struct {
	c     *VMCache
	pid   PageID
	data  []byte
	moved bool
}

func NewSharedGuard(c *VMCache, pid PageID, workerID int) (*SharedGuard, error) {
	data, err := c.fixShared(pid, workerID)
	if err != nil {
		return nil, err
	}
	return &SharedGuard{c: c, pid: pid, data: data}, nil
}

func (g *SharedGuard) Data() []byte { return g.data }

func (g *SharedGuard) Release() {
	if !g.moved {
		g.c.unfixShared(g.pid)
		g.moved = true
	}
}

// ExclusiveGuard is a blocking exclusive (write) latch.
type ExclusiveGuard struct {
	c     *VMCache
	pid   PageID
	data  []byte
	dirty bool
	moved bool
}

func NewExclusiveGuard(c *VMCache, pid PageID, workerID int) (*ExclusiveGuard, error) {
	data, err := c.fixExclusive(pid, workerID)
	if err != nil {
		return nil, err
	}
	return &ExclusiveGuard{c: c, pid: pid, data: data}, nil
}

func (g *ExclusiveGuard) Data() []byte { return g.data }

// MarkDirty flags the page for write-back on eviction; it must be called
// before Release whenever the guard's caller mutated Data().
func (g *ExclusiveGuard) MarkDirty() { g.dirty = true }

func (g *ExclusiveGuard) Release() {
	if !g.moved {
		g.c.unfixExclusive(g.pid, g.dirty)
		g.moved = true
	}
}

func (g *ExclusiveGuard) PageID() PageID { return g.pid }

// AllocGuard is an ExclusiveGuard over a freshly allocated, zeroed page.
type AllocGuard struct {
	ExclusiveGuard
}

func NewAllocGuard(c *VMCache, workerID int) (*AllocGuard, error) {
	pid, data, err := c.allocatePage(workerID)
	if err != nil {
		return nil, err
	}
	return &AllocGuard{ExclusiveGuard{c: c, pid: pid, data: data, dirty: true}}, nil
}
