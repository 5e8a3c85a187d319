package vmcache

import "fmt"

// PageSnapshot is a diagnostic view of one page's latch state, for test
// harnesses and the debugging surfaces callers build on top of Stats.
type PageSnapshot struct {
	PageID  PageID
	State   string
	Dirty   bool
	Version uint64
}

func stateString(s uint64) string {
	switch {
	case s == stateUnlocked:
		return "unlocked"
	case s >= stateSharedMin && s <= stateSharedMax:
		return fmt.Sprintf("shared(%d)", s)
	case s == stateFaulted:
		return "faulted"
	case s == stateLocked:
		return "locked"
	case s == stateMarked:
		return "marked"
	case s == stateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Inspect returns the latch-state snapshot for a single page. It is
// inherently racy with respect to concurrent latching — intended for tests
// and offline diagnostics, not for making latching decisions.
func (c *VMCache) Inspect(pid PageID) PageSnapshot {
	w := c.loadState(pid)
	return PageSnapshot{
		PageID:  pid,
		State:   stateString(state(w)),
		Dirty:   isDirty(w),
		Version: version(w),
	}
}

// Resident returns a diagnostic dump of every allocated page whose state
// is not Evicted, found by reading the page state words (the eviction
// policy is not consulted).
func (c *VMCache) Resident() []PageSnapshot {
	out := make([]PageSnapshot, 0, c.resident.Load())
	// The Policy interface only promises a count, not a list, so this
	// walks every allocated PageID (below nextPageID), which is fine for
	// the tests/diagnostics this is meant for.
	for pid := PageID(0); pid < PageID(c.cfg.VirtualPages) && uint64(pid) < c.nextPageID.Load(); pid++ {
		w := c.loadState(pid)
		if state(w) != stateEvicted {
			out = append(out, c.Inspect(pid))
		}
	}
	return out
}
