package vmcache

import "sync"

// residentSet tracks which PageIDs are currently resident in memory so an
// eviction policy can pick candidates without scanning the whole page-state
// array. The original prototype uses a lock-free open-addressing hash set
// (utils/hashset.hpp); a mutex-guarded Go map is the idiomatic equivalent for
// this project's latch-carried concurrency (the hot path is the page-state
// CAS, not this bookkeeping set).
type residentSet struct {
	mu   sync.Mutex
	pids map[PageID]struct{}
}

func newResidentSet(sizeHint int) *residentSet {
	return &residentSet{pids: make(map[PageID]struct{}, sizeHint)}
}

func (r *residentSet) insert(pid PageID) {
	r.mu.Lock()
	r.pids[pid] = struct{}{}
	r.mu.Unlock()
}

func (r *residentSet) remove(pid PageID) {
	r.mu.Lock()
	delete(r.pids, pid)
	r.mu.Unlock()
}

func (r *residentSet) len() int {
	r.mu.Lock()
	n := len(r.pids)
	r.mu.Unlock()
	return n
}

// snapshot returns up to limit resident PageIDs. The order is unspecified;
// policies that need an ordering (Clock, MRU) layer their own bookkeeping on
// top of membership in this set.
func (r *residentSet) snapshot(limit int) []PageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PageID, 0, min(limit, len(r.pids)))
	for pid := range r.pids {
		if len(out) >= limit {
			break
		}
		out = append(out, pid)
	}
	return out
}
