package vmcache

// AllocateTemporaryPage hands out a page that participates in the same
// physical-memory budget and eviction pressure as regular pages (the policy
// is told about it via prepareTempAllocation in the prototype) but is never
// backed by the backing file: it exists only to give operators — sort runs,
// hash-join tables, spill buffers — a page-sized scratch buffer that the
// cache can still account for and reclaim pressure against. The returned
// page is already latched exclusively; the caller releases it with
// DropTemporaryPage, not a normal ExclusiveGuard.Release.
func (c *VMCache) AllocateTemporaryPage(workerID int) (PageID, []byte, error) {
	pid, data, err := c.allocatePage(workerID)
	if err != nil {
		return 0, nil, err
	}
	c.tempPagesInUse.Add(1)
	return pid, data, nil
}

// DropTemporaryPage releases a page obtained from AllocateTemporaryPage.
// Unlike evicting a regular page, a temp page is never written back — it
// was never backed by durable storage.
func (c *VMCache) DropTemporaryPage(pid PageID) {
	c.states[pid].store(withState(c.loadState(pid), stateEvicted))
	c.resident.Add(^uint64(0))
	c.tempPagesInUse.Add(^uint64(0))
	c.policy.OnDropped(pid)
}

// NumTemporaryPagesInUse reports live temp-page allocations, for Stats-style
// diagnostics and tests of the capacity invariants.
func (c *VMCache) NumTemporaryPagesInUse() uint64 {
	return c.tempPagesInUse.Load()
}
