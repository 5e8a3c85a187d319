package dispatch

import "sync/atomic"

// JobSlots bounds the number of jobs the dispatcher tracks concurrently,
// per spec §4.7's JOB_SLOTS (the prototype's dispatcher.hpp sets this to
// 128).
const JobSlots = 128

// jobHandle is the boxed job installed into a slot. The prototype tags the
// slot pointer itself (SLOT_TAG_INACTIVE/SLOT_TAG_EMPTY in the low/high
// bits of the address) to make the "is this slot active" check a single
// atomic load; Go can't safely tag a real pointer that way (the GC must
// see an untagged pointer), so the tag lives in a field on the boxed
// handle instead — a slot is empty when its *jobHandle is nil, and
// inactive/finalizing when inactive is true.
type jobHandle struct {
	job Job

	// inactive is CASed true by whichever worker becomes this job's
	// finalization coordinator once ExecuteNextMorsel first returns false.
	inactive atomic.Bool
	// pending is the prototype's finalization_counter: the net count of
	// workers still racing to finish this slot's job. The coordinator adds
	// the number of workers it found still marked as executing the slot;
	// each of those workers subtracts one when it next yields. Finalize
	// runs when this count returns to zero.
	pending atomic.Int32
}

type slotTable struct {
	slots [JobSlots]atomic.Pointer[jobHandle]
}

// install finds an empty slot (linear probe) and installs job, returning
// its index and boxed handle. Returns ok=false if every slot is occupied.
func (t *slotTable) install(job Job) (int, *jobHandle, bool) {
	h := &jobHandle{job: job}
	for i := range t.slots {
		if t.slots[i].CompareAndSwap(nil, h) {
			return i, h, true
		}
	}
	return -1, nil, false
}

func (t *slotTable) get(i int) *jobHandle { return t.slots[i].Load() }

func (t *slotTable) clear(i int) { t.slots[i].Store(nil) }
