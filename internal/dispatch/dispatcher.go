package dispatch

import (
	"fmt"
	"log"
	"math"
	"math/bits"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Config configures a Dispatcher, with zero-value fields resolved to
// spec-prescribed defaults in New (the teacher's small-Config-struct
// convention, carried forward from vmcache.Config).
type Config struct {
	// NumWorkers is the number of morsel-executing goroutines. Defaults to
	// runtime.NumCPU().
	NumWorkers int
	// NumPartitions approximates spec §4.7's NUMA node count for input
	// splitting (see numa.go on why this is a parameter, not discovered
	// topology). Defaults to 1.
	NumPartitions int
	// TMax is the target wall-clock duration per morsel, spec §4.7's
	// T_MAX. Defaults to 2ms.
	TMax time.Duration
	// Alpha is the EWMA weight for the per-slot throughput estimate, spec
	// §4.7's ALPHA. Defaults to 0.8.
	Alpha float64
}

func (c *Config) setDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = runtime.NumCPU()
	}
	if c.NumPartitions <= 0 {
		c.NumPartitions = 1
	}
	if c.TMax <= 0 {
		c.TMax = 2 * time.Millisecond
	}
	if c.Alpha <= 0 {
		c.Alpha = 0.8
	}
}

// Dispatcher is spec §4.7's morsel dispatcher: a fixed job-slot table
// drained by a pool of worker goroutines, each running an independent
// stride scheduler over its currently-active slots.
type Dispatcher struct {
	cfg     Config
	slots   slotTable
	workers []*WorkerState

	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
	wg      sync.WaitGroup
}

// New builds a Dispatcher with cfg's defaults resolved; call Start to
// launch its worker goroutines.
func New(cfg Config) *Dispatcher {
	cfg.setDefaults()
	d := &Dispatcher{cfg: cfg}
	d.cond = sync.NewCond(&d.mu)
	d.workers = make([]*WorkerState, cfg.NumWorkers)
	for i := range d.workers {
		d.workers[i] = newWorkerState(i)
	}
	return d
}

// Start launches NumWorkers goroutines, each running the morsel loop until
// Stop is called.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.NumWorkers; i++ {
		d.wg.Add(1)
		go d.workerLoop(d.workers[i])
	}
}

// Stop prevents new morsels from being picked up and waits for every
// worker goroutine to observe it; in-flight morsels finish (spec §5's
// stop_all — cancellation is not finer-grained than this).
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) notifyAll() {
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// ScheduleJob submits job for execution. Jobs cheap enough that dispatcher
// overhead would dominate — total expected time under TMax, or a size at
// or below their own minimum morsel size — run immediately on the calling
// goroutine instead (spec §4.7's "immediate-mode short-circuit", aimed at
// the many tiny OLTP-style jobs).
func (d *Dispatcher) ScheduleJob(job Job, callerWorkerID int) error {
	size := job.InputSize()
	expected := job.ExpectedTimePerUnit() * float64(size)
	if expected <= d.cfg.TMax.Seconds() || size <= job.MinMorselSize() {
		for job.ExecuteNextMorsel(size, callerWorkerID) {
		}
		return job.Finalize(callerWorkerID)
	}

	idx, _, ok := d.slots.install(job)
	if !ok {
		return fmt.Errorf("dispatch: no free job slot (max %d concurrent jobs)", JobSlots)
	}
	for _, w := range d.workers {
		orChangeMask(&w.changeMask[idx/64], 1<<uint(idx%64))
	}
	d.notifyAll()
	return nil
}

func (d *Dispatcher) workerLoop(w *WorkerState) {
	defer d.wg.Done()
	pinToCPU(w.id)
	for {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		if !d.runNext(w) {
			d.idleWait()
		}
	}
}

// pinToCPU locks the calling goroutine to its OS thread and pins that
// thread to a single CPU, giving numaPartitions' partition-index
// approximation (see numa.go) real cache/memory locality behind it —
// workerID's home partition is just workerID modulo the partition count, so
// pinning worker i to CPU i keeps a worker's morsels on the same core run
// after run. Best-effort: a sandboxed or non-Linux environment may refuse
// the affinity call, which is logged and otherwise ignored.
func pinToCPU(workerID int) {
	runtime.LockOSThread()
	n := runtime.NumCPU()
	if n == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(workerID % n)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Printf("dispatch: worker %d: SchedSetaffinity failed, continuing without CPU pinning: %v", workerID, err)
	}
}

// idleWait blocks until a job submission or Stop broadcasts, or 1ms
// elapses, matching spec §4.7's "waits on a condition variable with a 1ms
// timeout".
func (d *Dispatcher) idleWait() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	timer := time.AfterFunc(time.Millisecond, d.notifyAll)
	d.cond.Wait()
	timer.Stop()
	d.mu.Unlock()
}

// runNext is one step of a worker's stride scheduler: drain newly-active
// slots, pick the active slot with the smallest pass value, execute one
// adaptively-sized morsel of it, and update scheduling/throughput state —
// or finalize it if it has no more work. Returns false only when the
// worker found no active slot at all (the caller should idle-wait).
func (d *Dispatcher) runNext(w *WorkerState) bool {
	d.drainChangeMask(w)

	slot, ok := pickSlot(w)
	if !ok {
		return false
	}

	h := d.slots.get(slot)
	if h == nil || h.inactive.Load() {
		w.deactivate(slot)
		return true
	}

	throughput := w.slots[slot].throughput
	morselSize := int(throughput * d.cfg.TMax.Seconds())
	if min := h.job.MinMorselSize(); morselSize < min {
		morselSize = min
	}
	if morselSize < 1 {
		morselSize = 1
	}

	w.currentSlot.Store(int32(slot))
	start := time.Now()
	more := h.job.ExecuteNextMorsel(morselSize, w.id)
	if !more {
		w.deactivate(slot)
		prev := w.currentSlot.Swap(noSlot)
		d.handleExhausted(w, slot, h, prev)
		return true
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	priority := w.slots[slot].priority
	w.slots[slot].passValue += elapsed / priority
	w.globalPass += elapsed / w.sumPriorities

	measured := float64(morselSize) / elapsed
	newT := d.cfg.Alpha*measured + (1-d.cfg.Alpha)*throughput
	if lo := throughput * 0.5; newT < lo {
		newT = lo
	}
	if hi := throughput * 1.5; newT > hi {
		newT = hi
	}
	w.slots[slot].throughput = newT

	prev := w.currentSlot.Swap(noSlot)
	if prev == finalizationMarker {
		w.deactivate(slot)
		if h.pending.Add(-1) == 0 {
			d.finalizeSlot(slot, h, w.id)
		}
	}
	return true
}

func (d *Dispatcher) drainChangeMask(w *WorkerState) {
	for i := range w.changeMask {
		changes := w.changeMask[i].Swap(0)
		for changes != 0 {
			bit := bits.TrailingZeros64(changes)
			changes &^= uint64(1) << uint(bit)
			slot := i*64 + bit
			h := d.slots.get(slot)
			if h == nil || h.inactive.Load() {
				continue
			}
			w.slots[slot] = workerSlotState{
				active:     true,
				passValue:  w.globalPass,
				priority:   h.job.Priority(),
				throughput: 1.0 / h.job.ExpectedTimePerUnit(),
			}
			w.sumPriorities += w.slots[slot].priority
		}
	}
}

func pickSlot(w *WorkerState) (int, bool) {
	best := -1
	bestPass := math.MaxFloat64
	for i := 0; i < JobSlots; i++ {
		if w.slots[i].active && w.slots[i].passValue < bestPass {
			best = i
			bestPass = w.slots[i].passValue
		}
	}
	return best, best >= 0
}

// handleExhausted runs the finalization-coordinator protocol (spec §9):
// whichever worker observes ExecuteNextMorsel return false for a slot
// either discovers it was already caught by another coordinator (prev ==
// finalizationMarker) or becomes the coordinator itself, scanning every
// worker for one still (concurrently) marked as executing this slot and
// tagging it finalizationMarker so that worker deregisters on its own next
// yield. Finalize runs exactly once, when the pending count returns to
// zero.
func (d *Dispatcher) handleExhausted(w *WorkerState, slot int, h *jobHandle, prev int32) {
	if prev == finalizationMarker {
		if h.pending.Add(-1) == 0 {
			d.finalizeSlot(slot, h, w.id)
		}
		return
	}
	if !h.inactive.CompareAndSwap(false, true) {
		return
	}
	var stillExecuting int32
	for _, other := range d.workers {
		if other.currentSlot.CompareAndSwap(int32(slot), finalizationMarker) {
			stillExecuting++
		}
	}
	if h.pending.Add(stillExecuting) == 0 {
		d.finalizeSlot(slot, h, w.id)
	}
}

// finalizeSlot runs a job's Finalize exactly once (spec's P-FinalizeOnce)
// and frees its slot. There is no synchronous caller left to return an
// error to from a worker goroutine, so a Finalize failure here is logged
// rather than propagated — the same swallow-and-count policy spec §7 gives
// I/O errors, applied at the dispatcher boundary.
func (d *Dispatcher) finalizeSlot(slot int, h *jobHandle, workerID int) {
	d.slots.clear(slot)
	if err := h.job.Finalize(workerID); err != nil {
		log.Printf("dispatch: job in slot %d failed during finalize: %v", slot, err)
	}
}
