package dispatch

import (
	"sync"

	"github.com/dbis-ilm/morselstore/internal/exec"
)

// StarterJob adapts an exec.Starter (and, if present, its Preparer hook)
// into a dispatch.Job: InputSize is partitioned across NUMA-approximated
// partitions once at Prepare time, and each morsel claim walks those
// partitions with stealing via numaPartitions.claim.
type StarterJob struct {
	Starter     exec.Starter
	MinMorsel   int
	TimePerUnit float64
	JobPriority float64

	numPartitions int
	partitions    *numaPartitions

	mu  sync.Mutex
	err error
}

// NewStarterJob wraps starter for scheduling across numPartitions input
// partitions, with timePerUnit seeding the adaptive morsel-size estimate
// (spec §4.7's expected_time_per_unit).
func NewStarterJob(starter exec.Starter, numPartitions int, timePerUnit float64) *StarterJob {
	if numPartitions < 1 {
		numPartitions = 1
	}
	if timePerUnit <= 0 {
		timePerUnit = 1e-6
	}
	return &StarterJob{Starter: starter, numPartitions: numPartitions, TimePerUnit: timePerUnit}
}

func (j *StarterJob) InputSize() int { return j.Starter.InputSize() }

func (j *StarterJob) MinMorselSize() int {
	if j.MinMorsel < 1 {
		return 1
	}
	return j.MinMorsel
}

func (j *StarterJob) ExpectedTimePerUnit() float64 { return j.TimePerUnit }

func (j *StarterJob) Priority() float64 {
	if j.JobPriority <= 0 {
		return 1.0
	}
	return j.JobPriority
}

// Prepare partitions the starter's input and, if it implements
// exec.Preparer, runs its pre-execution hook — the QEP's start_execution
// step (spec §4.8), done once before this job's first morsel is claimed.
func (j *StarterJob) Prepare(workerID int) error {
	j.partitions = newNUMAPartitions(j.Starter.InputSize(), j.numPartitions)
	if p, ok := j.Starter.(exec.Preparer); ok {
		return p.Prepare(workerID)
	}
	return nil
}

func (j *StarterJob) ExecuteNextMorsel(morselSize, workerID int) bool {
	home := workerID % j.numPartitions
	from, to, ok := j.partitions.claim(home, morselSize)
	if !ok {
		return false
	}
	if err := j.Starter.Execute(from, to, workerID); err != nil {
		j.mu.Lock()
		if j.err == nil {
			j.err = err
		}
		j.mu.Unlock()
		return false
	}
	return true
}

func (j *StarterJob) Finalize(int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
