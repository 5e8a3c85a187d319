package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/dbis-ilm/morselstore/internal/exec"
)

// MaxPipelineCount is spec §4.8's MAX_PIPELINE_COUNT.
const MaxPipelineCount = 64

// defaultTimePerUnit seeds a pipeline's adaptive morsel-size estimate
// before its first real measurement is available.
const defaultTimePerUnit = 1e-6

// QEP is spec §4.8's data-flow scheduler over a static pipeline DAG: a
// pipeline becomes eligible to run once every id in its Deps has
// completed. begin/pipeline_finished compute the newly-ready set under a
// scheduling mutex, then submit each to the dispatcher outside the lock.
type QEP struct {
	dispatcher *Dispatcher
	pipelines  []*exec.Pipeline
	jobs       []*StarterJob

	mu        sync.Mutex
	completed map[int]bool
	executing map[int]bool
	finished  bool
}

// NewQEP validates pipelines (ids must be dense 0..n-1, matching their
// slice index) and wraps each pipeline's starter as a dispatch job,
// partitioning every starter's input the same way dispatcher's own Config
// was built with (see Config.NumPartitions).
func NewQEP(dispatcher *Dispatcher, pipelines []*exec.Pipeline) (*QEP, error) {
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("dispatch: QEP requires at least one pipeline")
	}
	if len(pipelines) > MaxPipelineCount {
		return nil, fmt.Errorf("dispatch: QEP supports at most %d pipelines, got %d", MaxPipelineCount, len(pipelines))
	}
	jobs := make([]*StarterJob, len(pipelines))
	for i, p := range pipelines {
		if p.ID != i {
			return nil, fmt.Errorf("dispatch: pipeline at index %d has id %d, want %d", i, p.ID, i)
		}
		jobs[i] = NewStarterJob(p.Starter, dispatcher.cfg.NumPartitions, defaultTimePerUnit)
	}
	return &QEP{
		dispatcher: dispatcher,
		pipelines:  pipelines,
		jobs:       jobs,
		completed:  make(map[int]bool),
		executing:  make(map[int]bool),
	}, nil
}

// Begin starts every pipeline with no dependencies.
func (q *QEP) Begin(workerID int) error {
	var ready []int
	q.mu.Lock()
	for i, p := range q.pipelines {
		if len(p.Deps) == 0 {
			ready = append(ready, i)
			q.executing[i] = true
		}
	}
	q.mu.Unlock()
	return q.startAll(ready, workerID)
}

// PipelineFinished records id as complete and starts every pipeline whose
// dependencies are now all satisfied. It is the Job.Finalize callback for
// every pipeline's job (via qepJob), so it runs on whatever worker
// goroutine finalized that pipeline.
func (q *QEP) PipelineFinished(id int, workerID int) error {
	var ready []int
	q.mu.Lock()
	q.completed[id] = true
	if len(q.completed) == len(q.pipelines) {
		q.finished = true
	} else {
		for i, p := range q.pipelines {
			if q.completed[i] || q.executing[i] {
				continue
			}
			allDone := true
			for _, dep := range p.Deps {
				if !q.completed[dep] {
					allDone = false
					break
				}
			}
			if allDone {
				ready = append(ready, i)
				q.executing[i] = true
			}
		}
	}
	q.mu.Unlock()
	return q.startAll(ready, workerID)
}

func (q *QEP) startAll(ids []int, workerID int) error {
	for _, id := range ids {
		if err := q.startExecution(id, workerID); err != nil {
			return err
		}
	}
	return nil
}

// startExecution runs the pipeline's starter's pre-execution hook, then
// submits it to the dispatcher — spec §4.8's "invoke start_execution for
// each (which calls the starter's pre-execution hook and submits to the
// dispatcher)".
func (q *QEP) startExecution(id int, workerID int) error {
	job := q.jobs[id]
	if err := job.Prepare(workerID); err != nil {
		return err
	}
	return q.dispatcher.ScheduleJob(&qepJob{StarterJob: job, qep: q, id: id}, workerID)
}

// IsFinished reports whether every pipeline has completed.
func (q *QEP) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// WaitForExecution polls until every pipeline has completed, per spec
// §4.8's wait_for_execution.
func (q *QEP) WaitForExecution() {
	for !q.IsFinished() {
		time.Sleep(10 * time.Microsecond)
	}
}

// Result returns the last pipeline's breaker — the QEP's declared output,
// matching the prototype's QEP::getResult (the final pipeline in a DAG is
// always the one producing the query's result).
func (q *QEP) Result() exec.Breaker {
	return q.pipelines[len(q.pipelines)-1].Breaker
}

// qepJob wraps a pipeline's StarterJob so that Finalize also reports
// completion back to the owning QEP, driving the DAG forward.
type qepJob struct {
	*StarterJob
	qep *QEP
	id  int
}

func (j *qepJob) Finalize(workerID int) error {
	err := j.StarterJob.Finalize(workerID)
	if ferr := j.qep.PipelineFinished(j.id, workerID); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
