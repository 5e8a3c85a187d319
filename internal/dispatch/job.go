// Package dispatch implements spec §4.7's morsel dispatcher and §4.8's QEP
// driver: NUMA-partitioned input, a fixed job-slot table, per-worker stride
// scheduling with adaptive morsel sizing, and a CAS-based finalization
// coordinator protocol, built over internal/exec's Starter/Pipeline
// contracts.
package dispatch

// Job is the dispatcher-facing unit of work (spec §4.7): a wrapper around
// a pipeline starter that the scheduler can size, prioritize, and step
// morsel by morsel without knowing what kind of starter it holds.
type Job interface {
	InputSize() int
	MinMorselSize() int
	ExpectedTimePerUnit() float64
	Priority() float64
	// ExecuteNextMorsel claims and processes up to morselSize units of
	// input on behalf of workerID, returning false once there is nothing
	// left to claim.
	ExecuteNextMorsel(morselSize, workerID int) bool
	// Finalize runs exactly once, after every worker that was executing
	// this job's morsels has stopped.
	Finalize(workerID int) error
}
