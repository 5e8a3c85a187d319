// Package exec implements the operators, pipelines, and breakers of
// spec §4.6: scans, filtering/index scans, index update, a tagged
// chained-hash join build/probe, sort, and the generic aggregation
// contract, wired together by Pipeline/Builder and driven morsel-by-morsel
// by internal/dispatch.
package exec

import (
	"fmt"

	"github.com/dbis-ilm/morselstore/internal/batch"
)

// Operator is the push-side contract every non-starter pipeline stage
// implements: deliver a batch downstream.
type Operator interface {
	Push(b *batch.Batch, workerID int) error
}

// Starter is the first stage of a pipeline. Unlike a plain Operator it is
// never pushed into — the dispatcher calls Execute per morsel instead.
type Starter interface {
	// InputSize reports the total number of input rows this starter can
	// partition across morsels.
	InputSize() int
	// Execute processes input rows [from, to) on behalf of workerID,
	// pushing output batches into the pipeline's first operator.
	Execute(from, to, workerID int) error
}

// Preparer is implemented by starters that need a one-time setup step
// before any morsel of their pipeline runs — the "starter's
// pre-execution hook" the QEP driver calls in start_execution (spec §4.8),
// e.g. JoinHTInit sizing the hash table from the finalized build side.
type Preparer interface {
	Prepare(workerID int) error
}

// Breaker is a pipeline terminator: it buffers pushed batches until its
// pipeline completes, then exposes them to a downstream pipeline via
// ConsumeBatches.
type Breaker interface {
	Operator
	// Description returns the schema of the batches this breaker exposes
	// to ConsumeBatches.
	Description() *batch.Description
	// ConsumeBatches hands this breaker's buffered results to target on
	// workerID's behalf (the call itself does not partition work across
	// workers). What it does varies: DefaultBreaker pushes its batches and
	// target becomes their owner, Aggregation pushes its grouped rows, and
	// SortBreaker and JoinBreaker push nothing (their results are read
	// directly by SortOperator and the join operators).
	ConsumeBatches(target Operator, workerID int) error
}

// Pipeline is the logical chain starter -> operator* -> breaker of spec §3,
// plus the dependency pipeline ids that must complete before it may start
// and the schema its builder assembled incrementally.
type Pipeline struct {
	ID      int
	Starter Starter
	Breaker Breaker
	Deps    []int
	Schema  *batch.Description

	// first is the first operator the starter pushes into (may be the
	// breaker itself if no intermediate operators were added).
	first Operator
}

// Push delivers into the pipeline's first operator — used by a Starter
// implementation that doesn't want to hold the chain head itself.
func (p *Pipeline) Push(b *batch.Batch, workerID int) error {
	return p.first.Push(b, workerID)
}

// Builder assembles a Pipeline's operator chain in order, tracking the
// current output schema so later stages can reference columns by name.
type Builder struct {
	id      int
	deps    []int
	starter Starter
	chain   []Operator
	breaker Breaker
	schema  *batch.Description
}

// NewBuilder starts a new pipeline with the given id and starter.
func NewBuilder(id int, starter Starter, schema *batch.Description) *Builder {
	return &Builder{id: id, starter: starter, schema: schema}
}

// DependsOn records that dep must complete before this pipeline starts.
func (b *Builder) DependsOn(dep int) *Builder {
	b.deps = append(b.deps, dep)
	return b
}

// Add appends an intermediate operator, updating the builder's current
// schema to newSchema (the operator's output schema), for use by a
// subsequent builder stage that references columns by name.
func (b *Builder) Add(op Operator, newSchema *batch.Description) *Builder {
	b.chain = append(b.chain, op)
	if newSchema != nil {
		b.schema = newSchema
	}
	return b
}

// Schema returns the builder's current output schema.
func (b *Builder) Schema() *batch.Description { return b.schema }

// AddJoinProbe records a dependency on buildPipeline and asserts its
// breaker is a *JoinBreaker, matching spec §4.6's
// add_join_probe(build_pipeline).
func (b *Builder) AddJoinProbe(buildPipeline *Pipeline, probe *JoinProbe) (*Builder, error) {
	jb, ok := buildPipeline.Breaker.(*JoinBreaker)
	if !ok {
		return nil, fmt.Errorf("exec: AddJoinProbe: pipeline %d's breaker is not a JoinBreaker", buildPipeline.ID)
	}
	probe.Breaker = jb
	return b.DependsOn(buildPipeline.ID).Add(probe, probe.OutSchema), nil
}

// Finish attaches the terminal breaker and wires the chain: starter pushes
// into chain[0] (or breaker if chain is empty), each chain[i] pushes into
// chain[i+1] (or breaker), matching push-to-the-right pipeline semantics.
func (b *Builder) Finish(breaker Breaker) *Pipeline {
	b.breaker = breaker
	var next Operator = breaker
	for i := len(b.chain) - 1; i >= 0; i-- {
		wireOperatorNext(b.chain[i], next)
		next = b.chain[i]
	}
	wireStarterNext(b.starter, next)
	return &Pipeline{
		ID:      b.id,
		Starter: b.starter,
		Breaker: breaker,
		Deps:    b.deps,
		Schema:  b.schema,
		first:   next,
	}
}

// nextSetter is implemented by every operator/starter in this package that
// forwards batches to a configurable downstream operator, letting Finish
// wire the chain without a type switch per concrete operator.
type nextSetter interface {
	setNext(Operator)
}

func wireOperatorNext(op Operator, next Operator) {
	if ns, ok := op.(nextSetter); ok {
		ns.setNext(next)
	}
}

func wireStarterNext(s Starter, next Operator) {
	if ns, ok := s.(nextSetter); ok {
		ns.setNext(next)
	}
}
