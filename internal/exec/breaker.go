package exec

import (
	"sync"

	"github.com/dbis-ilm/morselstore/internal/batch"
)

// DefaultBreaker is the plain materializing sink of spec §4.6: it buffers
// every pushed batch until its pipeline completes, then hands them to a
// downstream pipeline's starter via ConsumeBatches.
type DefaultBreaker struct {
	desc *batch.Description

	mu      sync.Mutex
	batches []*batch.Batch
}

func NewDefaultBreaker(desc *batch.Description) *DefaultBreaker {
	return &DefaultBreaker{desc: desc}
}

func (b *DefaultBreaker) Description() *batch.Description { return b.desc }

func (b *DefaultBreaker) Push(batch *batch.Batch, workerID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batch)
	return nil
}

// Batches returns the buffered batches directly, for callers (tests,
// higher-level drivers) that want to read results without a downstream
// pipeline.
func (b *DefaultBreaker) Batches() []*batch.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*batch.Batch(nil), b.batches...)
}

// ConsumeBatches pushes every buffered batch into target and clears its
// own buffer; it does not release the batches — target becomes the new
// owner.
func (b *DefaultBreaker) ConsumeBatches(target Operator, workerID int) error {
	b.mu.Lock()
	batches := b.batches
	b.batches = nil
	b.mu.Unlock()
	for _, bt := range batches {
		if err := target.Push(bt, workerID); err != nil {
			return err
		}
	}
	return nil
}

// NoopBreaker terminates a pipeline with side effects only (JoinHTInit,
// JoinBuild): there is nothing to buffer or hand downstream.
type NoopBreaker struct{}

func (NoopBreaker) Description() *batch.Description    { return nil }
func (NoopBreaker) Push(*batch.Batch, int) error       { return nil }
func (NoopBreaker) ConsumeBatches(Operator, int) error { return nil }
