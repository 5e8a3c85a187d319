package exec

import (
	"sync"

	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

// Accumulator is spec §4.6's generic aggregation payload contract: the
// spec describes aggregation at the interface level only (no SUM/COUNT/AVG
// variants), so Aggregation is parameterized over whatever fixed-width
// accumulator state a caller needs.
type Accumulator interface {
	// Zero returns a fresh, fixed-width accumulator state for a new group.
	Zero() []byte
	// Combine folds row's payload bytes (everything after the key prefix)
	// into acc in place.
	Combine(acc []byte, row []byte)
}

// Aggregation is a group-by-key operator: rows carry a fixed-width key
// prefix, everything after it is payload folded into the key's
// accumulator via Payload.Combine. It behaves as a breaker — the full
// input must be seen before any group can be emitted — producing exactly
// one output row per distinct key.
type Aggregation struct {
	Cache     *vmcache.VMCache
	KeySize   int
	Payload   Accumulator
	OutSchema *batch.Description

	mu     sync.Mutex
	groups map[string][]byte
	order  []string
}

func NewAggregation(cache *vmcache.VMCache, keySize int, payload Accumulator, outSchema *batch.Description) *Aggregation {
	return &Aggregation{
		Cache:     cache,
		KeySize:   keySize,
		Payload:   payload,
		OutSchema: outSchema,
		groups:    make(map[string][]byte),
	}
}

func (a *Aggregation) Description() *batch.Description { return a.OutSchema }

func (a *Aggregation) Push(b *batch.Batch, workerID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < b.CurrentSize(); i++ {
		if !b.IsRowValid(i) {
			continue
		}
		row := b.GetRow(i)
		key := string(row[:a.KeySize])
		acc, ok := a.groups[key]
		if !ok {
			acc = append([]byte(nil), a.Payload.Zero()...)
			a.groups[key] = acc
			a.order = append(a.order, key)
		}
		a.Payload.Combine(acc, row[a.KeySize:])
	}
	b.Release(workerID)
	return nil
}

// ConsumeBatches emits one row per distinct key seen so far — key prefix
// followed by its accumulator bytes — into target.
func (a *Aggregation) ConsumeBatches(target Operator, workerID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	out, err := batch.New(a.Cache, workerID, a.OutSchema)
	if err != nil {
		return err
	}
	flush := func() error {
		if out.CurrentSize() == 0 {
			out.Release(workerID)
			return nil
		}
		return target.Push(out, workerID)
	}

	for _, key := range a.order {
		acc := a.groups[key]
		_, row, ok := out.AddRowIfPossible()
		if !ok {
			if err := flush(); err != nil {
				return err
			}
			out, err = batch.New(a.Cache, workerID, a.OutSchema)
			if err != nil {
				return err
			}
			_, row, _ = out.AddRowIfPossible()
		}
		copy(row[:a.KeySize], key)
		copy(row[a.KeySize:], acc)
	}
	return flush()
}
