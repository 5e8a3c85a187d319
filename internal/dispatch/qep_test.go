package dispatch

import (
	"testing"
	"time"

	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/exec"
)

// recordingStarter tracks when it ran relative to other pipelines, so tests
// can assert dependency order without needing real operators.
type recordingStarter struct {
	order *[]int
	id    int
}

func (s *recordingStarter) InputSize() int { return 1 }

func (s *recordingStarter) Execute(from, to, workerID int) error {
	*s.order = append(*s.order, s.id)
	return nil
}

type noopBreaker struct{ desc *batch.Description }

func (noopBreaker) Push(*batch.Batch, int) error            { return nil }
func (b noopBreaker) Description() *batch.Description       { return b.desc }
func (noopBreaker) ConsumeBatches(exec.Operator, int) error { return nil }

func TestQEPRunsPipelinesInDependencyOrder(t *testing.T) {
	d := New(Config{NumWorkers: 4})
	d.Start()
	defer d.Stop()

	var order []int
	desc, err := batch.NewDescription(batch.ColumnSpec{Name: "v", Type: batch.TypeUint32})
	if err != nil {
		t.Fatalf("NewDescription: %v", err)
	}

	p0 := &exec.Pipeline{ID: 0, Starter: &recordingStarter{order: &order, id: 0}, Breaker: noopBreaker{desc: desc}}
	p1 := &exec.Pipeline{ID: 1, Starter: &recordingStarter{order: &order, id: 1}, Breaker: noopBreaker{desc: desc}, Deps: []int{0}}
	p2 := &exec.Pipeline{ID: 2, Starter: &recordingStarter{order: &order, id: 2}, Breaker: noopBreaker{desc: desc}, Deps: []int{0}}
	p3 := &exec.Pipeline{ID: 3, Starter: &recordingStarter{order: &order, id: 3}, Breaker: noopBreaker{desc: desc}, Deps: []int{1, 2}}

	q, err := NewQEP(d, []*exec.Pipeline{p0, p1, p2, p3})
	if err != nil {
		t.Fatalf("NewQEP: %v", err)
	}
	if err := q.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !q.IsFinished() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !q.IsFinished() {
		t.Fatalf("QEP did not finish within the deadline")
	}

	if len(order) != 4 {
		t.Fatalf("got %d pipeline runs, want 4: %v", len(order), order)
	}
	pos := make(map[int]int, 4)
	for i, id := range order {
		pos[id] = i
	}
	if pos[0] >= pos[1] || pos[0] >= pos[2] {
		t.Fatalf("pipeline 0 must run before its dependents 1 and 2: order=%v", order)
	}
	if pos[1] >= pos[3] || pos[2] >= pos[3] {
		t.Fatalf("pipeline 3 must run after both its dependencies 1 and 2: order=%v", order)
	}
}

func TestQEPRejectsNonDenseIDs(t *testing.T) {
	d := New(Config{NumWorkers: 1})
	desc, _ := batch.NewDescription(batch.ColumnSpec{Name: "v", Type: batch.TypeUint32})
	var order []int
	p0 := &exec.Pipeline{ID: 5, Starter: &recordingStarter{order: &order, id: 0}, Breaker: noopBreaker{desc: desc}}
	if _, err := NewQEP(d, []*exec.Pipeline{p0}); err == nil {
		t.Fatalf("expected an error for a non-dense pipeline id")
	}
}
