package dispatch

import "sync/atomic"

// MaxNUMANodes bounds the number of partitions a job's input range is
// split across, per spec §4.7's MAX_NUMA_NODES.
const MaxNUMANodes = 8

// numaPartitions splits a job's input range evenly across up to count
// partitions, each with its own atomic (next_row, last_row) pair, and lets
// a worker steal from another partition once its own is exhausted.
//
// The prototype (scheduling/dispatcher.cpp, execution/pipeline_starter.cpp)
// discovers real NUMA topology via libnuma and pins partitions to sockets.
// Neither the standard library nor golang.org/x/sys/unix exposes NUMA node
// membership without cgo-bound libnuma, so this keeps the partitioning
// algorithm and the stealing protocol but takes the partition count as a
// configured parameter instead of querying topology; Dispatcher pins each
// worker's OS thread to a single CPU via unix.SchedSetaffinity so the
// approximation still has real cache/memory locality behind it.
type numaPartitions struct {
	nextRow [MaxNUMANodes]atomic.Int64
	lastRow [MaxNUMANodes]int64
	count   int
}

func newNUMAPartitions(inputSize, numPartitions int) *numaPartitions {
	if numPartitions < 1 {
		numPartitions = 1
	}
	if numPartitions > MaxNUMANodes {
		numPartitions = MaxNUMANodes
	}
	p := &numaPartitions{count: numPartitions}
	rowsPerNode := inputSize / numPartitions
	for i := 0; i < numPartitions; i++ {
		p.nextRow[i].Store(int64(i * rowsPerNode))
		if i == numPartitions-1 {
			p.lastRow[i] = int64(inputSize)
		} else {
			p.lastRow[i] = int64((i + 1) * rowsPerNode)
		}
	}
	return p
}

// claim attempts to reserve up to morselSize rows, preferring the caller's
// home partition and stealing from others (in index order starting at
// home) once home is exhausted. Returns ok=false only once every
// partition is drained.
func (p *numaPartitions) claim(home, morselSize int) (from, to int, ok bool) {
	for {
		gotCandidate := false
		for i := 0; i < p.count; i++ {
			node := (home + i) % p.count
			m := p.nextRow[node].Load()
			last := p.lastRow[node]
			if m >= last {
				continue
			}
			gotCandidate = true
			end := m + int64(morselSize)
			if end > last {
				end = last
			}
			if p.nextRow[node].CompareAndSwap(m, end) {
				return int(m), int(end), true
			}
			// Lost the race for this node; re-scan from home rather than
			// continuing past it, so a node that just freed up isn't
			// skipped unfairly.
			break
		}
		if !gotCandidate {
			return 0, 0, false
		}
	}
}
