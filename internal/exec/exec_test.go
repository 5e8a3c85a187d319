package exec

import (
	"encoding/binary"
	"testing"

	"github.com/dbis-ilm/morselstore/internal/batch"
	"github.com/dbis-ilm/morselstore/internal/column"
	"github.com/dbis-ilm/morselstore/internal/vmcache"
)

func newTestCache(t *testing.T) *vmcache.VMCache {
	t.Helper()
	c, err := vmcache.Open(vmcache.Config{VirtualPages: 8192, MaxResidentPages: 2048})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// newColumn writes values (as little-endian uint32s) into a fresh
// column-basepage chain and returns its root.
func newColumn(t *testing.T, c *vmcache.VMCache, values []uint32) vmcache.PageID {
	t.Helper()
	guard, err := vmcache.NewAllocGuard(c, 0)
	if err != nil {
		t.Fatalf("NewAllocGuard: %v", err)
	}
	column.InitBasePage(guard.Data())
	guard.MarkDirty()
	base := guard.PageID()
	guard.Release()

	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	if err := column.AppendValues(c, 0, base, 0, 4, buf, len(values)); err != nil {
		t.Fatalf("AppendValues: %v", err)
	}
	return base
}

// collectBatches implements Operator, buffering every pushed batch for
// inspection.
type collectBatches struct {
	desc    *batch.Description
	batches []*batch.Batch
}

func (c *collectBatches) Push(b *batch.Batch, workerID int) error {
	c.batches = append(c.batches, b)
	return nil
}

func (c *collectBatches) Description() *batch.Description   { return c.desc }
func (c *collectBatches) ConsumeBatches(Operator, int) error { return nil }

func (c *collectBatches) rows() [][]byte {
	var out [][]byte
	for _, b := range c.batches {
		for i := 0; i < b.CurrentSize(); i++ {
			if b.IsRowValid(i) {
				out = append(out, append([]byte(nil), b.GetRow(i)...))
			}
		}
	}
	return out
}

func u32At(row []byte, off int) uint32 { return binary.LittleEndian.Uint32(row[off:]) }
