package dispatch

import "testing"

type fakeJob struct {
	inputSize int
}

func (f *fakeJob) InputSize() int                                  { return f.inputSize }
func (f *fakeJob) MinMorselSize() int                              { return 1 }
func (f *fakeJob) ExpectedTimePerUnit() float64                    { return 1e-6 }
func (f *fakeJob) Priority() float64                               { return 1.0 }
func (f *fakeJob) ExecuteNextMorsel(morselSize, workerID int) bool { return false }
func (f *fakeJob) Finalize(workerID int) error                     { return nil }

func TestSlotTableInstallGetClear(t *testing.T) {
	var st slotTable
	j1 := &fakeJob{inputSize: 10}
	idx, h, ok := st.install(j1)
	if !ok {
		t.Fatalf("install failed on empty table")
	}
	if st.get(idx) != h {
		t.Fatalf("get(%d) did not return the installed handle", idx)
	}
	if h.job != Job(j1) {
		t.Fatalf("handle's job is not the installed job")
	}
	st.clear(idx)
	if st.get(idx) != nil {
		t.Fatalf("get(%d) after clear should be nil", idx)
	}
}

func TestSlotTableInstallFailsWhenFull(t *testing.T) {
	var st slotTable
	for i := 0; i < JobSlots; i++ {
		if _, _, ok := st.install(&fakeJob{}); !ok {
			t.Fatalf("install %d unexpectedly failed before table was full", i)
		}
	}
	if _, _, ok := st.install(&fakeJob{}); ok {
		t.Fatalf("install on a full table should fail")
	}
}

func TestSlotTableInstallFindsFirstEmptySlot(t *testing.T) {
	var st slotTable
	idx0, _, _ := st.install(&fakeJob{})
	idx1, _, _ := st.install(&fakeJob{})
	if idx1 != idx0+1 {
		t.Fatalf("second install got slot %d, want %d (linear probe from 0)", idx1, idx0+1)
	}
	st.clear(idx0)
	idx2, _, _ := st.install(&fakeJob{})
	if idx2 != idx0 {
		t.Fatalf("install after clearing slot %d should reuse it, got %d", idx0, idx2)
	}
}
