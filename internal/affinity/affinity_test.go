package affinity

import "testing"

func TestDetectReportsTopology(t *testing.T) {
	topo := Detect(1)
	if topo.NumCPU <= 0 {
		t.Fatalf("NumCPU = %d, want > 0", topo.NumCPU)
	}
	if !topo.SufficientForOneCorePerQueue {
		t.Errorf("SufficientForOneCorePerQueue = false for 1 queue on %d CPUs", topo.NumCPU)
	}
}

func TestDetectInsufficientForExcessiveQueues(t *testing.T) {
	topo := Detect(1 << 20)
	if topo.SufficientForOneCorePerQueue {
		t.Error("SufficientForOneCorePerQueue = true for an unreasonably large queue count")
	}
}

func TestPinRejectsOutOfRangeCPU(t *testing.T) {
	if err := Pin(-1); err == nil {
		t.Error("Pin(-1) = nil, want error")
	}
	if err := Pin(1 << 20); err == nil {
		t.Error("Pin(huge) = nil, want error")
	}
}
