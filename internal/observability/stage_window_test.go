package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshotStats(t *testing.T) {
	w := newStageWindow(16)
	for _, ms := range []float64{10, 20, 30, 40} {
		w.Observe("completion", ms)
	}

	snap := w.Snapshot()
	if snap.WindowSize != 16 || len(snap.Stages) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	st := snap.Stages[0]
	if st.Stage != "completion" || st.Samples != 4 {
		t.Fatalf("stage stats = %+v", st)
	}
	if st.LastMS != 40 || st.AvgMS != 25 || st.P50MS != 25 {
		t.Fatalf("stats = last %v avg %v p50 %v", st.LastMS, st.AvgMS, st.P50MS)
	}
}

func TestStageWindowRingOverwritesOldest(t *testing.T) {
	w := newStageWindow(4)
	for i := 0; i < 8; i++ {
		w.Observe("stage", float64(100+i))
	}
	st := w.Snapshot().Stages[0]
	if st.Samples != 4 {
		t.Fatalf("samples = %d, want 4", st.Samples)
	}
	if st.LastMS != 107 {
		t.Fatalf("last = %v, want 107", st.LastMS)
	}
	// Only the newest four samples remain.
	if st.AvgMS != 105.5 {
		t.Fatalf("avg = %v, want 105.5", st.AvgMS)
	}
}

func TestStageWindowIgnoresBadSamples(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("", 10)
	w.Observe("stage", -1)
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("stages = %d, want 0", got)
	}
}

func TestStageWindowSortsStages(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("zeta", 1)
	w.Observe("alpha", 1)
	snap := w.Snapshot()
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != "alpha" || snap.Stages[1].Stage != "zeta" {
		t.Fatalf("stage order = %+v", snap.Stages)
	}
}

func TestMetricsObserveStageFeedsWindow(t *testing.T) {
	m := NewMetrics("test_obs_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	m.ObserveStage("completion", 50*time.Millisecond)
	snap := m.SnapshotStages()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "completion" {
		t.Fatalf("snapshot stages = %+v", snap.Stages)
	}
	if snap.Stages[0].LastMS != 50 {
		t.Fatalf("last = %v, want 50", snap.Stages[0].LastMS)
	}
}
