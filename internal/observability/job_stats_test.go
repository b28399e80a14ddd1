package observability

import (
	"testing"
	"time"
)

func TestJobStats_RecordPoll(t *testing.T) {
	stats := NewJobStats(time.Hour)

	stats.RecordPoll("job-1", 4, []int{1, 3})
	stats.RecordPoll("job-1", 4, []int{3})

	p, ok := stats.Get("job-1")
	if !ok {
		t.Fatal("expected job-1 to be tracked")
	}
	if p.Polls != 2 || p.Present != 3 || len(p.Missing) != 1 || p.Missing[0] != 3 {
		t.Errorf("unexpected progress %+v", p)
	}

	// Returned copy is detached
	p.Missing[0] = 99
	again, _ := stats.Get("job-1")
	if again.Missing[0] != 3 {
		t.Error("Get should return a copy")
	}
}

func TestJobStats_Pending(t *testing.T) {
	stats := NewJobStats(time.Hour)

	stats.RecordPoll("a", 2, []int{1})
	stats.RecordPoll("b", 2, nil)
	stats.RecordReduced("b", 1, 1e-9)

	pending := stats.Pending()
	if len(pending) != 1 || pending[0].JobID != "a" {
		t.Errorf("Pending = %+v, want only job a", pending)
	}

	b, _ := stats.Get("b")
	if !b.Reduced || b.Degenerate != 1 {
		t.Errorf("unexpected progress for b: %+v", b)
	}
}

func TestJobStats_Prune(t *testing.T) {
	stats := NewJobStats(50 * time.Millisecond)
	stats.RecordPoll("old", 1, []int{0})

	time.Sleep(100 * time.Millisecond)
	stats.RecordPoll("new", 1, []int{0})
	stats.Prune()

	if _, ok := stats.Get("old"); ok {
		t.Error("old entry should be pruned")
	}
	if _, ok := stats.Get("new"); !ok {
		t.Error("new entry should remain")
	}
}

func TestRecordReduction_DoesNotPanic(t *testing.T) {
	RecordReduction("SHAPE_MISMATCH", nil)
	RecordReduction("", nil)
	RecordShardWrite("")
	RecordBarrierPoll("complete")
	ObserveBarrierWait("complete", time.Second)
}
