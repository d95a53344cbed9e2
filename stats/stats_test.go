package stats

import (
	"testing"
	"time"
)

func TestRecordAndStatsSingleMethod(t *testing.T) {
	r := NewRegistry()
	r.Record("Put", 10*time.Millisecond)
	r.Record("Put", 20*time.Millisecond)

	got := r.Stats([]string{"Put"})
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if got[0].Count != 2 {
		t.Fatalf("got count %d, want 2", got[0].Count)
	}
	if got[0].AvgLatencyMs != 15 {
		t.Fatalf("got avg %v, want 15", got[0].AvgLatencyMs)
	}
}

func TestStatsEmptyOpsReturnsEverything(t *testing.T) {
	r := NewRegistry()
	r.Record("Put", time.Millisecond)
	r.Record("Get", time.Millisecond)

	got := r.Stats(nil)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
}

func TestStatsUnknownMethodOmitted(t *testing.T) {
	r := NewRegistry()
	r.Record("Put", time.Millisecond)

	got := r.Stats([]string{"Put", "Nonexistent"})
	if len(got) != 1 || got[0].Method != "Put" {
		t.Fatalf("got %+v", got)
	}
}
