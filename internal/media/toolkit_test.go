package media

import (
	"testing"
	"time"
)

func TestPlanChunksSingleUnderThreshold(t *testing.T) {
	plan := PlanChunks(3*time.Minute, 10<<20, 25<<20)
	if len(plan) != 1 {
		t.Fatalf("expected single chunk, got %d", len(plan))
	}
	if plan[0].Start != 0 || plan[0].Duration != 3*time.Minute {
		t.Fatalf("expected full-length chunk, got %+v", plan[0])
	}
}

func TestPlanChunksSplitsProportionally(t *testing.T) {
	// 60 MB over a 25 MB limit needs 3 chunks
	plan := PlanChunks(30*time.Minute, 60<<20, 25<<20)
	if len(plan) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(plan))
	}
	for i, chunk := range plan {
		if chunk.Index != i {
			t.Fatalf("chunk %d has index %d", i, chunk.Index)
		}
	}
	if plan[1].Start != 10*time.Minute {
		t.Fatalf("expected second chunk at 10m, got %s", plan[1].Start)
	}

	var total time.Duration
	for _, chunk := range plan {
		total += chunk.Duration
	}
	if total != 30*time.Minute {
		t.Fatalf("chunks must cover the whole file, got %s", total)
	}
}

func TestPlanChunksLastAbsorbsRemainder(t *testing.T) {
	duration := 10*time.Minute + 1*time.Second
	plan := PlanChunks(duration, 70<<20, 25<<20)
	if len(plan) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(plan))
	}
	var total time.Duration
	for _, chunk := range plan {
		total += chunk.Duration
	}
	if total != duration {
		t.Fatalf("expected exact coverage, got %s of %s", total, duration)
	}
	last := plan[len(plan)-1]
	if last.Start+last.Duration != duration {
		t.Fatalf("last chunk must end at file end")
	}
}

func TestPlanChunksDegenerateInputs(t *testing.T) {
	plan := PlanChunks(0, 0, 25<<20)
	if len(plan) != 1 {
		t.Fatalf("expected single chunk, got %d", len(plan))
	}
}
