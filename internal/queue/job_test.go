package queue

import (
	"testing"
	"time"
)

func TestMarshalUnmarshal(t *testing.T) {
	j := NewJob("id", "reports", "export_render", []byte(`{"a":1}`), EnqueueOpts{Priority: 5, MaxAttempts: 3})
	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	j2, err := UnmarshalJob(s)
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID != j.ID || j2.Queue != j.Queue || j2.Priority != j.Priority {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", j, j2)
	}
}

func TestNewJobDelayedState(t *testing.T) {
	j := NewJob("id", "reports", "export_render", nil, EnqueueOpts{DelayMS: 5000})
	if j.State != StateDelayed {
		t.Fatalf("expected delayed state, got %s", j.State)
	}
	if !j.AvailableAt.After(j.CreatedAt) {
		t.Fatalf("expected available_at after created_at")
	}
}

func TestBackoffNextDelay(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second}
	if d := b.NextDelay(1, nil); d != 500*time.Millisecond {
		t.Fatalf("attempt 1: expected 500ms, got %s", d)
	}
	if d := b.NextDelay(2, nil); d != 1*time.Second {
		t.Fatalf("attempt 2: expected 1s, got %s", d)
	}
	if d := b.NextDelay(10, nil); d != 10*time.Second {
		t.Fatalf("attempt 10: expected capped at max 10s, got %s", d)
	}
}
