package presence

// The Redis tracker needs a live server and is covered by deployment smoke
// tests; the memory tracker carries the behavioral suite.

import (
	"context"
	"testing"
	"time"
)

func TestBeatThenAlive(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	alive, err := tr.Alive(ctx, "proj-1", "atlas")
	if err != nil {
		t.Fatalf("Alive failed: %v", err)
	}
	if alive {
		t.Error("agent alive before any beat")
	}

	if err := tr.Beat(ctx, "proj-1", "atlas", time.Minute); err != nil {
		t.Fatalf("Beat failed: %v", err)
	}

	alive, err = tr.Alive(ctx, "proj-1", "atlas")
	if err != nil {
		t.Fatalf("Alive failed: %v", err)
	}
	if !alive {
		t.Error("agent not alive after beat")
	}

	seen, err := tr.LastSeen(ctx, "proj-1", "atlas")
	if err != nil {
		t.Fatalf("LastSeen failed: %v", err)
	}
	if seen.IsZero() {
		t.Error("expected LastSeen after beat")
	}
}

func TestBeatExpires(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	if err := tr.Beat(ctx, "proj-1", "atlas", 10*time.Millisecond); err != nil {
		t.Fatalf("Beat failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	alive, err := tr.Alive(ctx, "proj-1", "atlas")
	if err != nil {
		t.Fatalf("Alive failed: %v", err)
	}
	if alive {
		t.Error("agent still alive after ttl expired")
	}

	seen, err := tr.LastSeen(ctx, "proj-1", "atlas")
	if err != nil {
		t.Fatalf("LastSeen failed: %v", err)
	}
	if !seen.IsZero() {
		t.Error("expected zero LastSeen after expiry")
	}
}

func TestListAliveScopedToProject(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	for _, name := range []string{"hera", "atlas"} {
		if err := tr.Beat(ctx, "proj-1", name, time.Minute); err != nil {
			t.Fatalf("Beat failed: %v", err)
		}
	}
	if err := tr.Beat(ctx, "proj-2", "zeus", time.Minute); err != nil {
		t.Fatalf("Beat failed: %v", err)
	}
	if err := tr.Beat(ctx, "proj-1", "ghost", time.Nanosecond); err != nil {
		t.Fatalf("Beat failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	names, err := tr.ListAlive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListAlive failed: %v", err)
	}
	if len(names) != 2 || names[0] != "atlas" || names[1] != "hera" {
		t.Errorf("ListAlive = %v, want [atlas hera]", names)
	}
}

func TestStale(t *testing.T) {
	now := time.Now()
	interval := 15 * time.Second

	if Stale(now.Add(-10*time.Second), interval, 3, now) {
		t.Error("fresh beat reported stale")
	}
	if !Stale(now.Add(-46*time.Second), interval, 3, now) {
		t.Error("beat older than interval*factor not reported stale")
	}
	if !Stale(time.Time{}, interval, 3, now) {
		t.Error("zero timestamp must be stale")
	}
	// Default factor applies when the configured one is unusable.
	if !Stale(now.Add(-46*time.Second), interval, 0, now) {
		t.Error("zero factor must fall back to the default")
	}
}
