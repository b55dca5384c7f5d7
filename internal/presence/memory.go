package presence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryBeat struct {
	seen    time.Time
	expires time.Time
}

// MemoryTracker keeps liveness in-process. Suitable for single-sun
// deployments and tests.
type MemoryTracker struct {
	mu    sync.RWMutex
	beats map[string]memoryBeat
}

// NewMemoryTracker creates an in-process tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{beats: make(map[string]memoryBeat)}
}

// Beat marks the agent alive for ttl.
func (t *MemoryTracker) Beat(ctx context.Context, projectID, agentName string, ttl time.Duration) error {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beats[presenceKey(projectID, agentName)] = memoryBeat{seen: now, expires: now.Add(ttl)}
	return nil
}

// Alive reports whether the agent's beat is still live.
func (t *MemoryTracker) Alive(ctx context.Context, projectID, agentName string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.beats[presenceKey(projectID, agentName)]
	return ok && time.Now().Before(b.expires), nil
}

// LastSeen returns the time of the last live beat.
func (t *MemoryTracker) LastSeen(ctx context.Context, projectID, agentName string) (time.Time, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.beats[presenceKey(projectID, agentName)]
	if !ok || !time.Now().Before(b.expires) {
		return time.Time{}, nil
	}
	return b.seen, nil
}

// ListAlive returns agents with a live beat, sorted by name.
func (t *MemoryTracker) ListAlive(ctx context.Context, projectID string) ([]string, error) {
	prefix := strings.TrimSuffix(presencePattern(projectID), "*")
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0)
	for key, b := range t.beats {
		if !now.Before(b.expires) {
			delete(t.beats, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			names = append(names, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *MemoryTracker) Ping(ctx context.Context) error { return nil }

func (t *MemoryTracker) Close() error { return nil }
