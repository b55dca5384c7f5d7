// Package presence tracks which agents are currently alive. Liveness is a
// soft signal derived from heartbeats with a TTL; the durable agent
// registry stays in the envelope store. The coordinator soft-lease and the
// status surfaces read from here.
package presence

import (
	"context"
	"fmt"
	"time"
)

// DefaultStaleFactor multiplies the heartbeat interval to get the window
// after which an agent counts as gone.
const DefaultStaleFactor = 3

// Tracker records and queries agent liveness.
type Tracker interface {
	// Beat marks the agent alive for ttl.
	Beat(ctx context.Context, projectID, agentName string, ttl time.Duration) error

	// Alive reports whether the agent's last beat is still within its ttl.
	Alive(ctx context.Context, projectID, agentName string) (bool, error)

	// LastSeen returns the time of the agent's last beat. The zero time
	// means no live beat is recorded.
	LastSeen(ctx context.Context, projectID, agentName string) (time.Time, error)

	// ListAlive returns the names of agents with a live beat in the
	// project.
	ListAlive(ctx context.Context, projectID string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Stale reports whether a heartbeat is too old to trust. A zero timestamp
// is always stale.
func Stale(last time.Time, interval time.Duration, factor int, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	if factor <= 0 {
		factor = DefaultStaleFactor
	}
	return now.Sub(last) > interval*time.Duration(factor)
}

// presenceKey returns the key for one agent's liveness record.
func presenceKey(projectID, agentName string) string {
	return fmt.Sprintf("presence:%s:%s", projectID, agentName)
}

// presencePattern matches every liveness record in a project.
func presencePattern(projectID string) string {
	return fmt.Sprintf("presence:%s:*", projectID)
}
