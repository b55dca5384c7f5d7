package sun

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/router"
)

// captureBus records published notifications. Publishes for blockProject
// park until release closes, honoring context cancellation the way a real
// transport does.
type captureBus struct {
	mu           sync.Mutex
	published    []*router.Notification
	blockProject string
	release      chan struct{}
}

func (b *captureBus) Publish(ctx context.Context, n *router.Notification) error {
	if b.blockProject != "" && n.ProjectID == b.blockProject {
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	b.published = append(b.published, n)
	b.mu.Unlock()
	return nil
}

func (b *captureBus) Subscribe(string, string, router.Handler) (router.Subscription, error) {
	return nil, nil
}

func (b *captureBus) SubscribeProject(string, router.Handler) (router.Subscription, error) {
	return nil, nil
}

func (b *captureBus) QueueSubscribe(string, string, string, router.Handler) (router.Subscription, error) {
	return nil, nil
}

func (b *captureBus) Close()            {}
func (b *captureBus) IsConnected() bool { return true }

func (b *captureBus) seqs(projectID string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int64
	for _, n := range b.published {
		if n.ProjectID == projectID {
			out = append(out, n.Seq)
		}
	}
	return out
}

func (b *captureBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func outboxLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func note(project string, seq int64) *router.Notification {
	return &router.Notification{
		EnvelopeID: fmt.Sprintf("env-%s-%d", project, seq),
		ProjectID:  project,
		To:         "agent:worker",
		Seq:        seq,
	}
}

func TestOutboxPreservesCommitOrder(t *testing.T) {
	bus := &captureBus{}
	o := newOutbox(bus, outboxLogger(t))
	defer o.Close()

	for seq := int64(1); seq <= 20; seq++ {
		o.Enqueue(note("proj-1", seq))
	}

	require.Eventually(t, func() bool { return bus.count() == 20 },
		2*time.Second, 5*time.Millisecond)

	seqs := bus.seqs("proj-1")
	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestOutboxLanesAreIndependent(t *testing.T) {
	bus := &captureBus{blockProject: "proj-slow", release: make(chan struct{})}
	o := newOutbox(bus, outboxLogger(t))
	defer o.Close()

	o.Enqueue(note("proj-slow", 1))
	o.Enqueue(note("proj-fast", 1))
	o.Enqueue(note("proj-fast", 2))

	// A parked transport in one project must not hold up another.
	require.Eventually(t, func() bool { return len(bus.seqs("proj-fast")) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, bus.seqs("proj-slow"))

	close(bus.release)
	require.Eventually(t, func() bool { return len(bus.seqs("proj-slow")) == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestOutboxCloseInterruptsHungDispatch(t *testing.T) {
	bus := &captureBus{blockProject: "proj-1", release: make(chan struct{})}
	o := newOutbox(bus, outboxLogger(t))

	o.Enqueue(note("proj-1", 1))

	// Let the dispatcher park inside the transport before closing.
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		o.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited out a hung transport")
	}
	assert.Empty(t, bus.seqs("proj-1"))
}

func TestOutboxEnqueueAfterClose(t *testing.T) {
	bus := &captureBus{}
	o := newOutbox(bus, outboxLogger(t))
	o.Close()

	o.Enqueue(note("proj-1", 1))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, bus.count())
}
