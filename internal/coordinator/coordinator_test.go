package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/router"
	"github.com/solarbus/solarbus/internal/store"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// testFabric glues the memory store and router together the way the sun
// does: commit first, then notify.
type testFabric struct {
	store store.Store
	bus   *router.MemoryRouter
}

func (f *testFabric) Publish(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error) {
	committed, err := f.store.AppendEnvelope(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := f.bus.Publish(ctx, router.NewNotification(committed)); err != nil {
		return nil, err
	}
	return committed, nil
}

func (f *testFabric) AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error) {
	return f.store.AppendProgress(ctx, rec)
}

func (f *testFabric) Replay(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*v1.Envelope, error) {
	return f.store.ListEnvelopes(ctx, projectID, store.Filter{AfterSeq: afterSeq, Limit: limit})
}

func (f *testFabric) SubscribeProject(projectID string, handler router.Handler) (router.Subscription, error) {
	return f.bus.SubscribeProject(projectID, handler)
}

type coordHarness struct {
	store  store.Store
	fabric *testFabric
	engine *idempotency.Engine
}

func newHarness(t *testing.T) *coordHarness {
	t.Helper()
	s := store.NewMemoryStore(store.Options{})
	t.Cleanup(func() {
		_ = s.Close()
	})
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return &coordHarness{
		store:  s,
		fabric: &testFabric{store: s, bus: router.NewMemoryRouter(log)},
		engine: idempotency.New(s, log),
	}
}

func (h *coordHarness) newCoordinator(t *testing.T, name string, cfg Config) *Coordinator {
	t.Helper()
	return New(h.fabric, h.store, h.engine, nil, cfg, Identity{
		AgentName: name,
		HumanID:   "ada",
		ProjectID: "proj-1",
	})
}

func (h *coordHarness) publish(t *testing.T, env *v1.Envelope) *v1.Envelope {
	t.Helper()
	committed, err := h.fabric.Publish(context.Background(), env)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return committed
}

func fabricTaskCreate(to string, params map[string]interface{}) *v1.Envelope {
	return &v1.Envelope{
		Type: v1.EnvelopeTypeTaskCreate,
		Routing: v1.Routing{
			ProjectID: "proj-1",
			From:      "human:ada",
			To:        to,
		},
		Context: v1.Context{HumanID: "ada"},
		Payload: v1.Payload{Text: "index the repository", Params: params},
	}
}

func fabricReport(from, taskID string, status v1.EnvelopeStatus) *v1.Envelope {
	return &v1.Envelope{
		Type: v1.EnvelopeTypeToolResult,
		Routing: v1.Routing{
			ProjectID: "proj-1",
			From:      from,
			To:        "agent:coord",
			ReplyTo:   taskID,
		},
		Context: v1.Context{HumanID: "ada"},
		Payload: v1.Payload{Text: "finished"},
		Status:  status,
	}
}

// coordinatorUpdates returns the coordinator's emitted task-updates with
// the given status.
func (h *coordHarness) coordinatorUpdates(t *testing.T, status v1.EnvelopeStatus) []*v1.Envelope {
	t.Helper()
	all, err := h.store.ListEnvelopes(context.Background(), "proj-1", store.Filter{Type: v1.EnvelopeTypeTaskUpdate})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var out []*v1.Envelope
	for _, env := range all {
		if env.Routing.From == "agent:coord" && env.Status == status {
			out = append(out, env)
		}
	}
	return out
}

func TestCoordinatorConsolidatesSingleSibling(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "coord", DefaultConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		_ = c.Stop()
	}()

	task := h.publish(t, fabricTaskCreate("agent:worker", nil))
	h.publish(t, fabricReport("agent:worker", task.ID, v1.EnvelopeStatusDone))

	done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone)
	if len(done) != 1 {
		t.Fatalf("expected 1 consolidated update, got %d", len(done))
	}
	if done[0].Routing.To != "human:ada" || done[0].Routing.ReplyTo != task.ID {
		t.Errorf("consolidated update misaddressed: %+v", done[0].Routing)
	}

	trail, err := h.store.ListProgress(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(trail) != 1 || trail[0].PercentDone != 100 || trail[0].State != v1.ProgressStateDone {
		t.Fatalf("expected final progress {100, done}, got %+v", trail)
	}
}

func TestCoordinatorWaitsForFullSiblingSet(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "coord", DefaultConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		_ = c.Stop()
	}()

	params := map[string]interface{}{
		"sibling_agents": []interface{}{"agent:alpha", "agent:beta"},
	}
	task := h.publish(t, fabricTaskCreate(v1.RecipientBroadcast, params))
	h.publish(t, fabricReport("agent:alpha", task.ID, v1.EnvelopeStatusDone))

	if done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone); len(done) != 0 {
		t.Fatalf("consolidated before full set: %d updates", len(done))
	}

	h.publish(t, fabricReport("agent:beta", task.ID, v1.EnvelopeStatusDone))

	if done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone); len(done) != 1 {
		t.Fatalf("expected exactly 1 consolidated update, got %d", len(done))
	}
}

func TestCoordinatorRetriesThenEscalates(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.RetryBudget = 1
	c := h.newCoordinator(t, "coord", cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		_ = c.Stop()
	}()

	task := h.publish(t, fabricTaskCreate("agent:worker", nil))
	h.publish(t, fabricReport("agent:worker", task.ID, v1.EnvelopeStatusError))

	retries := h.coordinatorUpdates(t, v1.EnvelopeStatusProcessing)
	if len(retries) != 1 {
		t.Fatalf("expected 1 retry request, got %d", len(retries))
	}
	if retries[0].Routing.To != "agent:worker" {
		t.Errorf("retry addressed to %s", retries[0].Routing.To)
	}

	h.publish(t, fabricReport("agent:worker", task.ID, v1.EnvelopeStatusError))

	escalations := h.coordinatorUpdates(t, v1.EnvelopeStatusNeedsHuman)
	if len(escalations) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(escalations))
	}
	if done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone); len(done) != 0 {
		t.Fatalf("escalated task also consolidated: %d", len(done))
	}

	trail, err := h.store.ListProgress(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(trail) != 1 || trail[0].State != v1.ProgressStateError {
		t.Fatalf("expected frozen error progress, got %+v", trail)
	}
}

func TestCoordinatorReplayRebuildsFanIn(t *testing.T) {
	h := newHarness(t)
	c1 := h.newCoordinator(t, "coord", DefaultConfig())
	if err := c1.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	params := map[string]interface{}{"sibling_count": float64(2)}
	task := h.publish(t, fabricTaskCreate(v1.RecipientBroadcast, params))
	h.publish(t, fabricReport("agent:alpha", task.ID, v1.EnvelopeStatusDone))

	// Crash mid-aggregation after 1 of 2 reported.
	if err := c1.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	c2 := h.newCoordinator(t, "coord", DefaultConfig())
	if err := c2.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer func() {
		_ = c2.Stop()
	}()

	open := c2.OpenTasks()
	if len(open) != 1 {
		t.Fatalf("expected 1 open task after replay, got %d", len(open))
	}
	if open[0].ExpectedCount != 2 || len(open[0].Observed) != 1 {
		t.Errorf("fan-in state after replay: expected=%d observed=%d",
			open[0].ExpectedCount, len(open[0].Observed))
	}
	if done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone); len(done) != 0 {
		t.Fatalf("replay emitted premature done: %d", len(done))
	}

	h.publish(t, fabricReport("agent:beta", task.ID, v1.EnvelopeStatusDone))

	if done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone); len(done) != 1 {
		t.Fatalf("expected exactly 1 consolidated update after restart, got %d", len(done))
	}
}

// flakyFabric fails the coordinator's own publishes a set number of times,
// then recovers. Traffic from everyone else passes through.
type flakyFabric struct {
	*testFabric
	mu       sync.Mutex
	failures int
}

func (f *flakyFabric) Publish(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error) {
	f.mu.Lock()
	if env.Routing.From == "agent:coord" && f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("transport hiccup")
	}
	f.mu.Unlock()
	return f.testFabric.Publish(ctx, env)
}

func TestCoordinatorRetriesFailedEmission(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyFabric{testFabric: h.fabric, failures: 1}

	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	c := New(flaky, h.store, h.engine, nil, cfg, Identity{
		AgentName: "coord",
		HumanID:   "ada",
		ProjectID: "proj-1",
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		_ = c.Stop()
	}()

	task := h.publish(t, fabricTaskCreate("agent:worker", nil))
	h.publish(t, fabricReport("agent:worker", task.ID, v1.EnvelopeStatusDone))

	// The first consolidation attempt fails; the sweep retries it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone); len(done) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("consolidation never recovered from the failed publish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Recovery must not double-emit.
	time.Sleep(50 * time.Millisecond)
	if done := h.coordinatorUpdates(t, v1.EnvelopeStatusDone); len(done) != 1 {
		t.Fatalf("expected exactly 1 consolidated update, got %d", len(done))
	}
}

func TestCoordinatorTaskTimeout(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	c := h.newCoordinator(t, "coord", cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		_ = c.Stop()
	}()

	h.publish(t, fabricTaskCreate("agent:worker", nil))

	var escalations []*v1.Envelope
	deadline := time.Now().Add(2 * time.Second)
	for {
		if escalations = h.coordinatorUpdates(t, v1.EnvelopeStatusNeedsHuman); len(escalations) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout escalation never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if code := escalations[0].Payload.Params["error_code"]; code != apperrors.ErrCodeDeliveryTimeout {
		t.Errorf("escalation error_code = %v", code)
	}
}

func TestCoordinatorSoftLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A rival with a fresh heartbeat holds the lease.
	if _, err := h.store.UpsertAgent(ctx, &v1.AgentIdentity{
		Name:                 "rival",
		HumanID:              "ada",
		ProjectID:            "proj-1",
		HeartbeatIntervalSec: 15,
		IsCoordinator:        true,
		LastHeartbeat:        time.Now(),
	}); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}

	c := h.newCoordinator(t, "coord", DefaultConfig())
	if err := c.Start(ctx); !errors.Is(err, ErrCoordinatorActive) {
		t.Fatalf("expected ErrCoordinatorActive, got %v", err)
	}

	// Once the rival goes silent past interval*factor, takeover succeeds.
	if _, err := h.store.UpsertAgent(ctx, &v1.AgentIdentity{
		Name:                 "rival",
		HumanID:              "ada",
		ProjectID:            "proj-1",
		HeartbeatIntervalSec: 15,
		IsCoordinator:        true,
		LastHeartbeat:        time.Now().Add(-5 * time.Minute),
	}); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	defer func() {
		_ = c.Stop()
	}()
}

func TestCoordinatorStartStopGuards(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "coord", DefaultConfig())

	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !c.IsRunning() {
		t.Error("expected running")
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.IsRunning() {
		t.Error("expected stopped")
	}
}
