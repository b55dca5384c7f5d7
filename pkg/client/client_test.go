package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/solarbus/solarbus/internal/authz"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/gateway"
	gatewayws "github.com/solarbus/solarbus/internal/gateway/websocket"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/presence"
	"github.com/solarbus/solarbus/internal/router"
	"github.com/solarbus/solarbus/internal/store"
	"github.com/solarbus/solarbus/internal/sun"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// fabricHarness runs a full in-process gateway: store, guard, router, sun
// service and both HTTP and stream endpoints behind an httptest server.
type fabricHarness struct {
	server *httptest.Server
	svc    *sun.Service
	store  store.Store
}

func newTestFabric(t *testing.T) *fabricHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	st := store.NewMemoryStore(store.Options{})
	guard := authz.New(st, authz.DefaultConfig(), log)
	bus := router.NewMemoryRouter(log)
	svc := sun.New(st, guard, bus, presence.NewMemoryTracker(), log)
	engine := idempotency.New(st, log)

	e := gin.New()
	gateway.RegisterEnvelopeRoutes(e, svc, log)
	gateway.RegisterAgentRoutes(e, svc, log)
	gw := gatewayws.NewGateway(svc, guard, engine, log)
	gw.SetupRoutes(e)

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Hub.Run(ctx)

	server := httptest.NewServer(e)
	t.Cleanup(func() {
		server.Close()
		cancel()
		svc.Close()
		bus.Close()
		_ = st.Close()
	})
	return &fabricHarness{server: server, svc: svc, store: st}
}

func (h *fabricHarness) addMember(t *testing.T, humanID, projectID string) {
	t.Helper()
	if err := h.svc.AddMembership(context.Background(), &v1.Membership{
		HumanID:   humanID,
		ProjectID: projectID,
		Role:      v1.RoleOwner,
	}); err != nil {
		t.Fatalf("AddMembership failed: %v", err)
	}
}

func (h *fabricHarness) client(identity string) *Client {
	return New(h.server.URL, identity)
}

func testEnvelope(from, to, text string) *v1.Envelope {
	return &v1.Envelope{
		Schema: v1.SchemaVersion,
		Type:   v1.EnvelopeTypeChat,
		Routing: v1.Routing{
			ProjectID: "proj-1",
			From:      from,
			To:        to,
		},
		Context: v1.Context{HumanID: "ada"},
		Payload: v1.Payload{Text: text},
	}
}

func awaitDelivery(t *testing.T, stream *Stream) Delivery {
	t.Helper()
	select {
	case d, ok := <-stream.Envelopes():
		if !ok {
			t.Fatalf("stream closed while waiting for delivery: %v", stream.Err())
		}
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientEnvelopeLifecycle(t *testing.T) {
	h := newTestFabric(t)
	h.addMember(t, "ada", "proj-1")
	c := h.client("human:ada")
	ctx := context.Background()

	committed, err := c.Publish(ctx, testEnvelope("human:ada", "agent:worker", "build it"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if committed.ID == "" || committed.Seq != 1 || committed.Status != v1.EnvelopeStatusSent {
		t.Fatalf("unexpected committed envelope: %+v", committed)
	}

	fetched, err := c.Get(ctx, committed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Payload.Text != "build it" {
		t.Errorf("expected payload to round-trip, got %q", fetched.Payload.Text)
	}

	updated, err := c.UpdateStatus(ctx, committed.ID, v1.EnvelopeStatusReceived)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if updated.Status != v1.EnvelopeStatusReceived {
		t.Errorf("expected status received, got %s", updated.Status)
	}

	if _, err := c.AppendProgress(ctx, &v1.ProgressRecord{
		MessageID:   committed.ID,
		ProjectID:   "proj-1",
		PercentDone: 40,
		State:       v1.ProgressStateRunning,
		Note:        "halfway there",
	}); err != nil {
		t.Fatalf("AppendProgress failed: %v", err)
	}
	trail, err := c.Progress(ctx, committed.ID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if len(trail) != 1 || trail[0].PercentDone != 40 {
		t.Fatalf("unexpected trail: %+v", trail)
	}

	list, err := c.List(ctx, "proj-1", v1.ListEnvelopesQuery{To: "agent:worker"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list.Envelopes) != 1 || list.NextSeq != 1 {
		t.Fatalf("unexpected list: %d envelopes next_seq %d", len(list.Envelopes), list.NextSeq)
	}

	if err := c.Health(ctx); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestClientTypedErrors(t *testing.T) {
	h := newTestFabric(t)
	h.addMember(t, "ada", "proj-1")
	ctx := context.Background()

	outsider := h.client("human:eve")
	if _, err := outsider.Publish(ctx, testEnvelope("human:eve", "agent:worker", "hi")); !IsAuthorization(err) {
		t.Errorf("expected authorization error, got %v", err)
	}

	member := h.client("human:ada")
	if _, err := member.Get(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	committed, err := member.Publish(ctx, testEnvelope("human:ada", "agent:worker", "hi"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := member.UpdateStatus(ctx, committed.ID, v1.EnvelopeStatusDone); !IsValidation(err) {
		t.Errorf("expected validation error for illegal transition, got %v", err)
	}

	// Idempotent republish of the same id is rejected, not duplicated.
	dup := testEnvelope("human:ada", "agent:worker", "hi")
	dup.ID = committed.ID
	if _, err := member.Publish(ctx, dup); !IsValidation(err) {
		t.Errorf("expected validation error for duplicate id, got %v", err)
	}
}

func TestClientAgents(t *testing.T) {
	h := newTestFabric(t)
	h.addMember(t, "ada", "proj-1")
	ctx := context.Background()
	c := h.client("human:ada")

	registered, err := c.RegisterAgent(ctx, &v1.AgentIdentity{
		Name:         "worker",
		HumanID:      "ada",
		ProjectID:    "proj-1",
		Capabilities: []string{"code"},
	})
	if err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	if registered.LastHeartbeat.IsZero() {
		t.Error("expected registration to record a heartbeat")
	}

	agentClient := h.client("agent:worker")
	if err := agentClient.Heartbeat(ctx, "worker", "proj-1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	list, err := c.Agents(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Agents failed: %v", err)
	}
	if len(list.Agents) != 1 || list.Agents[0].Name != "worker" {
		t.Fatalf("unexpected agent list: %+v", list.Agents)
	}
	if len(list.Alive) != 1 || list.Alive[0] != "worker" {
		t.Errorf("expected worker alive, got %v", list.Alive)
	}
}

func TestStreamDeliverAckResume(t *testing.T) {
	h := newTestFabric(t)
	h.addMember(t, "ada", "proj-1")
	ctx := context.Background()

	human := h.client("human:ada")
	if _, err := human.RegisterAgent(ctx, &v1.AgentIdentity{Name: "worker", HumanID: "ada", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	first, err := human.Publish(ctx, testEnvelope("human:ada", "agent:worker", "one"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	second, err := human.Publish(ctx, testEnvelope("human:ada", "agent:worker", "two"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	agent := h.client("agent:worker")
	stream, err := agent.Subscribe(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if stream.ResumeFrom() != 0 {
		t.Errorf("fresh consumer should resume from 0, got %d", stream.ResumeFrom())
	}

	// Catch-up replays the backlog in commit order.
	d1 := awaitDelivery(t, stream)
	d2 := awaitDelivery(t, stream)
	if d1.Envelope.ID != first.ID || d2.Envelope.ID != second.ID {
		t.Fatalf("expected backlog in order, got %s then %s", d1.Envelope.ID, d2.Envelope.ID)
	}
	if d1.Seq >= d2.Seq {
		t.Fatalf("expected increasing seq, got %d then %d", d1.Seq, d2.Seq)
	}

	if err := stream.Ack(d1.Seq); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	consumer := stream.Consumer()
	waitFor(t, "cursor commit", func() bool {
		pos, err := h.store.Position(ctx, consumer)
		return err == nil && pos == d1.Seq
	})
	_ = stream.Close()

	// Only the unacknowledged envelope comes back.
	resumed, err := agent.Subscribe(ctx, "proj-1")
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}
	defer func() { _ = resumed.Close() }()
	if resumed.ResumeFrom() != d1.Seq {
		t.Errorf("expected resume from %d, got %d", d1.Seq, resumed.ResumeFrom())
	}
	redelivered := awaitDelivery(t, resumed)
	if redelivered.Envelope.ID != second.ID {
		t.Fatalf("expected redelivery of %s, got %s", second.ID, redelivered.Envelope.ID)
	}

	// Live publishes flow through the same stream after the backlog.
	third, err := human.Publish(ctx, testEnvelope("human:ada", "agent:worker", "three"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	live := awaitDelivery(t, resumed)
	if live.Envelope.ID != third.ID {
		t.Fatalf("expected live delivery of %s, got %s", third.ID, live.Envelope.ID)
	}
}

func TestStreamExplicitAfterSeq(t *testing.T) {
	h := newTestFabric(t)
	h.addMember(t, "ada", "proj-1")
	ctx := context.Background()

	human := h.client("human:ada")
	if _, err := human.RegisterAgent(ctx, &v1.AgentIdentity{Name: "worker", HumanID: "ada", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	var last *v1.Envelope
	for i := 0; i < 3; i++ {
		env, err := human.Publish(ctx, testEnvelope("human:ada", "agent:worker", fmt.Sprintf("msg %d", i)))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		last = env
	}

	agent := h.client("agent:worker")
	stream, err := agent.Subscribe(ctx, "proj-1", WithAfterSeq(2))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	if stream.ResumeFrom() != 2 {
		t.Errorf("expected resume from 2, got %d", stream.ResumeFrom())
	}
	d := awaitDelivery(t, stream)
	if d.Envelope.ID != last.ID || d.Seq != 3 {
		t.Fatalf("expected only seq 3, got seq %d id %s", d.Seq, d.Envelope.ID)
	}
}

func TestStreamProjectScope(t *testing.T) {
	h := newTestFabric(t)
	h.addMember(t, "ada", "proj-1")
	h.addMember(t, "grace", "proj-1")
	ctx := context.Background()

	human := h.client("human:ada")
	backlog, err := human.Publish(ctx, testEnvelope("human:ada", "human:ada", "note to self"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// grace follows the whole project even though nothing is addressed to her.
	observer := h.client("human:grace")
	stream, err := observer.Subscribe(ctx, "proj-1", WithProjectScope())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = stream.Close() }()
	if !strings.HasPrefix(stream.Consumer(), "project-stream:") {
		t.Errorf("expected a project-scoped cursor, got %q", stream.Consumer())
	}

	caught := awaitDelivery(t, stream)
	if caught.Envelope.ID != backlog.ID {
		t.Fatalf("expected backlog envelope %s, got %s", backlog.ID, caught.Envelope.ID)
	}

	live, err := human.Publish(ctx, testEnvelope("human:ada", "human:ada", "another"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	d := awaitDelivery(t, stream)
	if d.Envelope.ID != live.ID {
		t.Fatalf("expected live envelope %s, got %s", live.ID, d.Envelope.ID)
	}
}

func TestStreamDeniedWithoutMembership(t *testing.T) {
	h := newTestFabric(t)
	h.addMember(t, "ada", "proj-1")

	outsider := h.client("human:eve")
	if _, err := outsider.Subscribe(context.Background(), "proj-1"); !IsAuthorization(err) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}
