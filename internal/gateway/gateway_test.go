package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/solarbus/solarbus/internal/authz"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/presence"
	"github.com/solarbus/solarbus/internal/router"
	"github.com/solarbus/solarbus/internal/store"
	"github.com/solarbus/solarbus/internal/sun"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

type gatewayHarness struct {
	engine *gin.Engine
	svc    *sun.Service
}

func newTestGateway(t *testing.T) *gatewayHarness {
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
	t.Cleanup(func() {
		svc.Close()
		bus.Close()
		_ = st.Close()
	})

	engine := gin.New()
	RegisterEnvelopeRoutes(engine, svc, log)
	RegisterAgentRoutes(engine, svc, log)
	return &gatewayHarness{engine: engine, svc: svc}
}

func (h *gatewayHarness) addMember(t *testing.T, humanID, projectID string) {
	t.Helper()
	if err := h.svc.AddMembership(context.Background(), &v1.Membership{
		HumanID:   humanID,
		ProjectID: projectID,
		Role:      v1.RoleOwner,
	}); err != nil {
		t.Fatalf("AddMembership failed: %v", err)
	}
}

// do performs one request against the gateway. A non-nil body is sent as
// JSON; an empty identity leaves the header unset.
func (h *gatewayHarness) do(t *testing.T, method, path, identity string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set(v1.IdentityHeader, identity)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func publishBody(from, to string) v1.PublishEnvelopeRequest {
	return v1.PublishEnvelopeRequest{
		Schema: v1.SchemaVersion,
		Type:   v1.EnvelopeTypeChat,
		Routing: v1.Routing{
			ProjectID: "proj-1",
			From:      from,
			To:        to,
		},
		Context: v1.Context{HumanID: "ada"},
		Payload: v1.Payload{Text: "hello"},
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (message, code string) {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal error response: %v", err)
	}
	return resp.Error, resp.Code
}

func TestPublishAndGetEnvelope(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", publishBody("human:ada", "agent:worker"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var committed v1.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &committed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if committed.ID == "" {
		t.Error("expected store-assigned id")
	}
	if committed.Seq != 1 {
		t.Errorf("expected seq 1, got %d", committed.Seq)
	}
	if committed.Status != v1.EnvelopeStatusSent {
		t.Errorf("expected status sent, got %s", committed.Status)
	}

	w = h.do(t, http.MethodGet, "/api/v1/envelopes/"+committed.ID, "human:ada", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var fetched v1.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if fetched.ID != committed.ID {
		t.Errorf("expected envelope %s, got %s", committed.ID, fetched.ID)
	}
}

func TestPublishRequiresIdentity(t *testing.T) {
	h := newTestGateway(t)

	w := h.do(t, http.MethodPost, "/api/v1/envelopes", "", publishBody("human:ada", "agent:worker"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if _, code := decodeError(t, w); code != "BAD_REQUEST" {
		t.Errorf("expected code BAD_REQUEST, got %s", code)
	}
}

func TestPublishDeniedWithoutMembership(t *testing.T) {
	h := newTestGateway(t)

	w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:eve", publishBody("human:eve", "agent:worker"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}
	if _, code := decodeError(t, w); code != "AUTHORIZATION_ERROR" {
		t.Errorf("expected code AUTHORIZATION_ERROR, got %s", code)
	}
}

func TestPublishRejectsInvalidBody(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	// Missing type and routing fail request binding before the service runs.
	w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", map[string]string{"schema": v1.SchemaVersion})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if _, code := decodeError(t, w); code != "VALIDATION_ERROR" {
		t.Errorf("expected code VALIDATION_ERROR, got %s", code)
	}
}

func TestPublishDuplicateIDRejected(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	body := publishBody("human:ada", "agent:worker")
	body.ID = "env-dup"

	w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("first publish: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate publish: expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if _, code := decodeError(t, w); code != "VALIDATION_ERROR" {
		t.Errorf("expected code VALIDATION_ERROR, got %s", code)
	}
}

func TestGetEnvelopeNotFound(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	w := h.do(t, http.MethodGet, "/api/v1/envelopes/missing", "human:ada", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}
	if _, code := decodeError(t, w); code != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %s", code)
	}
}

func TestListEnvelopesCursor(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	for i := 0; i < 3; i++ {
		body := publishBody("human:ada", "agent:worker")
		body.Payload.Text = fmt.Sprintf("message %d", i)
		if w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", body); w.Code != http.StatusCreated {
			t.Fatalf("publish %d: expected 201, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := h.do(t, http.MethodGet, "/api/v1/projects/proj-1/envelopes?limit=2", "human:ada", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var page v1.EnvelopeList
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(page.Envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(page.Envelopes))
	}
	if page.NextSeq != 2 {
		t.Errorf("expected next_seq 2, got %d", page.NextSeq)
	}

	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/proj-1/envelopes?after_seq=%d", page.NextSeq), "human:ada", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var rest v1.EnvelopeList
	if err := json.Unmarshal(w.Body.Bytes(), &rest); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(rest.Envelopes) != 1 {
		t.Fatalf("expected 1 envelope after cursor, got %d", len(rest.Envelopes))
	}
	if rest.Envelopes[0].Seq != 3 {
		t.Errorf("expected seq 3, got %d", rest.Envelopes[0].Seq)
	}
	if rest.NextSeq != 3 {
		t.Errorf("expected next_seq 3, got %d", rest.NextSeq)
	}

	// An empty page keeps the request cursor so polling can continue.
	w = h.do(t, http.MethodGet, "/api/v1/projects/proj-1/envelopes?after_seq=3", "human:ada", nil)
	var empty v1.EnvelopeList
	if err := json.Unmarshal(w.Body.Bytes(), &empty); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(empty.Envelopes) != 0 || empty.NextSeq != 3 {
		t.Errorf("expected empty page with next_seq 3, got %d envelopes next_seq %d", len(empty.Envelopes), empty.NextSeq)
	}
}

func TestListEnvelopesRecipientFilter(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	direct := publishBody("human:ada", "agent:worker")
	broadcast := publishBody("human:ada", v1.RecipientBroadcast)
	other := publishBody("human:ada", "agent:scribe")
	for _, body := range []v1.PublishEnvelopeRequest{direct, broadcast, other} {
		if w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", body); w.Code != http.StatusCreated {
			t.Fatalf("publish: expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := h.do(t, http.MethodGet, "/api/v1/projects/proj-1/envelopes?to=agent:worker", "human:ada", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var page v1.EnvelopeList
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	// The recipient filter folds broadcast envelopes in.
	if len(page.Envelopes) != 2 {
		t.Fatalf("expected 2 envelopes for recipient, got %d", len(page.Envelopes))
	}
	for _, env := range page.Envelopes {
		if env.Routing.To != "agent:worker" && env.Routing.To != v1.RecipientBroadcast {
			t.Errorf("unexpected recipient %s", env.Routing.To)
		}
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", publishBody("human:ada", "agent:worker"))
	if w.Code != http.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var committed v1.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &committed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	w = h.do(t, http.MethodPatch, "/api/v1/envelopes/"+committed.ID+"/status", "human:ada",
		v1.UpdateEnvelopeStatusRequest{Status: v1.EnvelopeStatusReceived})
	if w.Code != http.StatusOK {
		t.Fatalf("transition: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated v1.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if updated.Status != v1.EnvelopeStatusReceived {
		t.Errorf("expected status received, got %s", updated.Status)
	}

	// sent to done skips the lifecycle and is rejected.
	w = h.do(t, http.MethodPatch, "/api/v1/envelopes/"+committed.ID+"/status", "human:ada",
		v1.UpdateEnvelopeStatusRequest{Status: v1.EnvelopeStatusSent})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("illegal transition: expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestProgressTrail(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	w := h.do(t, http.MethodPost, "/api/v1/envelopes", "human:ada", publishBody("human:ada", "agent:worker"))
	if w.Code != http.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var committed v1.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &committed); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	for _, percent := range []int{10, 60} {
		w = h.do(t, http.MethodPost, "/api/v1/progress", "human:ada", v1.AppendProgressRequest{
			MessageID:   committed.ID,
			ProjectID:   "proj-1",
			PercentDone: percent,
			State:       v1.ProgressStateRunning,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("append %d%%: expected 201, got %d: %s", percent, w.Code, w.Body.String())
		}
	}

	// Percent never moves backwards outside the error transition.
	w = h.do(t, http.MethodPost, "/api/v1/progress", "human:ada", v1.AppendProgressRequest{
		MessageID:   committed.ID,
		ProjectID:   "proj-1",
		PercentDone: 30,
		State:       v1.ProgressStateRunning,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("regression: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodGet, "/api/v1/envelopes/"+committed.ID+"/progress", "human:ada", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("trail: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var trail v1.ProgressList
	if err := json.Unmarshal(w.Body.Bytes(), &trail); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if trail.Total != 2 || len(trail.Records) != 2 {
		t.Fatalf("expected 2 records, got total %d len %d", trail.Total, len(trail.Records))
	}
	if trail.Records[0].PercentDone != 10 || trail.Records[1].PercentDone != 60 {
		t.Errorf("expected trail 10,60 got %d,%d", trail.Records[0].PercentDone, trail.Records[1].PercentDone)
	}
}

func TestRegisterAndListAgents(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	w := h.do(t, http.MethodPost, "/api/v1/agents", "human:ada", v1.RegisterAgentRequest{
		Name:                 "worker",
		HumanID:              "ada",
		ProjectID:            "proj-1",
		Capabilities:         []string{"code"},
		HeartbeatIntervalSec: 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var agent v1.AgentIdentity
	if err := json.Unmarshal(w.Body.Bytes(), &agent); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if agent.Name != "worker" || agent.LastHeartbeat.IsZero() {
		t.Errorf("expected registered worker with heartbeat, got %+v", agent)
	}

	w = h.do(t, http.MethodGet, "/api/v1/projects/proj-1/agents", "human:ada", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var list v1.AgentList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(list.Agents) != 1 || list.Agents[0].Name != "worker" {
		t.Fatalf("expected one registered agent, got %+v", list.Agents)
	}
	if len(list.Alive) != 1 || list.Alive[0] != "worker" {
		t.Errorf("expected worker alive, got %v", list.Alive)
	}
}

func TestHeartbeatRefreshesWithoutClobbering(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	w := h.do(t, http.MethodPost, "/api/v1/agents", "human:ada", v1.RegisterAgentRequest{
		Name:         "worker",
		HumanID:      "ada",
		ProjectID:    "proj-1",
		Capabilities: []string{"code", "review"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodPost, "/api/v1/agents/worker/heartbeat", "agent:worker",
		v1.HeartbeatRequest{ProjectID: "proj-1"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodGet, "/api/v1/projects/proj-1/agents", "human:ada", nil)
	var list v1.AgentList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(list.Agents) != 1 || len(list.Agents[0].Capabilities) != 2 {
		t.Fatalf("expected capabilities to survive heartbeat, got %+v", list.Agents)
	}

	w = h.do(t, http.MethodPost, "/api/v1/agents/ghost/heartbeat", "human:ada",
		v1.HeartbeatRequest{ProjectID: "proj-1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown agent heartbeat: expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRegisterAgentRequiresOwningMembership(t *testing.T) {
	h := newTestGateway(t)
	h.addMember(t, "ada", "proj-1")

	// eve holds no membership, so her agent cannot join the project.
	w := h.do(t, http.MethodPost, "/api/v1/agents", "human:eve", v1.RegisterAgentRequest{
		Name:      "intruder",
		HumanID:   "eve",
		ProjectID: "proj-1",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}
}
