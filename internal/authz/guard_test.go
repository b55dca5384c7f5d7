package authz

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/store"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, store.Store) {
	t.Helper()
	s := store.NewMemoryStore(store.Options{})
	t.Cleanup(func() { _ = s.Close() })
	return New(s, Config{CacheTTL: ttl}, nil), s
}

func seedMembership(t *testing.T, s store.Store, humanID, projectID string) {
	t.Helper()
	if err := s.AddMembership(context.Background(), &v1.Membership{HumanID: humanID, ProjectID: projectID}); err != nil {
		t.Fatal(err)
	}
}

func seedAgent(t *testing.T, s store.Store, name, projectID, humanID string) {
	t.Helper()
	if _, err := s.UpsertAgent(context.Background(), &v1.AgentIdentity{Name: name, ProjectID: projectID, HumanID: humanID}); err != nil {
		t.Fatal(err)
	}
}

func TestAuthorizeHumanMember(t *testing.T) {
	g, s := newTestGuard(t, 0)
	seedMembership(t, s, "ada", "proj-1")

	if err := g.Authorize(context.Background(), "human:ada", "proj-1"); err != nil {
		t.Fatalf("member should be allowed: %v", err)
	}
}

func TestAuthorizeDeniesNonMember(t *testing.T) {
	g, s := newTestGuard(t, 0)
	seedMembership(t, s, "ada", "proj-1")

	err := g.Authorize(context.Background(), "human:eve", "proj-1")
	if !apperrors.IsAuthorization(err) {
		t.Fatalf("expected authorization deny, got %v", err)
	}

	// membership in one project grants nothing in another
	err = g.Authorize(context.Background(), "human:ada", "proj-2")
	if !apperrors.IsAuthorization(err) {
		t.Fatalf("expected authorization deny across projects, got %v", err)
	}
}

func TestAuthorizeAgentInheritsHumanMembership(t *testing.T) {
	g, s := newTestGuard(t, 0)
	seedMembership(t, s, "ada", "proj-1")
	seedAgent(t, s, "scout", "proj-1", "ada")
	seedAgent(t, s, "stray", "proj-1", "eve")

	if err := g.Authorize(context.Background(), "agent:scout", "proj-1"); err != nil {
		t.Fatalf("agent of a member should be allowed: %v", err)
	}

	// the agent's own registration does not grant access; its human must
	// hold the membership
	err := g.Authorize(context.Background(), "agent:stray", "proj-1")
	if !apperrors.IsAuthorization(err) {
		t.Fatalf("expected deny for agent of a non-member, got %v", err)
	}
}

func TestAuthorizeDeniesUnregisteredAgent(t *testing.T) {
	g, s := newTestGuard(t, 0)
	seedMembership(t, s, "ada", "proj-1")

	err := g.Authorize(context.Background(), "agent:ghost", "proj-1")
	if !apperrors.IsAuthorization(err) {
		t.Fatalf("expected deny for unregistered agent, got %v", err)
	}
}

func TestAuthorizeRejectsMalformedIdentity(t *testing.T) {
	g, _ := newTestGuard(t, 0)

	for _, identity := range []string{"", "ada", "robot:r2", "agent:"} {
		err := g.Authorize(context.Background(), identity, "proj-1")
		if !apperrors.IsValidation(err) {
			t.Errorf("identity %q: expected validation error, got %v", identity, err)
		}
	}
}

func TestAuthorizeEnvelopeUsesSender(t *testing.T) {
	g, s := newTestGuard(t, 0)
	seedMembership(t, s, "ada", "proj-1")

	env := &v1.Envelope{Routing: v1.Routing{ProjectID: "proj-1", From: "human:ada", To: "broadcast"}}
	if err := g.AuthorizeEnvelope(context.Background(), env); err != nil {
		t.Fatalf("sender with membership should pass: %v", err)
	}

	env.Routing.From = "human:eve"
	if err := g.AuthorizeEnvelope(context.Background(), env); !apperrors.IsAuthorization(err) {
		t.Fatalf("expected deny for non-member sender, got %v", err)
	}
}

func TestCacheServesVerdictUntilInvalidated(t *testing.T) {
	g, s := newTestGuard(t, time.Minute)

	// first check denies and the deny is cached
	if err := g.Authorize(context.Background(), "human:ada", "proj-1"); !apperrors.IsAuthorization(err) {
		t.Fatalf("expected deny before membership exists, got %v", err)
	}

	seedMembership(t, s, "ada", "proj-1")
	if err := g.Authorize(context.Background(), "human:ada", "proj-1"); !apperrors.IsAuthorization(err) {
		t.Fatalf("expected cached deny within TTL, got %v", err)
	}

	g.Invalidate()
	if err := g.Authorize(context.Background(), "human:ada", "proj-1"); err != nil {
		t.Fatalf("expected allow after invalidation: %v", err)
	}
}
