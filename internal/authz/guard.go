// Package authz implements the membership guard. Every read and write on
// the fabric is checked synchronously against the owning human's project
// membership before it touches the store; the default answer is deny.
// Agents never hold memberships of their own, they inherit the membership
// of the human that registered them.
package authz

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/envelope"
	"github.com/solarbus/solarbus/internal/metrics"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// MembershipSource answers whether a human belongs to a project.
type MembershipSource interface {
	IsMember(ctx context.Context, humanID, projectID string) (bool, v1.Role, error)
}

// AgentSource resolves a registered agent to its owning human.
type AgentSource interface {
	GetAgent(ctx context.Context, name, projectID string) (*v1.AgentIdentity, error)
}

// Source is the store surface the guard depends on.
type Source interface {
	MembershipSource
	AgentSource
}

// Config holds guard tuning.
type Config struct {
	// CacheTTL bounds how long a membership verdict may be served from
	// cache. Zero disables caching entirely.
	CacheTTL time.Duration
}

// DefaultConfig returns the default guard configuration.
func DefaultConfig() Config {
	return Config{CacheTTL: 30 * time.Second}
}

type verdict struct {
	allowed bool
	expires time.Time
}

// Guard performs membership checks with a small TTL cache in front of the
// source. Verdicts, allow and deny alike, age out after CacheTTL so
// membership changes propagate within one TTL window.
type Guard struct {
	source Source
	ttl    time.Duration
	log    *logger.Logger

	mu    sync.Mutex
	cache map[string]verdict
}

// New creates a membership guard over the given source.
func New(source Source, cfg Config, log *logger.Logger) *Guard {
	if log == nil {
		log = logger.Default()
	}
	return &Guard{
		source: source,
		ttl:    cfg.CacheTTL,
		log:    log.WithFields(zap.String("component", "authz")),
		cache:  make(map[string]verdict),
	}
}

// Authorize checks that the identity may act inside the project. Human
// identities are checked directly; agent identities resolve to the human
// that registered them. Unknown identities and missing memberships deny.
func (g *Guard) Authorize(ctx context.Context, identity, projectID string) error {
	metrics.AuthzChecks.Inc()
	if projectID == "" {
		return apperrors.Validation("project_id", "must not be empty")
	}

	parsed, err := envelope.ParseIdentity(identity)
	if err != nil {
		return apperrors.Validation("identity", err.Error())
	}

	if allowed, ok := g.cached(identity, projectID); ok {
		if !allowed {
			metrics.AuthzDenied.Inc()
			return apperrors.Authorization(identity, projectID)
		}
		return nil
	}

	allowed, err := g.resolve(ctx, parsed, projectID)
	if err != nil {
		return err
	}
	g.remember(identity, projectID, allowed)
	if !allowed {
		metrics.AuthzDenied.Inc()
		g.log.WithProjectID(projectID).Debug("authorization denied", zap.String("identity", identity))
		return apperrors.Authorization(identity, projectID)
	}
	return nil
}

// AuthorizeEnvelope checks the envelope's sender against its project.
func (g *Guard) AuthorizeEnvelope(ctx context.Context, env *v1.Envelope) error {
	if env == nil {
		return apperrors.BadRequest("envelope must not be nil")
	}
	return g.Authorize(ctx, env.Routing.From, env.Routing.ProjectID)
}

// resolve finds the owning human and asks the source for the membership.
func (g *Guard) resolve(ctx context.Context, id envelope.Identity, projectID string) (bool, error) {
	humanID := id.Name
	if id.Kind == envelope.IdentityAgent {
		agent, err := g.source.GetAgent(ctx, id.Name, projectID)
		if apperrors.IsNotFound(err) {
			// unregistered agent: deny, do not error
			return false, nil
		}
		if err != nil {
			return false, err
		}
		humanID = agent.HumanID
	}

	ok, _, err := g.source.IsMember(ctx, humanID, projectID)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *Guard) cached(identity, projectID string) (allowed, ok bool) {
	if g.ttl <= 0 {
		return false, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.cache[identity+"\x00"+projectID]
	if !ok || time.Now().After(v.expires) {
		return false, false
	}
	return v.allowed, true
}

func (g *Guard) remember(identity, projectID string, allowed bool) {
	if g.ttl <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[identity+"\x00"+projectID] = verdict{allowed: allowed, expires: time.Now().Add(g.ttl)}
}

// Invalidate drops every cached verdict. Called after membership or agent
// registration changes so new permissions take effect immediately.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = make(map[string]verdict)
}
