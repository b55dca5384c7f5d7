package sun

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/presence"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// RegisterAgent registers a moon under its owning human. The owning human
// must already hold a membership; the agent inherits its scope from that
// membership and never gets one of its own.
func (s *Service) RegisterAgent(ctx context.Context, identity string, agent *v1.AgentIdentity) (*v1.AgentIdentity, error) {
	if agent == nil {
		return nil, apperrors.BadRequest("agent must not be nil")
	}
	if agent.Name == "" {
		return nil, apperrors.Validation("name", "must not be empty")
	}
	if agent.HumanID == "" {
		return nil, apperrors.Validation("human_id", "must not be empty")
	}
	if agent.ProjectID == "" {
		return nil, apperrors.Validation("project_id", "must not be empty")
	}
	if err := s.guard.Authorize(ctx, identity, agent.ProjectID); err != nil {
		return nil, err
	}
	member, _, err := s.store.IsMember(ctx, agent.HumanID, agent.ProjectID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperrors.Validation("human_id",
			"owning human holds no membership in project "+agent.ProjectID)
	}

	registered, err := s.store.UpsertAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	// A cached deny for this agent name is stale now.
	s.guard.Invalidate()
	s.beat(ctx, registered)

	s.logger.Info("agent registered",
		zap.String("agent", registered.Name),
		zap.String("project_id", registered.ProjectID),
		zap.String("human_id", registered.HumanID),
		zap.Bool("coordinator", registered.IsCoordinator))
	return registered, nil
}

// Heartbeat refreshes an agent's liveness in the registry and the presence
// tracker.
func (s *Service) Heartbeat(ctx context.Context, identity, name, projectID string) error {
	if err := s.guard.Authorize(ctx, identity, projectID); err != nil {
		return err
	}
	if err := s.store.TouchAgentHeartbeat(ctx, name, projectID, time.Now()); err != nil {
		return err
	}
	agent, err := s.store.GetAgent(ctx, name, projectID)
	if err != nil {
		return err
	}
	s.beat(ctx, agent)
	return nil
}

// Agents lists a project's registered agents.
func (s *Service) Agents(ctx context.Context, identity, projectID string) ([]*v1.AgentIdentity, error) {
	if err := s.guard.Authorize(ctx, identity, projectID); err != nil {
		return nil, err
	}
	return s.store.ListAgents(ctx, projectID)
}

// AliveAgents lists the agents with a live presence beat.
func (s *Service) AliveAgents(ctx context.Context, identity, projectID string) ([]string, error) {
	if err := s.guard.Authorize(ctx, identity, projectID); err != nil {
		return nil, err
	}
	if s.tracker == nil {
		return nil, nil
	}
	return s.tracker.ListAlive(ctx, projectID)
}

// AddMembership grants a human access to a project. This is the admin
// surface behind the membership source; there is no self-service grant.
func (s *Service) AddMembership(ctx context.Context, m *v1.Membership) error {
	if m == nil {
		return apperrors.BadRequest("membership must not be nil")
	}
	if m.HumanID == "" {
		return apperrors.Validation("human_id", "must not be empty")
	}
	if m.ProjectID == "" {
		return apperrors.Validation("project_id", "must not be empty")
	}
	if m.Role == "" {
		m.Role = v1.RoleMember
	}
	if m.Role != v1.RoleOwner && m.Role != v1.RoleMember {
		return apperrors.Validation("role", "must be owner or member")
	}
	if err := s.store.AddMembership(ctx, m); err != nil {
		return err
	}
	// Cached denials for this human predate the grant.
	s.guard.Invalidate()

	s.logger.Info("membership added",
		zap.String("human_id", m.HumanID),
		zap.String("project_id", m.ProjectID),
		zap.String("role", string(m.Role)))
	return nil
}

// beat records presence with a ttl derived from the agent's own heartbeat
// interval.
func (s *Service) beat(ctx context.Context, agent *v1.AgentIdentity) {
	if s.tracker == nil || agent == nil {
		return
	}
	interval := time.Duration(agent.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ttl := interval * presence.DefaultStaleFactor
	if err := s.tracker.Beat(ctx, agent.ProjectID, agent.Name, ttl); err != nil {
		s.logger.Warn("presence beat failed",
			zap.String("agent", agent.Name), zap.Error(err))
	}
}
