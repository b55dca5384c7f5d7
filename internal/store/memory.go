package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/envelope"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// MemoryStore is a mutex-guarded in-process Store used by tests and
// --store=memory deployments. Rows handed out are copies; callers never
// alias committed state.
type MemoryStore struct {
	mu   sync.RWMutex
	opts Options

	seq       int64
	envelopes map[string]*v1.Envelope
	order     []string
	progress  map[string][]*v1.ProgressRecord
	markers   map[string]time.Time
	cursors   map[string]int64
	members   map[string]v1.Role
	agents    map[string]*v1.AgentIdentity

	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:      opts,
		envelopes: make(map[string]*v1.Envelope),
		progress:  make(map[string][]*v1.ProgressRecord),
		markers:   make(map[string]time.Time),
		cursors:   make(map[string]int64),
		members:   make(map[string]v1.Role),
		agents:    make(map[string]*v1.AgentIdentity),
	}
}

func memberKey(humanID, projectID string) string { return humanID + "\x00" + projectID }
func agentKey(name, projectID string) string     { return projectID + "\x00" + name }

func cloneEnvelope(env *v1.Envelope) *v1.Envelope {
	out := *env
	out.Context.Capabilities = append([]string(nil), env.Context.Capabilities...)
	out.Context.Refs = append([]string(nil), env.Context.Refs...)
	out.Context.MCPTools = append([]string(nil), env.Context.MCPTools...)
	out.Payload.Attachments = append([]v1.Attachment(nil), env.Payload.Attachments...)
	if env.Payload.Params != nil {
		out.Payload.Params = make(map[string]interface{}, len(env.Payload.Params))
		for k, v := range env.Payload.Params {
			out.Payload.Params[k] = v
		}
	}
	return &out
}

func cloneProgress(rec *v1.ProgressRecord) *v1.ProgressRecord {
	out := *rec
	return &out
}

func cloneAgent(a *v1.AgentIdentity) *v1.AgentIdentity {
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return &out
}

// AppendEnvelope validates and commits a new envelope.
func (s *MemoryStore) AppendEnvelope(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error) {
	if err := prepareAppend(env, s.opts, time.Now().UTC()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.envelopes[env.ID]; exists {
		return nil, apperrors.Validation("id", "duplicate envelope id "+env.ID)
	}
	var parentProject string
	if env.Routing.ReplyTo != "" {
		if parent, ok := s.envelopes[env.Routing.ReplyTo]; ok {
			parentProject = parent.Routing.ProjectID
		}
	}
	if err := checkReplyTo(env.Routing.ReplyTo, parentProject, env.Routing.ProjectID); err != nil {
		return nil, err
	}

	s.seq++
	env.Seq = s.seq
	committed := cloneEnvelope(env)
	s.envelopes[committed.ID] = committed
	s.order = append(s.order, committed.ID)
	return cloneEnvelope(committed), nil
}

// UpdateStatus applies one lifecycle transition.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status v1.EnvelopeStatus) (*v1.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, apperrors.NotFound("envelope", id)
	}
	if err := envelope.CheckTransition(env.Status, status); err != nil {
		return nil, err
	}
	if env.Status != status {
		env.Status = status
		env.Timestamps.Updated = nextUpdated(env.Timestamps.Updated, time.Now().UTC())
	}
	return cloneEnvelope(env), nil
}

// GetEnvelope returns one committed envelope by id.
func (s *MemoryStore) GetEnvelope(ctx context.Context, id string) (*v1.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, apperrors.NotFound("envelope", id)
	}
	return cloneEnvelope(env), nil
}

// ListEnvelopes returns committed envelopes for a project in commit order.
func (s *MemoryStore) ListEnvelopes(ctx context.Context, projectID string, f Filter) ([]*v1.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Envelope
	for _, id := range s.order {
		env := s.envelopes[id]
		if env.Routing.ProjectID != projectID {
			continue
		}
		if !matchFilter(env, f) {
			continue
		}
		out = append(out, cloneEnvelope(env))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matchFilter(env *v1.Envelope, f Filter) bool {
	if env.Seq <= f.AfterSeq {
		return false
	}
	if f.To != "" && env.Routing.To != f.To && !envelope.IsBroadcast(env.Routing.To) {
		return false
	}
	if f.Type != "" && env.Type != f.Type {
		return false
	}
	if f.Status != "" && env.Status != f.Status {
		return false
	}
	return true
}

// AppendProgress appends one row to a message's trail.
func (s *MemoryStore) AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ownerProject string
	if rec != nil {
		if owner, ok := s.envelopes[rec.MessageID]; ok {
			ownerProject = owner.Routing.ProjectID
		}
	}
	var latest *v1.ProgressRecord
	if rec != nil {
		if trail := s.progress[rec.MessageID]; len(trail) > 0 {
			latest = trail[len(trail)-1]
		}
	}
	if err := prepareProgress(rec, latest, ownerProject, time.Now().UTC()); err != nil {
		return nil, err
	}

	committed := cloneProgress(rec)
	s.progress[rec.MessageID] = append(s.progress[rec.MessageID], committed)
	return cloneProgress(committed), nil
}

// ListProgress returns the trail for a message in append order.
func (s *MemoryStore) ListProgress(ctx context.Context, messageID string) ([]*v1.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trail := s.progress[messageID]
	out := make([]*v1.ProgressRecord, 0, len(trail))
	for _, rec := range trail {
		out = append(out, cloneProgress(rec))
	}
	return out, nil
}

// PutMarker records a commit marker, reporting false when it already existed.
func (s *MemoryStore) PutMarker(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markers[key]; exists {
		return false, nil
	}
	s.markers[key] = time.Now().UTC()
	return true, nil
}

// HasMarker reports whether a commit marker exists.
func (s *MemoryStore) HasMarker(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.markers[key]
	return exists, nil
}

// Position returns a consumer's last acknowledged commit sequence.
func (s *MemoryStore) Position(ctx context.Context, consumer string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[consumer], nil
}

// CommitPosition advances a consumer's cursor; moves backwards are ignored.
func (s *MemoryStore) CommitPosition(ctx context.Context, consumer string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq > s.cursors[consumer] {
		s.cursors[consumer] = seq
	}
	return nil
}

// IsMember reports whether a human holds a membership in a project.
func (s *MemoryStore) IsMember(ctx context.Context, humanID, projectID string) (bool, v1.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.members[memberKey(humanID, projectID)]
	return ok, role, nil
}

// AddMembership records a human's membership in a project.
func (s *MemoryStore) AddMembership(ctx context.Context, m *v1.Membership) error {
	if m == nil || m.HumanID == "" || m.ProjectID == "" {
		return apperrors.BadRequest("membership requires human_id and project_id")
	}
	role := m.Role
	if role == "" {
		role = v1.RoleMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey(m.HumanID, m.ProjectID)] = role
	return nil
}

// UpsertAgent registers an agent identity or refreshes an existing one.
func (s *MemoryStore) UpsertAgent(ctx context.Context, a *v1.AgentIdentity) (*v1.AgentIdentity, error) {
	if a == nil || a.Name == "" || a.ProjectID == "" || a.HumanID == "" {
		return nil, apperrors.BadRequest("agent identity requires name, project_id and human_id")
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentKey(a.Name, a.ProjectID)
	stored := cloneAgent(a)
	if existing, ok := s.agents[key]; ok {
		stored.RegisteredAt = existing.RegisteredAt
	} else if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	if stored.HeartbeatIntervalSec <= 0 {
		stored.HeartbeatIntervalSec = 15
	}
	stored.LastHeartbeat = now
	s.agents[key] = stored
	return cloneAgent(stored), nil
}

// TouchAgentHeartbeat refreshes an agent's liveness timestamp.
func (s *MemoryStore) TouchAgentHeartbeat(ctx context.Context, name, projectID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentKey(name, projectID)]
	if !ok {
		return apperrors.NotFound("agent", name)
	}
	if at.After(a.LastHeartbeat) {
		a.LastHeartbeat = at
	}
	return nil
}

// GetAgent returns one registered agent identity.
func (s *MemoryStore) GetAgent(ctx context.Context, name, projectID string) (*v1.AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentKey(name, projectID)]
	if !ok {
		return nil, apperrors.NotFound("agent", name)
	}
	return cloneAgent(a), nil
}

// ListAgents returns a project's registered agents sorted by name.
func (s *MemoryStore) ListAgents(ctx context.Context, projectID string) ([]*v1.AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.AgentIdentity
	for _, a := range s.agents {
		if a.ProjectID == projectID {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping reports the store as reachable unless it was closed.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return apperrors.ServiceUnavailable("memory store")
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
