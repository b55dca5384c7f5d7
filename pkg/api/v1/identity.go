package v1

import "time"

// IdentityHeader carries the caller identity on every fabric request. The
// value is "human:<id>" or "agent:<name>"; an agent identity resolves to
// its owning human through the registry.
const IdentityHeader = "X-Solarbus-Identity"

// Role is the membership role recorded for a human on a project. The
// authorization guard only tests membership existence; the role is carried
// for audit and UI.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Human represents a planet: a human participant that scopes project
// membership.
type Human struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Project is a unit of scoping for envelopes and memberships
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a human to a project. Its existence is the sole basis
// for authorization decisions.
type Membership struct {
	HumanID   string    `json:"human_id"`
	ProjectID string    `json:"project_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentIdentity represents a moon: a client agent registered by a human for
// a project. Used for presence and routing, never for authorization.
type AgentIdentity struct {
	Name                 string    `json:"name"`
	HumanID              string    `json:"human_id"`
	ProjectID            string    `json:"project_id"`
	Capabilities         []string  `json:"capabilities"`
	HeartbeatIntervalSec int       `json:"heartbeat_interval_sec"`
	IsCoordinator        bool      `json:"is_coordinator"`
	LastHeartbeat        time.Time `json:"last_heartbeat"`
	RegisteredAt         time.Time `json:"registered_at"`
}

// RegisterAgentRequest registers or refreshes an agent identity. Posting it
// again with the same name acts as a heartbeat.
type RegisterAgentRequest struct {
	Name                 string   `json:"name" binding:"required,max=200"`
	HumanID              string   `json:"human_id" binding:"required"`
	ProjectID            string   `json:"project_id" binding:"required"`
	Capabilities         []string `json:"capabilities,omitempty"`
	HeartbeatIntervalSec int      `json:"heartbeat_interval_sec,omitempty"`
	IsCoordinator        bool     `json:"is_coordinator,omitempty"`
}

// Agent converts the request into the identity stored by the presence
// tracker.
func (r *RegisterAgentRequest) Agent() *AgentIdentity {
	return &AgentIdentity{
		Name:                 r.Name,
		HumanID:              r.HumanID,
		ProjectID:            r.ProjectID,
		Capabilities:         r.Capabilities,
		HeartbeatIntervalSec: r.HeartbeatIntervalSec,
		IsCoordinator:        r.IsCoordinator,
	}
}

// AgentList is the response for a project agent query. Alive names the
// subset of agents with a fresh heartbeat.
type AgentList struct {
	Agents []*AgentIdentity `json:"agents"`
	Alive  []string         `json:"alive"`
}

// HeartbeatRequest refreshes the liveness of a registered agent without
// touching the rest of its registration.
type HeartbeatRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
}
