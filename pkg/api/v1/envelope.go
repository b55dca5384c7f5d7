package v1

import "time"

// SchemaVersion is the envelope protocol version tag written on every
// envelope. Readers accept minor revisions of the same major version and
// reject everything else.
const SchemaVersion = "solarbus.a2a.v1"

// RecipientBroadcast addresses an envelope to every subscriber of a project.
const RecipientBroadcast = "broadcast"

// EnvelopeType identifies the kind of envelope
type EnvelopeType string

const (
	EnvelopeTypeTaskCreate  EnvelopeType = "task-create"
	EnvelopeTypeTaskUpdate  EnvelopeType = "task-update"
	EnvelopeTypeChat        EnvelopeType = "chat"
	EnvelopeTypeToolRequest EnvelopeType = "tool-request"
	EnvelopeTypeToolResult  EnvelopeType = "tool-result"
	EnvelopeTypeSystemEvent EnvelopeType = "system-event"
)

// EnvelopeStatus represents the lifecycle state carried per envelope
type EnvelopeStatus string

const (
	EnvelopeStatusSent       EnvelopeStatus = "sent"
	EnvelopeStatusReceived   EnvelopeStatus = "received"
	EnvelopeStatusProcessing EnvelopeStatus = "processing"
	EnvelopeStatusBlocked    EnvelopeStatus = "blocked"
	EnvelopeStatusNeedsHuman EnvelopeStatus = "needs_human"
	EnvelopeStatusDone       EnvelopeStatus = "done"
	EnvelopeStatusError      EnvelopeStatus = "error"
)

// Routing carries the addressing fields of an envelope. From and To are
// identities of the form "agent:<name>" or "human:<id>"; To may also be
// "broadcast". ReplyTo, when set, must reference an envelope in the same
// project.
type Routing struct {
	ProjectID string `json:"project_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// Context carries the originating human and the sender's declared sets.
// Capabilities and MCPTools are opaque application-layer tags, never
// consulted for authorization.
type Context struct {
	HumanID      string   `json:"human_id"`
	Capabilities []string `json:"capabilities"`
	Refs         []string `json:"refs"`
	MCPTools     []string `json:"mcp_tools"`
}

// Attachment describes a payload attachment by reference
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	URI       string `json:"uri,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Payload is the schema-agnostic structured body of an envelope
type Payload struct {
	Text        string                 `json:"text"`
	Attachments []Attachment           `json:"attachments"`
	Params      map[string]interface{} `json:"params"`
}

// Telemetry carries advisory metrics stamped by the producing client.
// Never authoritative for control flow.
type Telemetry struct {
	Model      string  `json:"model,omitempty"`
	LatencyMS  int64   `json:"latency_ms,omitempty"`
	CostEstUSD float64 `json:"cost_est_usd,omitempty"`
}

// Timestamps records envelope creation and last update. Created is
// immutable; Updated is monotonic non-decreasing.
type Timestamps struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Envelope is the atomic, typed unit of inter-agent communication.
// Seq is the store-assigned commit sequence, used for resumption cursors;
// it is zero until the envelope has been committed.
type Envelope struct {
	ID         string         `json:"id"`
	Schema     string         `json:"schema"`
	Type       EnvelopeType   `json:"type"`
	Routing    Routing        `json:"routing"`
	Context    Context        `json:"context"`
	Payload    Payload        `json:"payload"`
	Status     EnvelopeStatus `json:"status"`
	Telemetry  Telemetry      `json:"telemetry"`
	Timestamps Timestamps     `json:"timestamps"`
	Seq        int64          `json:"seq,omitempty"`
}

// PublishEnvelopeRequest for publishing a new envelope. ID, status and
// timestamps may be omitted; the store assigns them. A caller that supplies
// its own id publishes idempotently: the duplicate-id rejection marks the
// envelope as already committed.
type PublishEnvelopeRequest struct {
	ID        string         `json:"id,omitempty"`
	Schema    string         `json:"schema" binding:"required"`
	Type      EnvelopeType   `json:"type" binding:"required"`
	Routing   Routing        `json:"routing" binding:"required"`
	Context   Context        `json:"context"`
	Payload   Payload        `json:"payload"`
	Status    EnvelopeStatus `json:"status,omitempty"`
	Telemetry Telemetry      `json:"telemetry"`
}

// Envelope converts the request into the envelope committed to the store.
func (r *PublishEnvelopeRequest) Envelope() *Envelope {
	return &Envelope{
		ID:        r.ID,
		Schema:    r.Schema,
		Type:      r.Type,
		Routing:   r.Routing,
		Context:   r.Context,
		Payload:   r.Payload,
		Status:    r.Status,
		Telemetry: r.Telemetry,
	}
}

// UpdateEnvelopeStatusRequest for transitioning an envelope's status
type UpdateEnvelopeStatusRequest struct {
	Status EnvelopeStatus `json:"status" binding:"required"`
}

// ListEnvelopesQuery holds the filter parameters accepted by the list
// endpoint. AfterSeq is the replay cursor: only envelopes committed after
// that sequence are returned, in commit order.
type ListEnvelopesQuery struct {
	To       string         `form:"to"`
	Type     EnvelopeType   `form:"type"`
	Status   EnvelopeStatus `form:"status"`
	AfterSeq int64          `form:"after_seq"`
	Limit    int            `form:"limit"`
}

// EnvelopeList is the paginated response of the list endpoint. NextSeq is
// the cursor to pass as AfterSeq on the next call.
type EnvelopeList struct {
	Envelopes []*Envelope `json:"envelopes"`
	NextSeq   int64       `json:"next_seq"`
}
