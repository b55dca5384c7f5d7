// Package store implements the sun's durable record layer: envelopes,
// progress trails, commit markers, consumer cursors, memberships and agent
// identities share one durability domain so the idempotency engine is never
// less durable than the side effects it guards.
//
// Three backends exist: memory (tests and development), sqlite (single-node
// deployments) and postgres (production). All of them enforce the same
// write-time invariants through the shared helpers in this file.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/envelope"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// Filter narrows a ListEnvelopes scan. A zero Filter returns the full
// project tail. To matches the recipient exactly; broadcast envelopes are
// folded in when To is set. AfterSeq is the replay cursor.
type Filter struct {
	To       string
	Type     v1.EnvelopeType
	Status   v1.EnvelopeStatus
	AfterSeq int64
	Limit    int
}

// Options tunes write-time enforcement shared by all backends.
type Options struct {
	// MaxPayloadBytes bounds the serialized payload accepted on append.
	// Zero disables the bound.
	MaxPayloadBytes int
}

// Store is the durable record contract. Reads never observe a
// partially-applied write; commit is atomic per row. Rows are never deleted
// in normal operation.
type Store interface {
	// AppendEnvelope validates and commits a new envelope. Store-assigned
	// fields (id, status, timestamps, seq) are filled when absent. A
	// duplicate id is rejected with a ValidationError, never overwritten.
	AppendEnvelope(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error)

	// UpdateStatus applies one lifecycle transition. Illegal transitions are
	// rejected with a ValidationError and nothing is written. A same-status
	// write is a no-op returning the committed row.
	UpdateStatus(ctx context.Context, id string, status v1.EnvelopeStatus) (*v1.Envelope, error)

	GetEnvelope(ctx context.Context, id string) (*v1.Envelope, error)

	// ListEnvelopes returns committed envelopes for a project in commit
	// order, after applying the filter.
	ListEnvelopes(ctx context.Context, projectID string, f Filter) ([]*v1.Envelope, error)

	// AppendProgress appends one row to a message's progress trail,
	// enforcing the monotonic percent and done-implies-100 invariants
	// against the latest committed row.
	AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error)

	// ListProgress returns the full trail for a message in append order.
	ListProgress(ctx context.Context, messageID string) ([]*v1.ProgressRecord, error)

	// PutMarker records a commit marker. It returns false when the marker
	// already existed, which callers treat as duplicate-commit no-op.
	PutMarker(ctx context.Context, key string) (bool, error)
	HasMarker(ctx context.Context, key string) (bool, error)

	// Position returns a consumer's last acknowledged commit sequence,
	// zero for an unknown consumer.
	Position(ctx context.Context, consumer string) (int64, error)
	// CommitPosition advances a consumer's cursor. Moves backwards are
	// ignored so replays cannot lose ground.
	CommitPosition(ctx context.Context, consumer string, seq int64) error

	// IsMember reports whether a human holds a membership in a project.
	IsMember(ctx context.Context, humanID, projectID string) (bool, v1.Role, error)
	AddMembership(ctx context.Context, m *v1.Membership) error

	// UpsertAgent registers an agent identity or refreshes an existing one.
	UpsertAgent(ctx context.Context, a *v1.AgentIdentity) (*v1.AgentIdentity, error)
	TouchAgentHeartbeat(ctx context.Context, name, projectID string, at time.Time) error
	GetAgent(ctx context.Context, name, projectID string) (*v1.AgentIdentity, error)
	ListAgents(ctx context.Context, projectID string) ([]*v1.AgentIdentity, error)

	// Ping verifies the backend is reachable. Startup fails closed when it
	// is not.
	Ping(ctx context.Context) error

	Close() error
}

// prepareAppend fills store-assigned fields and validates the envelope
// shape. Duplicate-id and reply_to checks stay with the backend, inside its
// commit transaction.
func prepareAppend(env *v1.Envelope, opts Options, now time.Time) error {
	if env == nil {
		return apperrors.BadRequest("envelope must not be nil")
	}
	if env.Schema == "" {
		env.Schema = v1.SchemaVersion
	}
	envelope.NormalizeNew(env, now)
	return envelope.Validate(env, opts.MaxPayloadBytes)
}

// checkReplyTo enforces that reply_to resolves inside the same project.
// parentProject is empty when the referenced envelope does not exist.
func checkReplyTo(replyTo, parentProject, projectID string) error {
	if replyTo == "" {
		return nil
	}
	if parentProject == "" {
		return apperrors.Validation("routing.reply_to",
			"referenced envelope "+replyTo+" does not exist")
	}
	if parentProject != projectID {
		return apperrors.Validation("routing.reply_to",
			"referenced envelope "+replyTo+" belongs to another project")
	}
	return nil
}

// prepareProgress fills assigned fields and validates one trail entry
// against the latest committed row (nil for a fresh trail). ownerProject is
// the project of the owning envelope, empty when the envelope is unknown.
func prepareProgress(rec *v1.ProgressRecord, latest *v1.ProgressRecord, ownerProject string, now time.Time) error {
	if rec == nil {
		return apperrors.BadRequest("progress record must not be nil")
	}
	if rec.MessageID == "" {
		return apperrors.Validation("message_id", "must not be empty")
	}
	if ownerProject == "" {
		return apperrors.Validation("message_id",
			"envelope "+rec.MessageID+" does not exist")
	}
	if rec.ProjectID == "" {
		rec.ProjectID = ownerProject
	}
	if rec.ProjectID != ownerProject {
		return apperrors.Validation("project_id",
			"does not match the owning envelope's project")
	}
	switch rec.State {
	case v1.ProgressStateQueued, v1.ProgressStateRunning, v1.ProgressStateDone, v1.ProgressStateError:
	default:
		return apperrors.Validation("state", "unknown progress state "+string(rec.State))
	}
	if rec.PercentDone < 0 || rec.PercentDone > 100 {
		return apperrors.Validation("percent_done", "must be between 0 and 100")
	}
	if rec.State == v1.ProgressStateDone && rec.PercentDone != 100 {
		return apperrors.Validation("percent_done", "state done requires percent_done 100")
	}
	if latest != nil && rec.PercentDone < latest.PercentDone {
		// The transition into error is accepted but the stored percent stays
		// at its high-water mark. Everything else must not decrease.
		if rec.State != v1.ProgressStateError {
			return apperrors.Validation("percent_done", "must not decrease")
		}
		rec.PercentDone = latest.PercentDone
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Schema == "" {
		rec.Schema = v1.SchemaVersion
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return nil
}

// nextUpdated keeps the updated timestamp monotonic non-decreasing.
func nextUpdated(current time.Time, now time.Time) time.Time {
	if now.After(current) {
		return now
	}
	return current
}
