// Package envelope holds the wire contract rules shared by every store
// backend: schema version acceptance, the closed type and status sets,
// identity parsing, and envelope shape validation. Reply-to resolution and
// duplicate-id rejection live in the store, which owns the committed rows.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// schemaMajorPrefix is the accepted major version. Minor revisions append a
// suffix ("solarbus.a2a.v1.1"); anything else is rejected.
const schemaMajorPrefix = "solarbus.a2a.v1"

// IdentityKind distinguishes agent and human identities.
type IdentityKind string

const (
	IdentityAgent IdentityKind = "agent"
	IdentityHuman IdentityKind = "human"
)

// Identity is a parsed routing identity ("agent:<name>" or "human:<id>").
type Identity struct {
	Kind IdentityKind
	Name string
}

// String reassembles the wire form.
func (i Identity) String() string {
	return string(i.Kind) + ":" + i.Name
}

// ParseIdentity parses a routing identity string.
func ParseIdentity(s string) (Identity, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Identity{}, fmt.Errorf("malformed identity %q: want agent:<name> or human:<id>", s)
	}
	switch IdentityKind(kind) {
	case IdentityAgent, IdentityHuman:
		return Identity{Kind: IdentityKind(kind), Name: name}, nil
	default:
		return Identity{}, fmt.Errorf("malformed identity %q: unknown kind %q", s, kind)
	}
}

// IsBroadcast reports whether a recipient addresses every project subscriber.
func IsBroadcast(to string) bool {
	return to == v1.RecipientBroadcast
}

// CheckSchema rejects unknown major versions.
func CheckSchema(schema string) error {
	if schema == schemaMajorPrefix || strings.HasPrefix(schema, schemaMajorPrefix+".") {
		return nil
	}
	return apperrors.Validation("schema", fmt.Sprintf("unknown schema version %q", schema))
}

// ValidType reports whether t is in the closed envelope type set.
func ValidType(t v1.EnvelopeType) bool {
	switch t {
	case v1.EnvelopeTypeTaskCreate, v1.EnvelopeTypeTaskUpdate, v1.EnvelopeTypeChat,
		v1.EnvelopeTypeToolRequest, v1.EnvelopeTypeToolResult, v1.EnvelopeTypeSystemEvent:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s v1.EnvelopeStatus) bool {
	switch s {
	case v1.EnvelopeStatusSent, v1.EnvelopeStatusReceived, v1.EnvelopeStatusProcessing,
		v1.EnvelopeStatusBlocked, v1.EnvelopeStatusNeedsHuman, v1.EnvelopeStatusDone,
		v1.EnvelopeStatusError:
		return true
	default:
		return false
	}
}

// Validate checks the envelope shape: schema version, type and status tags,
// routing fields, timestamp order, and payload size when maxPayloadBytes is
// positive. It does not resolve reply_to; the store does that against its
// committed rows.
func Validate(env *v1.Envelope, maxPayloadBytes int) error {
	if err := CheckSchema(env.Schema); err != nil {
		return err
	}
	if !ValidType(env.Type) {
		return apperrors.Validation("type", fmt.Sprintf("unknown envelope type %q", env.Type))
	}
	if !ValidStatus(env.Status) {
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", env.Status))
	}
	if env.Routing.ProjectID == "" {
		return apperrors.Validation("routing.project_id", "must not be empty")
	}
	if _, err := ParseIdentity(env.Routing.From); err != nil {
		return apperrors.Validation("routing.from", err.Error())
	}
	if !IsBroadcast(env.Routing.To) {
		if _, err := ParseIdentity(env.Routing.To); err != nil {
			return apperrors.Validation("routing.to", err.Error())
		}
	}
	if !env.Timestamps.Created.IsZero() && !env.Timestamps.Updated.IsZero() &&
		env.Timestamps.Updated.Before(env.Timestamps.Created) {
		return apperrors.Validation("timestamps", "updated must not precede created")
	}
	if maxPayloadBytes > 0 {
		raw, err := json.Marshal(env.Payload)
		if err != nil {
			return apperrors.Validation("payload", fmt.Sprintf("not serializable: %v", err))
		}
		if len(raw) > maxPayloadBytes {
			return apperrors.Validation("payload",
				fmt.Sprintf("serialized payload is %d bytes, limit is %d", len(raw), maxPayloadBytes))
		}
	}
	return nil
}

// NormalizeNew fills store-assigned fields on a fresh envelope: id, status
// (sent) and timestamps. Caller-provided values are kept so clients can
// publish pre-identified envelopes for idempotent retries.
func NormalizeNew(env *v1.Envelope, now time.Time) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Status == "" {
		env.Status = v1.EnvelopeStatusSent
	}
	if env.Timestamps.Created.IsZero() {
		env.Timestamps.Created = now
	}
	if env.Timestamps.Updated.IsZero() || env.Timestamps.Updated.Before(env.Timestamps.Created) {
		env.Timestamps.Updated = env.Timestamps.Created
	}
}
