// Package router fans committed envelopes out to live subscribers. Delivery
// is at-least-once and best-effort: the store remains the durability
// boundary, and a subscriber that misses a notification replays from its
// cursor instead of relying on the router.
package router

import (
	"context"
	"strings"

	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// subjectPrefix roots every envelope subject.
const subjectPrefix = "solarbus.env"

// Notification is the payload fanned out after an envelope commits. It
// carries the full committed envelope so live subscribers can process
// without a read-back; Seq doubles as the replay cursor.
type Notification struct {
	EnvelopeID string       `json:"envelope_id"`
	ProjectID  string       `json:"project_id"`
	To         string       `json:"to"`
	Seq        int64        `json:"seq"`
	Envelope   *v1.Envelope `json:"envelope"`
}

// NewNotification builds the notification for a committed envelope.
func NewNotification(env *v1.Envelope) *Notification {
	return &Notification{
		EnvelopeID: env.ID,
		ProjectID:  env.Routing.ProjectID,
		To:         env.Routing.To,
		Seq:        env.Seq,
		Envelope:   env,
	}
}

// Handler processes one notification. Returning an error only logs; the
// router never retries on behalf of a subscriber.
type Handler func(ctx context.Context, n *Notification) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Router is the fan-out contract. Subjects partition per (project,
// recipient) so per-recipient commit order survives the transport.
type Router interface {
	// Publish fans one committed envelope out on its subject.
	Publish(ctx context.Context, n *Notification) error

	// Subscribe receives notifications addressed to one recipient in a
	// project, including broadcasts.
	Subscribe(projectID, to string, handler Handler) (Subscription, error)

	// SubscribeProject receives every notification in a project.
	SubscribeProject(projectID string, handler Handler) (Subscription, error)

	// QueueSubscribe distributes a recipient's notifications across a
	// queue group; each notification reaches one member.
	QueueSubscribe(projectID, to, queue string, handler Handler) (Subscription, error)

	// Close shuts the router down.
	Close()

	// IsConnected reports transport health.
	IsConnected() bool
}

// Subject returns the transport subject for a (project, recipient) pair.
func Subject(projectID, to string) string {
	return subjectPrefix + "." + sanitizeToken(projectID) + "." + sanitizeToken(to)
}

// ProjectSubject returns the wildcard subject covering a whole project.
func ProjectSubject(projectID string) string {
	return subjectPrefix + "." + sanitizeToken(projectID) + ".*"
}

// sanitizeToken maps an identifier onto one subject token. Dots, spaces and
// wildcard characters would break token boundaries on NATS.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '>':
			return '_'
		default:
			return r
		}
	}, s)
}
