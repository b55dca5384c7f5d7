// Package sun composes the fabric's server side: every write passes the
// authorization guard, then the store, then fan-out. Guard and store act as
// one logical transaction: a denied or invalid write never lands, a
// committed write is always announced.
package sun

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/authz"
	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/metrics"
	"github.com/solarbus/solarbus/internal/presence"
	"github.com/solarbus/solarbus/internal/router"
	"github.com/solarbus/solarbus/internal/store"
	"github.com/solarbus/solarbus/internal/tracing"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// Service is the sun: the authoritative write path and read surface over
// the envelope store.
type Service struct {
	store   store.Store
	guard   *authz.Guard
	bus     router.Router
	tracker presence.Tracker
	logger  *logger.Logger
	outbox  *outbox

	// commitMu serializes commit+enqueue per project so subscribers
	// observe commit order.
	commitMu sync.Mutex
	projects map[string]*sync.Mutex
}

// New creates the sun service.
func New(st store.Store, guard *authz.Guard, bus router.Router, tracker presence.Tracker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "sun"))
	return &Service{
		store:    st,
		guard:    guard,
		bus:      bus,
		tracker:  tracker,
		logger:   log,
		outbox:   newOutbox(bus, log),
		projects: make(map[string]*sync.Mutex),
	}
}

// Close stops fan-out. The store and router are owned by the caller.
func (s *Service) Close() {
	s.outbox.Close()
}

func (s *Service) projectMu(projectID string) *sync.Mutex {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	mu, ok := s.projects[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.projects[projectID] = mu
	}
	return mu
}

// Publish authorizes, validates and commits one envelope, then fans it
// out. The committed envelope is returned with store-assigned fields.
func (s *Service) Publish(ctx context.Context, identity string, env *v1.Envelope) (*v1.Envelope, error) {
	start := time.Now()
	if env == nil {
		return nil, apperrors.BadRequest("envelope must not be nil")
	}
	if env.Routing.From == "" {
		env.Routing.From = identity
	}
	ctx, span := tracing.TracePublish(ctx, env.Routing.ProjectID, string(env.Type), env.Routing.From)
	defer span.End()
	if env.Routing.From != identity {
		err := apperrors.Validation("routing.from", "must match the publishing identity")
		tracing.TracePublishResult(span, env.ID, 0, err)
		s.reject(err)
		return nil, err
	}
	if err := s.guard.Authorize(ctx, identity, env.Routing.ProjectID); err != nil {
		tracing.TracePublishResult(span, env.ID, 0, err)
		s.reject(err)
		return nil, err
	}

	mu := s.projectMu(env.Routing.ProjectID)
	mu.Lock()
	committed, err := s.store.AppendEnvelope(ctx, env)
	if err != nil {
		mu.Unlock()
		tracing.TracePublishResult(span, env.ID, 0, err)
		s.reject(err)
		return nil, err
	}
	s.outbox.Enqueue(router.NewNotification(committed))
	mu.Unlock()
	tracing.TracePublishResult(span, committed.ID, committed.Seq, nil)

	metrics.EnvelopesAppended.WithLabelValues(string(committed.Type)).Inc()
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	s.logger.Debug("envelope committed",
		zap.String("envelope_id", committed.ID),
		zap.String("project_id", committed.Routing.ProjectID),
		zap.String("type", string(committed.Type)),
		zap.Int64("seq", committed.Seq))
	return committed, nil
}

// Get returns one committed envelope the caller is allowed to see.
func (s *Service) Get(ctx context.Context, identity, id string) (*v1.Envelope, error) {
	env, err := s.store.GetEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(ctx, identity, env.Routing.ProjectID); err != nil {
		return nil, err
	}
	return env, nil
}

// List returns a project's committed envelopes in commit order.
func (s *Service) List(ctx context.Context, identity, projectID string, f store.Filter) ([]*v1.Envelope, error) {
	if err := s.guard.Authorize(ctx, identity, projectID); err != nil {
		return nil, err
	}
	return s.store.ListEnvelopes(ctx, projectID, f)
}

// Replay is List shaped for cursor resumption.
func (s *Service) Replay(ctx context.Context, identity, projectID string, afterSeq int64, limit int) ([]*v1.Envelope, error) {
	return s.List(ctx, identity, projectID, store.Filter{AfterSeq: afterSeq, Limit: limit})
}

// UpdateStatus applies one lifecycle transition and announces the updated
// envelope on the same lane as new commits.
func (s *Service) UpdateStatus(ctx context.Context, identity, id string, status v1.EnvelopeStatus) (*v1.Envelope, error) {
	current, err := s.store.GetEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(ctx, identity, current.Routing.ProjectID); err != nil {
		return nil, err
	}

	mu := s.projectMu(current.Routing.ProjectID)
	mu.Lock()
	updated, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		mu.Unlock()
		s.reject(err)
		return nil, err
	}
	s.outbox.Enqueue(router.NewNotification(updated))
	mu.Unlock()

	metrics.StatusTransitions.WithLabelValues(string(status)).Inc()
	s.logger.Debug("status transition",
		zap.String("envelope_id", id),
		zap.String("to", string(status)))
	return updated, nil
}

// AppendProgress appends one progress record to an envelope's trail.
func (s *Service) AppendProgress(ctx context.Context, identity string, rec *v1.ProgressRecord) (*v1.ProgressRecord, error) {
	if rec == nil {
		return nil, apperrors.BadRequest("progress record must not be nil")
	}
	owner, err := s.store.GetEnvelope(ctx, rec.MessageID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(ctx, identity, owner.Routing.ProjectID); err != nil {
		return nil, err
	}

	committed, err := s.store.AppendProgress(ctx, rec)
	if err != nil {
		s.reject(err)
		return nil, err
	}
	metrics.ProgressAppended.Inc()
	return committed, nil
}

// Progress returns the ordered trail for one envelope.
func (s *Service) Progress(ctx context.Context, identity, messageID string) ([]*v1.ProgressRecord, error) {
	owner, err := s.store.GetEnvelope(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(ctx, identity, owner.Routing.ProjectID); err != nil {
		return nil, err
	}
	return s.store.ListProgress(ctx, messageID)
}

// Subscribe attaches a live stream for one recipient identity.
func (s *Service) Subscribe(ctx context.Context, identity, projectID string, handler router.Handler) (router.Subscription, error) {
	if err := s.guard.Authorize(ctx, identity, projectID); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(projectID, identity, handler)
}

// SubscribeProject attaches a project-wide stream (coordinator, frontend).
func (s *Service) SubscribeProject(ctx context.Context, identity, projectID string, handler router.Handler) (router.Subscription, error) {
	if err := s.guard.Authorize(ctx, identity, projectID); err != nil {
		return nil, err
	}
	return s.bus.SubscribeProject(projectID, handler)
}

// Health fails when any composed dependency is unreachable. Startup and
// load balancers fail closed on it.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.bus != nil && !s.bus.IsConnected() {
		return apperrors.ServiceUnavailable("router")
	}
	if s.tracker != nil {
		if err := s.tracker.Ping(ctx); err != nil {
			return apperrors.ServiceUnavailable("presence")
		}
	}
	return nil
}

// reject counts a refused write by taxonomy code.
func (s *Service) reject(err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		metrics.EnvelopesRejected.WithLabelValues(appErr.Code).Inc()
		return
	}
	metrics.EnvelopesRejected.WithLabelValues(apperrors.ErrCodeInternalError).Inc()
}
