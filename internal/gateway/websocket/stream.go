package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/router"
	"github.com/solarbus/solarbus/internal/store"
	"github.com/solarbus/solarbus/internal/sun"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
	ws "github.com/solarbus/solarbus/pkg/websocket"
)

const (
	// streamQueueSize bounds the live notification buffer per connection.
	streamQueueSize = 256
	// streamReplayPage is the store page size for catch-up replay.
	streamReplayPage = 200
)

// session delivers one identity's envelope stream over a connection. Live
// notifications queue into a bounded buffer; on overflow the session falls
// back to replaying from its last delivered sequence, so a slow consumer
// loses nothing and never blocks the router.
type session struct {
	client *Client
	svc    *sun.Service
	engine *idempotency.Engine
	logger *logger.Logger

	// projectWide streams every envelope in the project instead of the
	// tail addressed to the identity. Coordinators and dashboards use it.
	projectWide bool

	queue chan *router.Notification
	gapCh chan struct{}

	// lastSeq is the highest sequence handed to the connection. It belongs
	// to the delivery goroutine once the pump starts.
	lastSeq int64

	sub    router.Subscription
	stopCh chan struct{}
	stopO  sync.Once
	wg     sync.WaitGroup
}

func newSession(client *Client, svc *sun.Service, engine *idempotency.Engine, log *logger.Logger, projectWide bool) *session {
	return &session{
		client: client,
		svc:    svc,
		engine: engine,
		logger: log.WithFields(
			zap.String("component", "stream-session"),
			zap.String("client_id", client.ID)),
		projectWide: projectWide,
		queue:       make(chan *router.Notification, streamQueueSize),
		gapCh:       make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// start resolves the resume cursor, subscribes, replays the stored tail and
// then follows the live stream. afterSeq < 0 resumes from the durable
// cursor; an explicit value overrides it.
func (s *session) start(ctx context.Context, afterSeq int64) error {
	resume := afterSeq
	if resume < 0 {
		cursor, err := s.engine.Position(ctx, s.client.consumer)
		if err != nil {
			return err
		}
		resume = cursor
	}
	s.lastSeq = resume

	welcome, err := ws.NewNotification(ws.ActionStreamWelcome, ws.WelcomePayload{
		ProjectID:     s.client.projectID,
		Identity:      s.client.identity,
		Consumer:      s.client.consumer,
		ResumeFromSeq: resume,
	})
	if err != nil {
		return err
	}
	if err := s.push(welcome); err != nil {
		return err
	}

	// Subscribe before replaying so nothing falls in the gap; the seq
	// check in deliver drops the overlap.
	var sub router.Subscription
	if s.projectWide {
		sub, err = s.svc.SubscribeProject(ctx, s.client.identity, s.client.projectID, s.enqueue)
	} else {
		sub, err = s.svc.Subscribe(ctx, s.client.identity, s.client.projectID, s.enqueue)
	}
	if err != nil {
		return err
	}
	s.sub = sub

	if err := s.catchUp(ctx); err != nil {
		_ = s.sub.Unsubscribe()
		return err
	}

	s.wg.Add(1)
	go s.pump()

	s.logger.Debug("stream session started",
		zap.String("identity", s.client.identity),
		zap.String("project_id", s.client.projectID),
		zap.Int64("resume_from", resume))
	return nil
}

// stop halts delivery. Safe to call more than once; no frame is pushed
// after it returns.
func (s *session) stop() {
	s.stopO.Do(func() { close(s.stopCh) })
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.wg.Wait()
}

// ack advances the durable cursor for this consumer.
func (s *session) ack(ctx context.Context, seq int64) error {
	return s.engine.CommitPosition(ctx, s.client.consumer, seq)
}

// enqueue is the router-facing handler. It must not block delivery to
// other subscribers, so a full buffer schedules a store replay instead.
func (s *session) enqueue(ctx context.Context, n *router.Notification) error {
	select {
	case s.queue <- n:
	default:
		select {
		case s.gapCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *session) pump() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case n := <-s.queue:
			if n == nil || n.Envelope == nil {
				continue
			}
			if err := s.deliver(n.Envelope); err != nil {
				return
			}
		case <-s.gapCh:
			if err := s.catchUp(ctx); err != nil {
				s.logger.Error("failed to replay after buffer overflow", zap.Error(err))
			}
		}
	}
}

// catchUp pages the stored tail through the same delivery path as live
// notifications. A recipient session replays only its addressed envelopes;
// a project session replays the whole project tail.
func (s *session) catchUp(ctx context.Context) error {
	to := s.client.identity
	if s.projectWide {
		to = ""
	}
	after := s.lastSeq
	for {
		page, err := s.svc.List(ctx, s.client.identity, s.client.projectID, store.Filter{
			To:       to,
			AfterSeq: after,
			Limit:    streamReplayPage,
		})
		if err != nil {
			return err
		}
		for _, env := range page {
			if err := s.deliver(env); err != nil {
				return err
			}
			after = env.Seq
		}
		if len(page) < streamReplayPage {
			return nil
		}
	}
}

// deliver pushes one envelope frame, in sequence order, exactly once per
// session.
func (s *session) deliver(env *v1.Envelope) error {
	if env.Seq != 0 && env.Seq <= s.lastSeq {
		return nil // already delivered
	}
	if env.Seq > s.lastSeq {
		s.lastSeq = env.Seq
	}
	frame, err := ws.NewNotification(ws.ActionEnvelopeDeliver, ws.DeliverPayload{
		Seq:      env.Seq,
		Envelope: env,
	})
	if err != nil {
		s.logger.Error("failed to build deliver frame", zap.Error(err))
		return nil
	}
	return s.push(frame)
}

// push hands a frame to the write pump. It blocks when the connection is
// slow; stop unblocks it.
func (s *session) push(msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.client.send <- data:
		return nil
	case <-s.stopCh:
		return context.Canceled
	}
}
