package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/config"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/metrics"
)

// NATSRouter fans notifications out over NATS so multiple sun instances
// share one delivery plane.
type NATSRouter struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSRouter connects to NATS with reconnection handling.
func NewNATSRouter(cfg config.NATSConfig, log *logger.Logger) (*NATSRouter, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "router"))

	r := &NATSRouter{logger: log, config: cfg}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL))
	return r, nil
}

// Publish fans one committed envelope out on its subject.
func (r *NATSRouter) Publish(ctx context.Context, n *Notification) error {
	subject := Subject(n.ProjectID, n.To)

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Error("failed to publish notification",
			zap.String("subject", subject),
			zap.String("envelope_id", n.EnvelopeID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	r.logger.Debug("published notification",
		zap.String("subject", subject),
		zap.String("envelope_id", n.EnvelopeID),
		zap.Int64("seq", n.Seq),
	)
	return nil
}

// Subscribe receives notifications for one recipient, broadcasts included.
func (r *NATSRouter) Subscribe(projectID, to string, handler Handler) (Subscription, error) {
	subjects := recipientSubjects(projectID, to)
	subs := make([]Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := r.conn.Subscribe(subject, r.createMsgHandler(handler))
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		metrics.SubscribersActive.Inc()
		subs = append(subs, &natsSubscription{sub: sub})
	}
	r.logger.Debug("subscribed", zap.String("project_id", projectID), zap.String("to", to))
	return multiSub(subs), nil
}

// SubscribeProject receives every notification in a project.
func (r *NATSRouter) SubscribeProject(projectID string, handler Handler) (Subscription, error) {
	subject := ProjectSubject(projectID)
	sub, err := r.conn.Subscribe(subject, r.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	metrics.SubscribersActive.Inc()
	r.logger.Debug("subscribed to project", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe distributes one recipient's notifications across a queue
// group.
func (r *NATSRouter) QueueSubscribe(projectID, to, queue string, handler Handler) (Subscription, error) {
	subject := Subject(projectID, to)
	sub, err := r.conn.QueueSubscribe(subject, queue, r.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}
	metrics.SubscribersActive.Inc()
	r.logger.Debug("queue subscribed",
		zap.String("subject", subject),
		zap.String("queue", queue),
	)
	return &natsSubscription{sub: sub}, nil
}

func (r *NATSRouter) createMsgHandler(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			r.logger.Error("failed to unmarshal notification",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}

		ctx := context.Background()
		if err := handler(ctx, &n); err != nil {
			r.logger.Error("notification handler failed",
				zap.String("subject", msg.Subject),
				zap.String("envelope_id", n.EnvelopeID),
				zap.Error(err),
			)
			return
		}
		metrics.EnvelopesDelivered.Inc()
	}
}

// Close drains pending messages, then closes the connection.
func (r *NATSRouter) Close() {
	if r.conn != nil {
		if err := r.conn.Drain(); err != nil {
			r.logger.Warn("error draining NATS connection", zap.Error(err))
			r.conn.Close()
		}
		r.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (r *NATSRouter) IsConnected() bool {
	if r.conn == nil {
		return false
	}
	return r.conn.IsConnected()
}

// natsSubscription wraps a NATS subscription behind the Subscription
// interface.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	metrics.SubscribersActive.Dec()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}
