package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/metrics"
	"github.com/solarbus/solarbus/internal/tracing"
)

// MemoryRouter dispatches notifications in-process. Handlers run
// synchronously on the publishing goroutine so per-subject delivery order
// matches commit order.
type MemoryRouter struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	router  *MemoryRouter
	subject string
	pattern *regexp.Regexp // wildcard subjects only
	handler Handler
	queue   string // empty for regular subscriptions
	active  bool
	mu      sync.Mutex
}

// queueGroup round-robins deliveries across its members.
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// NewMemoryRouter creates an in-process router.
func NewMemoryRouter(log *logger.Logger) *MemoryRouter {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryRouter{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log.WithFields(zap.String("component", "router")),
	}
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.router.mu.Lock()
	defer s.router.mu.Unlock()

	if subs, ok := s.router.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.router.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.router.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	metrics.SubscribersActive.Dec()
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Publish delivers the notification to every matching subscriber, in the
// order the subscriptions were created. Matching subscribers are snapshotted
// under the lock and handlers run after it is released, so a handler may
// itself publish or subscribe without deadlocking.
func (r *MemoryRouter) Publish(ctx context.Context, n *Notification) error {
	subject := Subject(n.ProjectID, n.To)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return fmt.Errorf("router is closed")
	}

	var direct []*memorySubscription
	var queues []*queueGroup
	var queueKeys []string
	seenQueues := make(map[string]bool)

	for pattern, subs := range r.subscriptions {
		for _, sub := range subs {
			if !matches(subject, pattern, sub.pattern) {
				continue
			}

			// queue groups receive each notification once
			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !seenQueues[queueKey] {
					seenQueues[queueKey] = true
					if qg, ok := r.queues[queueKey]; ok {
						queues = append(queues, qg)
						queueKeys = append(queueKeys, queueKey)
					}
				}
				continue
			}
			direct = append(direct, sub)
		}
	}
	r.mu.RUnlock()

	// Synchronous dispatch: a goroutine per delivery would let later
	// commits overtake earlier ones.
	for _, sub := range direct {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		tracing.TraceDeliver(ctx, n.EnvelopeID, subject, sub.subject)
		if err := sub.handler(ctx, n); err != nil {
			r.logger.Error("notification handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
		metrics.EnvelopesDelivered.Inc()
	}
	for i, qg := range queues {
		r.deliverToQueue(ctx, qg, queueKeys[i], subject, n)
	}

	r.logger.Debug("published notification",
		zap.String("subject", subject),
		zap.String("envelope_id", n.EnvelopeID),
		zap.Int64("seq", n.Seq))
	return nil
}

// Subscribe receives notifications for one recipient, broadcasts included.
func (r *MemoryRouter) Subscribe(projectID, to string, handler Handler) (Subscription, error) {
	subjects := recipientSubjects(projectID, to)
	subs := make([]Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := r.subscribeSubject(subject, "", handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return multiSub(subs), nil
}

// SubscribeProject receives every notification in a project.
func (r *MemoryRouter) SubscribeProject(projectID string, handler Handler) (Subscription, error) {
	return r.subscribeSubject(ProjectSubject(projectID), "", handler)
}

// QueueSubscribe distributes one recipient's notifications across a queue
// group.
func (r *MemoryRouter) QueueSubscribe(projectID, to, queue string, handler Handler) (Subscription, error) {
	return r.subscribeSubject(Subject(projectID, to), queue, handler)
}

func (r *MemoryRouter) subscribeSubject(subject, queue string, handler Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("router is closed")
	}

	sub := &memorySubscription{
		router:  r,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	r.subscriptions[subject] = append(r.subscriptions[subject], sub)

	if queue != "" {
		queueKey := queue + ":" + subject
		if _, ok := r.queues[queueKey]; !ok {
			r.queues[queueKey] = &queueGroup{}
		}
		r.queues[queueKey].subscribers = append(r.queues[queueKey].subscribers, sub)
	}

	metrics.SubscribersActive.Inc()
	r.logger.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Close shuts the router down and invalidates every subscription.
func (r *MemoryRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, subs := range r.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	r.subscriptions = make(map[string][]*memorySubscription)
	r.queues = make(map[string]*queueGroup)
	r.logger.Info("memory router closed")
}

// IsConnected returns true until Close.
func (r *MemoryRouter) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// deliverToQueue hands the notification to one member (round-robin).
func (r *MemoryRouter) deliverToQueue(ctx context.Context, qg *queueGroup, queueKey, subject string, n *Notification) {
	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]

		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}

		qg.nextIndex = (idx + 1) % len(qg.subscribers)
		tracing.TraceDeliver(ctx, n.EnvelopeID, subject, queueKey)
		if err := sub.handler(ctx, n); err != nil {
			r.logger.Error("queue notification handler error",
				zap.String("subject", subject),
				zap.String("queue", queueKey),
				zap.Error(err))
		}
		metrics.EnvelopesDelivered.Inc()
		return
	}
}

// recipientSubjects lists the subjects a recipient listens on. Everyone
// hears project broadcasts.
func recipientSubjects(projectID, to string) []string {
	own := Subject(projectID, to)
	cast := Subject(projectID, "broadcast")
	if own == cast {
		return []string{cast}
	}
	return []string{own, cast}
}

// matches checks a subject against a subscription pattern.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex. "*" matches one
// token, ">" matches the rest of the subject.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves ">" untouched
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}

// multiSub bundles the per-subject subscriptions behind one handle.
type multiSub []Subscription

func (m multiSub) Unsubscribe() error {
	var first error
	for _, s := range m {
		if err := s.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiSub) IsValid() bool {
	for _, s := range m {
		if !s.IsValid() {
			return false
		}
	}
	return len(m) > 0
}
