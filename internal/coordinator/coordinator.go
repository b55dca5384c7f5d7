// Package coordinator aggregates fan-out task results. One coordinator per
// (human, project) subscribes to the whole project, tracks each task's
// sibling reports in a fan-in table, and emits exactly one consolidated
// outcome per task. Every decision derives from committed history alone,
// so a restarted coordinator replays the store and lands in the same
// state; every emission sits behind a commit marker, so a double-run
// produces duplicates of nothing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/metrics"
	"github.com/solarbus/solarbus/internal/presence"
	"github.com/solarbus/solarbus/internal/router"
	"github.com/solarbus/solarbus/internal/tracing"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// Common errors
var (
	ErrAlreadyRunning    = errors.New("coordinator is already running")
	ErrNotRunning        = errors.New("coordinator is not running")
	ErrCoordinatorActive = errors.New("another coordinator holds a fresh heartbeat")
)

// Fabric is the slice of the bus the coordinator consumes: publish,
// progress, history replay and live subscription. The in-process sun
// service satisfies it, as does the HTTP client.
type Fabric interface {
	Publish(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error)
	AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error)
	Replay(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*v1.Envelope, error)
	SubscribeProject(projectID string, handler router.Handler) (router.Subscription, error)
}

// Registry is the agent registry slice used for the heartbeat soft-lease.
type Registry interface {
	UpsertAgent(ctx context.Context, agent *v1.AgentIdentity) (*v1.AgentIdentity, error)
	TouchAgentHeartbeat(ctx context.Context, name, projectID string, at time.Time) error
	ListAgents(ctx context.Context, projectID string) ([]*v1.AgentIdentity, error)
}

// Config holds coordinator configuration.
type Config struct {
	TaskTimeout       time.Duration // fan-in wait per task before escalation
	RetryBudget       int           // failed-sibling retries per task
	StaleFactor       int           // heartbeat_interval multiplier for the soft-lease
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration // deadline sweep cadence
	ReplayPageSize    int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:       120 * time.Second,
		RetryBudget:       2,
		StaleFactor:       presence.DefaultStaleFactor,
		HeartbeatInterval: 15 * time.Second,
		SweepInterval:     5 * time.Second,
		ReplayPageSize:    200,
	}
}

// Identity names the coordinator agent and its (human, project) scope.
type Identity struct {
	AgentName string
	HumanID   string
	ProjectID string
}

// From returns the coordinator's sender identity.
func (i Identity) From() string {
	return "agent:" + i.AgentName
}

// Coordinator runs the fan-in aggregation loop.
type Coordinator struct {
	fabric   Fabric
	registry Registry
	engine   *idempotency.Engine
	logger   *logger.Logger
	config   Config
	id       Identity

	// faninMu serializes the envelope stream into the table; the
	// protocol processes one envelope at a time per client.
	faninMu   sync.Mutex
	fanin     *FanIn
	lastSeq   int64
	replaying bool
	pending   []*v1.Envelope
	deferred  []Action // failed emissions, retried by the sweep

	sub     router.Subscription
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a coordinator.
func New(fabric Fabric, registry Registry, engine *idempotency.Engine, log *logger.Logger, config Config, id Identity) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		fabric:   fabric,
		registry: registry,
		engine:   engine,
		logger: log.WithFields(
			zap.String("component", "coordinator"),
			zap.String("project_id", id.ProjectID),
			zap.String("agent", id.AgentName),
		),
		config: config,
		id:     id,
		fanin:  NewFanIn(config.RetryBudget, config.TaskTimeout),
	}
}

// Start claims the soft-lease, replays committed history to rebuild the
// fan-in table, then follows the live stream.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if err := c.claimLease(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	// Subscribe before replaying; live envelopes that arrive mid-replay
	// are buffered and drained afterwards so none fall in the gap.
	c.faninMu.Lock()
	c.replaying = true
	c.faninMu.Unlock()

	sub, err := c.fabric.SubscribeProject(c.id.ProjectID, c.handleNotification)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub

	if err := c.replay(ctx); err != nil {
		_ = c.sub.Unsubscribe()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to replay history: %w", err)
	}
	c.drainPending(ctx)

	c.wg.Add(2)
	go c.heartbeatLoop(ctx)
	go c.sweepLoop(ctx)

	c.logger.Info("coordinator started",
		zap.Duration("task_timeout", c.config.TaskTimeout),
		zap.Int("retry_budget", c.config.RetryBudget),
		zap.Int64("replayed_to", c.currentSeq()))
	return nil
}

// Stop stops the coordinator.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

// IsRunning returns true if the coordinator is active.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// OpenTasks returns the open fan-in snapshot.
func (c *Coordinator) OpenTasks() []*Task {
	c.faninMu.Lock()
	defer c.faninMu.Unlock()
	return c.fanin.Open()
}

// claimLease checks for a live rival coordinator, then registers this one.
// A rival whose heartbeat went stale is taken over.
func (c *Coordinator) claimLease(ctx context.Context) error {
	agents, err := c.registry.ListAgents(ctx, c.id.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	now := time.Now()
	for _, agent := range agents {
		if !agent.IsCoordinator || agent.Name == c.id.AgentName || agent.HumanID != c.id.HumanID {
			continue
		}
		interval := time.Duration(agent.HeartbeatIntervalSec) * time.Second
		if !presence.Stale(agent.LastHeartbeat, interval, c.config.StaleFactor, now) {
			c.logger.Warn("deferring to live coordinator",
				zap.String("rival", agent.Name),
				zap.Time("last_heartbeat", agent.LastHeartbeat))
			return ErrCoordinatorActive
		}
	}

	_, err = c.registry.UpsertAgent(ctx, &v1.AgentIdentity{
		Name:                 c.id.AgentName,
		HumanID:              c.id.HumanID,
		ProjectID:            c.id.ProjectID,
		HeartbeatIntervalSec: int(c.config.HeartbeatInterval / time.Second),
		IsCoordinator:        true,
		LastHeartbeat:        now,
	})
	return err
}

// replay pages committed history from the last acknowledged position. The
// cursor never advances past an open task's create, so the replay always
// reconstructs the full open set.
func (c *Coordinator) replay(ctx context.Context) error {
	cursor, err := c.engine.Position(ctx, c.consumer())
	if err != nil {
		return err
	}
	c.faninMu.Lock()
	c.lastSeq = cursor
	c.faninMu.Unlock()

	after := cursor
	for {
		page, err := c.fabric.Replay(ctx, c.id.ProjectID, after, c.config.ReplayPageSize)
		if err != nil {
			return err
		}
		for _, env := range page {
			if err := c.process(ctx, env); err != nil {
				return err
			}
			after = env.Seq
		}
		if len(page) < c.config.ReplayPageSize {
			return nil
		}
	}
}

// drainPending processes envelopes buffered during replay, then switches
// to direct dispatch.
func (c *Coordinator) drainPending(ctx context.Context) {
	for {
		c.faninMu.Lock()
		if len(c.pending) == 0 {
			c.replaying = false
			c.faninMu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.faninMu.Unlock()

		for _, env := range batch {
			if err := c.process(ctx, env); err != nil {
				c.logger.Error("failed to process buffered envelope",
					zap.String("envelope_id", env.ID), zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) handleNotification(ctx context.Context, n *router.Notification) error {
	if n == nil || n.Envelope == nil {
		return nil
	}
	c.faninMu.Lock()
	if c.replaying {
		c.pending = append(c.pending, n.Envelope)
		c.faninMu.Unlock()
		return nil
	}
	c.faninMu.Unlock()
	return c.process(ctx, n.Envelope)
}

// process feeds one committed envelope through the fan-in table and
// executes whatever actions fall out.
func (c *Coordinator) process(ctx context.Context, env *v1.Envelope) error {
	c.faninMu.Lock()
	if env.Seq != 0 && env.Seq <= c.lastSeq {
		c.faninMu.Unlock()
		return nil // already applied during replay
	}
	var actions []Action
	if env.Routing.From != c.id.From() {
		actions = c.fanin.Observe(env)
	}
	if env.Seq > c.lastSeq {
		c.lastSeq = env.Seq
	}
	c.faninMu.Unlock()

	c.dispatch(ctx, actions)
	return c.engine.CommitPosition(ctx, c.consumer(), c.watermark())
}

// dispatch executes actions and queues failures for the sweep to retry.
// The failed action's task stays unresolved, so the cursor cannot advance
// past its create and a restart re-derives the action from history.
func (c *Coordinator) dispatch(ctx context.Context, actions []Action) {
	failed := c.execute(ctx, actions)
	if len(failed) == 0 {
		return
	}
	c.faninMu.Lock()
	c.deferred = append(c.deferred, failed...)
	c.faninMu.Unlock()
}

// watermark is the commit position a replay may resume from: strictly
// below every task still awaiting a durable outcome.
func (c *Coordinator) watermark() int64 {
	c.faninMu.Lock()
	defer c.faninMu.Unlock()
	return c.fanin.LowWatermark(c.lastSeq)
}

// execute runs each action under its commit marker and returns the ones
// that failed. A terminal action that lands, or already had its marker
// from an earlier run, resolves its task.
func (c *Coordinator) execute(ctx context.Context, actions []Action) []Action {
	var failed []Action
	for _, action := range actions {
		expected, observed := c.taskCounts(action.TaskID)
		actx, span := tracing.TraceAggregation(ctx, action.TaskID, expected, observed)

		var err error
		switch action.Kind {
		case ActionConsolidate:
			err = c.engine.Run(actx, idempotency.Key(action.TaskID, "consolidate"), func(ctx context.Context) error {
				return c.consolidate(ctx, action)
			})
		case ActionRetry:
			key := idempotency.Key(action.TaskID, fmt.Sprintf("retry.%s.%d", action.Sibling, action.Attempt))
			err = c.engine.Run(actx, key, func(ctx context.Context) error {
				return c.retry(ctx, action)
			})
		case ActionEscalate:
			err = c.engine.Run(actx, idempotency.Key(action.TaskID, "escalate"), func(ctx context.Context) error {
				return c.escalate(ctx, action)
			})
		}
		tracing.TraceAggregationResult(span, action.traceOutcome(), err)
		span.End()

		if apperrors.IsDuplicateCommit(err) {
			c.logger.Debug("action already committed",
				zap.String("task_id", action.TaskID), zap.Int("kind", int(action.Kind)))
			err = nil
		}
		if err != nil {
			c.logger.Error("action failed, queued for retry",
				zap.String("task_id", action.TaskID),
				zap.Int("kind", int(action.Kind)),
				zap.Error(err))
			failed = append(failed, action)
			continue
		}
		if action.Kind != ActionRetry {
			c.faninMu.Lock()
			c.fanin.Resolve(action.TaskID)
			c.faninMu.Unlock()
		}
	}
	return failed
}

// taskCounts reports the fan-in shape of one task for tracing. A task
// already evicted from the table reports zeros.
func (c *Coordinator) taskCounts(taskID string) (expected, observed int) {
	c.faninMu.Lock()
	defer c.faninMu.Unlock()
	if task, ok := c.fanin.Lookup(taskID); ok {
		return task.ExpectedCount, len(task.Observed)
	}
	return 0, 0
}

// consolidate emits the single done envelope and the final progress
// record for a fully reported task.
func (c *Coordinator) consolidate(ctx context.Context, action Action) error {
	c.faninMu.Lock()
	task, ok := c.fanin.Lookup(action.TaskID)
	var siblings []string
	var text string
	if ok {
		siblings = task.Siblings()
		text = task.Text
	}
	c.faninMu.Unlock()

	env := &v1.Envelope{
		Type: v1.EnvelopeTypeTaskUpdate,
		Routing: v1.Routing{
			ProjectID: c.id.ProjectID,
			From:      c.id.From(),
			To:        action.Origin,
			ReplyTo:   action.TaskID,
		},
		Context: v1.Context{HumanID: c.id.HumanID},
		Payload: v1.Payload{
			Text: fmt.Sprintf("task complete: %d sibling(s) reported done", len(siblings)),
			Params: map[string]interface{}{
				"task_id":  action.TaskID,
				"task":     text,
				"siblings": siblings,
			},
		},
		Status: v1.EnvelopeStatusDone,
	}
	if _, err := c.fabric.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish consolidated update: %w", err)
	}

	if _, err := c.fabric.AppendProgress(ctx, &v1.ProgressRecord{
		MessageID:   action.TaskID,
		ProjectID:   c.id.ProjectID,
		PercentDone: 100,
		State:       v1.ProgressStateDone,
		Note:        "all siblings reported done",
	}); err != nil {
		return fmt.Errorf("failed to append final progress: %w", err)
	}

	metrics.AggregationsResolved.WithLabelValues(action.Outcome).Inc()
	c.logger.Info("task consolidated",
		zap.String("task_id", action.TaskID),
		zap.Int("siblings", len(siblings)))
	return nil
}

// retry re-issues the work request to a failed sibling.
func (c *Coordinator) retry(ctx context.Context, action Action) error {
	env := &v1.Envelope{
		Type: v1.EnvelopeTypeTaskUpdate,
		Routing: v1.Routing{
			ProjectID: c.id.ProjectID,
			From:      c.id.From(),
			To:        action.Sibling,
			ReplyTo:   action.TaskID,
		},
		Context: v1.Context{HumanID: c.id.HumanID},
		Payload: v1.Payload{
			Text: fmt.Sprintf("retrying after failure (attempt %d)", action.Attempt),
			Params: map[string]interface{}{
				"task_id":       action.TaskID,
				"retry_attempt": action.Attempt,
			},
		},
		Status: v1.EnvelopeStatusProcessing,
	}
	if _, err := c.fabric.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish retry request: %w", err)
	}

	metrics.RetriesIssued.Inc()
	c.logger.Info("retry issued",
		zap.String("task_id", action.TaskID),
		zap.String("sibling", action.Sibling),
		zap.Int("attempt", action.Attempt))
	return nil
}

// escalate freezes the task and hands it to a human instead of guessing.
func (c *Coordinator) escalate(ctx context.Context, action Action) error {
	params := map[string]interface{}{
		"task_id": action.TaskID,
	}
	var appErr *apperrors.AppError
	if errors.As(action.Cause, &appErr) {
		params["error_code"] = appErr.Code
	}

	env := &v1.Envelope{
		Type: v1.EnvelopeTypeTaskUpdate,
		Routing: v1.Routing{
			ProjectID: c.id.ProjectID,
			From:      c.id.From(),
			To:        action.Origin,
			ReplyTo:   action.TaskID,
		},
		Context: v1.Context{HumanID: c.id.HumanID},
		Payload: v1.Payload{
			Text:   action.Reason,
			Params: params,
		},
		Status: v1.EnvelopeStatusNeedsHuman,
	}
	if _, err := c.fabric.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish escalation: %w", err)
	}

	// The error row freezes the trail at its high-water percent; the note
	// carries the reason a human has to step in.
	if _, err := c.fabric.AppendProgress(ctx, &v1.ProgressRecord{
		MessageID:   action.TaskID,
		ProjectID:   c.id.ProjectID,
		PercentDone: action.Percent,
		State:       v1.ProgressStateError,
		Note:        action.Reason,
	}); err != nil {
		return fmt.Errorf("failed to append escalation progress: %w", err)
	}

	metrics.AggregationsResolved.WithLabelValues(action.Outcome).Inc()
	c.logger.Warn("task escalated",
		zap.String("task_id", action.TaskID),
		zap.String("reason", action.Reason),
		zap.Error(action.Cause))
	return nil
}

// heartbeatLoop keeps the soft-lease fresh.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.registry.TouchAgentHeartbeat(ctx, c.id.AgentName, c.id.ProjectID, time.Now()); err != nil {
				c.logger.Error("failed to touch heartbeat", zap.Error(err))
			}
		}
	}
}

// sweepLoop escalates tasks whose delivery window elapsed.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	c.faninMu.Lock()
	actions := c.deferred
	c.deferred = nil
	actions = append(actions, c.fanin.Expired(time.Now())...)
	c.faninMu.Unlock()

	if len(actions) == 0 {
		return
	}
	c.dispatch(ctx, actions)
	if err := c.engine.CommitPosition(ctx, c.consumer(), c.watermark()); err != nil {
		c.logger.Error("failed to commit position after sweep", zap.Error(err))
	}
}

func (c *Coordinator) currentSeq() int64 {
	c.faninMu.Lock()
	defer c.faninMu.Unlock()
	return c.lastSeq
}

// consumer is the cursor key for this coordinator's scope.
func (c *Coordinator) consumer() string {
	return "coordinator:" + c.id.HumanID + ":" + c.id.ProjectID
}
