package moon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/envelope"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/router"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("moon runtime is already running")
	ErrNotRunning     = errors.New("moon runtime is not running")
)

// Fabric is the slice of the bus a moon consumes. The in-process sun
// service satisfies it through a bound identity, as does the HTTP client.
type Fabric interface {
	Publish(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error)
	Get(ctx context.Context, id string) (*v1.Envelope, error)
	UpdateStatus(ctx context.Context, id string, status v1.EnvelopeStatus) (*v1.Envelope, error)
	AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error)
	Replay(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*v1.Envelope, error)
	Subscribe(projectID, recipient string, handler router.Handler) (router.Subscription, error)
	RegisterAgent(ctx context.Context, agent *v1.AgentIdentity) (*v1.AgentIdentity, error)
	Heartbeat(ctx context.Context, name, projectID string) error
}

// Config holds moon runtime configuration.
type Config struct {
	HeartbeatInterval time.Duration
	ReplayPageSize    int
	QueueSize         int // live notification buffer
	Capabilities      []string
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		ReplayPageSize:    200,
		QueueSize:         256,
	}
}

// Identity names the moon agent and its (human, project) scope.
type Identity struct {
	AgentName string
	HumanID   string
	ProjectID string
}

// From returns the moon's sender identity.
func (i Identity) From() string {
	return "agent:" + i.AgentName
}

// Runtime subscribes a worker agent to the fabric and processes the
// requests addressed to it, one at a time. Live notifications queue into a
// bounded buffer; on overflow the runtime falls back to replaying from its
// cursor, so the store remains the durability boundary.
type Runtime struct {
	fabric Fabric
	worker Worker
	engine *idempotency.Engine
	logger *logger.Logger
	config Config
	id     Identity

	queue chan *router.Notification
	gapCh chan struct{}

	// lastSeq and pinned belong to the processing goroutine alone.
	lastSeq int64
	pinned  bool

	sub     router.Subscription
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a moon runtime.
func New(fabric Fabric, worker Worker, engine *idempotency.Engine, log *logger.Logger, config Config, id Identity) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		fabric: fabric,
		worker: worker,
		engine: engine,
		logger: log.WithFields(
			zap.String("component", "moon"),
			zap.String("project_id", id.ProjectID),
			zap.String("agent", id.AgentName),
		),
		config: config,
		id:     id,
	}
}

// Start registers the agent, replays missed history from its cursor, then
// follows the live stream.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	fail := func(err error) error {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	if _, err := r.fabric.RegisterAgent(ctx, &v1.AgentIdentity{
		Name:                 r.id.AgentName,
		HumanID:              r.id.HumanID,
		ProjectID:            r.id.ProjectID,
		Capabilities:         r.config.Capabilities,
		HeartbeatIntervalSec: int(r.config.HeartbeatInterval / time.Second),
	}); err != nil {
		return fail(fmt.Errorf("failed to register agent: %w", err))
	}

	r.queue = make(chan *router.Notification, r.config.QueueSize)
	r.gapCh = make(chan struct{}, 1)

	// Subscribe before replaying so nothing falls in the gap; the seq
	// check in process drops the overlap.
	sub, err := r.fabric.Subscribe(r.id.ProjectID, r.id.From(), r.enqueue)
	if err != nil {
		return fail(fmt.Errorf("failed to subscribe: %w", err))
	}
	r.sub = sub

	cursor, err := r.engine.Position(ctx, r.consumer())
	if err != nil {
		_ = r.sub.Unsubscribe()
		return fail(err)
	}
	r.lastSeq = cursor
	if err := r.catchUp(ctx); err != nil {
		_ = r.sub.Unsubscribe()
		return fail(fmt.Errorf("failed to replay history: %w", err))
	}

	r.wg.Add(2)
	go r.processLoop()
	go r.heartbeatLoop(ctx)

	r.logger.Info("moon started",
		zap.String("model", r.worker.Model()),
		zap.Int64("replayed_to", r.lastSeq))
	return nil
}

// Stop stops the runtime.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.wg.Wait()
	r.logger.Info("moon stopped")
	return nil
}

// IsRunning returns true if the runtime is active.
func (r *Runtime) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// enqueue is the subscription handler. It must not block the delivery
// lane, so on a full buffer it drops the notification and schedules a
// replay from the cursor instead. A gap can reorder independent requests,
// never lose one.
func (r *Runtime) enqueue(ctx context.Context, n *router.Notification) error {
	select {
	case r.queue <- n:
	default:
		select {
		case r.gapCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *Runtime) processLoop() {
	defer r.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-r.stopCh:
			return
		case n := <-r.queue:
			if n == nil || n.Envelope == nil {
				continue
			}
			if err := r.process(ctx, n.Envelope); err != nil {
				r.logger.Error("failed to process request",
					zap.String("envelope_id", n.Envelope.ID), zap.Error(err))
			}
		case <-r.gapCh:
			if err := r.catchUp(ctx); err != nil {
				r.logger.Error("failed to replay after buffer overflow", zap.Error(err))
			}
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.fabric.Heartbeat(ctx, r.id.AgentName, r.id.ProjectID); err != nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// catchUp pages committed history from the current position through the
// same path as live notifications.
func (r *Runtime) catchUp(ctx context.Context) error {
	after := r.lastSeq
	for {
		page, err := r.fabric.Replay(ctx, r.id.ProjectID, after, r.config.ReplayPageSize)
		if err != nil {
			return err
		}
		for _, env := range page {
			if err := r.process(ctx, env); err != nil {
				r.logger.Error("failed to process replayed request",
					zap.String("envelope_id", env.ID), zap.Error(err))
			}
			after = env.Seq
		}
		if len(page) < r.config.ReplayPageSize {
			return nil
		}
	}
}

// process consumes one committed envelope in sequence order.
func (r *Runtime) process(ctx context.Context, env *v1.Envelope) error {
	if env.Seq != 0 && env.Seq <= r.lastSeq {
		return nil // already handled
	}
	if env.Seq > r.lastSeq {
		r.lastSeq = env.Seq
	}

	var err error
	if r.eligible(env) {
		err = r.handle(ctx, env)
	}
	if err != nil {
		// Pin the cursor: a restart replays from the last good position
		// and retries this request. Later successes must not commit past it.
		r.pinned = true
		return err
	}
	if !r.pinned {
		if cerr := r.engine.CommitPosition(ctx, r.consumer(), r.lastSeq); cerr != nil {
			r.logger.Warn("failed to commit cursor", zap.Error(cerr))
		}
	}
	return nil
}

// eligible reports whether the envelope is work addressed to this moon.
// task-update counts only when it re-requests a task (a retry from the
// coordinator); plain status updates are not work.
func (r *Runtime) eligible(env *v1.Envelope) bool {
	if env.Routing.From == r.id.From() || env.Routing.To != r.id.From() {
		return false
	}
	switch env.Type {
	case v1.EnvelopeTypeTaskCreate, v1.EnvelopeTypeToolRequest:
		return true
	case v1.EnvelopeTypeTaskUpdate:
		return taskRefParam(env) != ""
	default:
		return false
	}
}

// handle walks one request through received, processing and result. Each
// step sits behind its own commit marker keyed by the request id, so a
// replayed request resumes at the first unfinished step.
func (r *Runtime) handle(ctx context.Context, env *v1.Envelope) error {
	// A request whose lifecycle already closed needs nothing. This covers
	// replays that outran the cursor, on both the done and the error path.
	if cur, err := r.fabric.Get(ctx, env.ID); err == nil && envelope.Terminal(cur.Status) {
		return nil
	}

	if err := r.step(ctx, env.ID, "received", func() error {
		if err := r.advanceStatus(ctx, env.ID, v1.EnvelopeStatusReceived); err != nil {
			return err
		}
		return r.progress(ctx, env.ID, 0, v1.ProgressStateQueued, "")
	}); err != nil {
		return err
	}

	if err := r.step(ctx, env.ID, "processing", func() error {
		if err := r.advanceStatus(ctx, env.ID, v1.EnvelopeStatusProcessing); err != nil {
			return err
		}
		return r.progress(ctx, env.ID, 10, v1.ProgressStateRunning, "")
	}); err != nil {
		return err
	}

	var failed bool
	if err := r.step(ctx, env.ID, "result", func() error {
		start := time.Now()
		res, werr := r.worker.Handle(ctx, &Request{Envelope: env, Text: env.Payload.Text})
		if werr != nil {
			failed = true
			return r.reportFailure(ctx, env, werr)
		}
		return r.publishResult(ctx, env, res, time.Since(start))
	}); err != nil {
		return err
	}
	if failed {
		return nil
	}

	return r.step(ctx, env.ID, "done", func() error {
		if err := r.advanceStatus(ctx, env.ID, v1.EnvelopeStatusDone); err != nil {
			return err
		}
		return r.progress(ctx, env.ID, 100, v1.ProgressStateDone, "")
	})
}

// step runs fn once per (request, name); a replayed step is a no-op.
func (r *Runtime) step(ctx context.Context, requestID, name string, fn func() error) error {
	err := r.engine.Run(ctx, idempotency.Key(requestID, name), func(ctx context.Context) error {
		return fn()
	})
	if apperrors.IsDuplicateCommit(err) {
		return nil
	}
	return err
}

// publishResult commits the tool-result reply. The reply id derives from
// the request id, so a crashed moon that already published resumes as a
// no-op instead of emitting a second result.
func (r *Runtime) publishResult(ctx context.Context, env *v1.Envelope, res *Result, elapsed time.Duration) error {
	taskRef := taskRef(env)
	out := &v1.Envelope{
		ID:   derivedID(env.ID, "result"),
		Type: v1.EnvelopeTypeToolResult,
		Routing: v1.Routing{
			ProjectID: env.Routing.ProjectID,
			From:      r.id.From(),
			To:        env.Routing.From,
			ReplyTo:   taskRef,
		},
		Context: v1.Context{HumanID: env.Context.HumanID},
		Payload: v1.Payload{
			Text: res.Text,
			Params: map[string]interface{}{
				"task_id":       taskRef,
				"analysis_kind": res.Kind,
			},
		},
		Status: v1.EnvelopeStatusDone,
		Telemetry: v1.Telemetry{
			Model:      res.Model,
			LatencyMS:  elapsed.Milliseconds(),
			CostEstUSD: res.CostEstUSD,
		},
	}
	if err := r.publishIdempotent(ctx, out); err != nil {
		return err
	}
	r.logger.Info("result published",
		zap.String("request_id", env.ID),
		zap.String("result_id", out.ID),
		zap.String("model", res.Model),
		zap.Int64("latency_ms", out.Telemetry.LatencyMS))
	return nil
}

// reportFailure publishes an error result so the coordinator's retry
// budget drives the redo, and closes the request as failed.
func (r *Runtime) reportFailure(ctx context.Context, env *v1.Envelope, werr error) error {
	taskRef := taskRef(env)
	out := &v1.Envelope{
		ID:   derivedID(env.ID, "error"),
		Type: v1.EnvelopeTypeToolResult,
		Routing: v1.Routing{
			ProjectID: env.Routing.ProjectID,
			From:      r.id.From(),
			To:        env.Routing.From,
			ReplyTo:   taskRef,
		},
		Context: v1.Context{HumanID: env.Context.HumanID},
		Payload: v1.Payload{
			Text:   "work failed: " + werr.Error(),
			Params: map[string]interface{}{"task_id": taskRef},
		},
		Status: v1.EnvelopeStatusError,
	}
	if err := r.publishIdempotent(ctx, out); err != nil {
		return err
	}
	if err := r.advanceStatus(ctx, env.ID, v1.EnvelopeStatusError); err != nil {
		return err
	}
	if err := r.progress(ctx, env.ID, 10, v1.ProgressStateError, werr.Error()); err != nil {
		return err
	}
	r.logger.Warn("request failed",
		zap.String("request_id", env.ID),
		zap.Error(werr))
	return nil
}

// publishIdempotent treats a duplicate-id rejection of an already
// committed envelope as success.
func (r *Runtime) publishIdempotent(ctx context.Context, env *v1.Envelope) error {
	_, err := r.fabric.Publish(ctx, env)
	if err == nil {
		return nil
	}
	if apperrors.IsValidation(err) {
		if _, gerr := r.fabric.Get(ctx, env.ID); gerr == nil {
			return nil
		}
	}
	return err
}

// advanceStatus moves the request's lifecycle forward. A transition the
// lifecycle already moved past is fine; the request may arrive with any
// initial status.
func (r *Runtime) advanceStatus(ctx context.Context, id string, status v1.EnvelopeStatus) error {
	_, err := r.fabric.UpdateStatus(ctx, id, status)
	if err == nil {
		return nil
	}
	if apperrors.IsValidation(err) {
		r.logger.Debug("status already advanced",
			zap.String("envelope_id", id),
			zap.String("target", string(status)))
		return nil
	}
	return err
}

func (r *Runtime) progress(ctx context.Context, messageID string, percent int, state v1.ProgressState, note string) error {
	_, err := r.fabric.AppendProgress(ctx, &v1.ProgressRecord{
		MessageID:   messageID,
		ProjectID:   r.id.ProjectID,
		PercentDone: percent,
		State:       state,
		Note:        note,
	})
	return err
}

func (r *Runtime) consumer() string {
	return "moon:" + r.id.ProjectID + ":" + r.id.AgentName
}

// taskRef resolves the task an envelope belongs to: an explicit task_id
// param wins, otherwise the envelope is itself the task.
func taskRef(env *v1.Envelope) string {
	if ref := taskRefParam(env); ref != "" {
		return ref
	}
	return env.ID
}

func taskRefParam(env *v1.Envelope) string {
	if env.Payload.Params == nil {
		return ""
	}
	ref, _ := env.Payload.Params["task_id"].(string)
	return ref
}

// derivedID builds the deterministic reply id for a request step.
func derivedID(requestID, step string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("solarbus:"+requestID+":"+step)).String()
}
