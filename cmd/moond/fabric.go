package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/router"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
	"github.com/solarbus/solarbus/pkg/client"
)

// remoteFabric adapts the HTTP client SDK to the fabric slices the moon
// and coordinator runtimes consume. Traffic runs under the agent's own
// identity; registry writes run under the owning human, because an agent
// authorizes through a registration that may not exist yet.
type remoteFabric struct {
	ctx   context.Context
	agent *client.Client
	owner *client.Client
	log   *logger.Logger
}

func newRemoteFabric(ctx context.Context, agent, owner *client.Client, log *logger.Logger) *remoteFabric {
	if log == nil {
		log = logger.Default()
	}
	return &remoteFabric{ctx: ctx, agent: agent, owner: owner, log: log}
}

func (f *remoteFabric) Publish(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error) {
	return f.agent.Publish(ctx, env)
}

func (f *remoteFabric) Get(ctx context.Context, id string) (*v1.Envelope, error) {
	return f.agent.Get(ctx, id)
}

func (f *remoteFabric) UpdateStatus(ctx context.Context, id string, status v1.EnvelopeStatus) (*v1.Envelope, error) {
	return f.agent.UpdateStatus(ctx, id, status)
}

func (f *remoteFabric) AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error) {
	return f.agent.AppendProgress(ctx, rec)
}

func (f *remoteFabric) Replay(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*v1.Envelope, error) {
	return f.agent.Replay(ctx, projectID, afterSeq, limit)
}

// Subscribe follows the envelopes addressed to the agent. The gateway
// scopes the stream to the authenticated identity, so the recipient
// parameter is implied; it exists for the in-process implementations.
func (f *remoteFabric) Subscribe(projectID, _ string, handler router.Handler) (router.Subscription, error) {
	stream, err := f.agent.Subscribe(f.ctx, projectID)
	if err != nil {
		return nil, err
	}
	return f.pump(stream, handler), nil
}

// SubscribeProject follows every envelope in the project. The coordinator
// watches traffic between other participants through it.
func (f *remoteFabric) SubscribeProject(projectID string, handler router.Handler) (router.Subscription, error) {
	stream, err := f.agent.Subscribe(f.ctx, projectID, client.WithProjectScope())
	if err != nil {
		return nil, err
	}
	return f.pump(stream, handler), nil
}

func (f *remoteFabric) RegisterAgent(ctx context.Context, agent *v1.AgentIdentity) (*v1.AgentIdentity, error) {
	return f.owner.RegisterAgent(ctx, agent)
}

func (f *remoteFabric) Heartbeat(ctx context.Context, name, projectID string) error {
	return f.agent.Heartbeat(ctx, name, projectID)
}

func (f *remoteFabric) UpsertAgent(ctx context.Context, agent *v1.AgentIdentity) (*v1.AgentIdentity, error) {
	return f.owner.RegisterAgent(ctx, agent)
}

// TouchAgentHeartbeat refreshes liveness through the gateway, which stamps
// heartbeats with its own clock; the caller's timestamp is dropped.
func (f *remoteFabric) TouchAgentHeartbeat(ctx context.Context, name, projectID string, _ time.Time) error {
	return f.owner.Heartbeat(ctx, name, projectID)
}

func (f *remoteFabric) ListAgents(ctx context.Context, projectID string) ([]*v1.AgentIdentity, error) {
	list, err := f.owner.Agents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return list.Agents, nil
}

// pump feeds stream deliveries into the runtime handler. Acks track the
// delivery frontier only, bounding what a reconnect replays; the runtime's
// own cursor and commit markers guard processing.
func (f *remoteFabric) pump(stream *client.Stream, handler router.Handler) *streamSub {
	sub := &streamSub{stream: stream, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for d := range stream.Envelopes() {
			if err := handler(f.ctx, router.NewNotification(d.Envelope)); err != nil {
				f.log.Warn("stream handler failed",
					zap.String("envelope_id", d.Envelope.ID), zap.Error(err))
				continue
			}
			if err := stream.Ack(d.Seq); err != nil {
				f.log.Warn("stream ack failed",
					zap.Int64("seq", d.Seq), zap.Error(err))
			}
		}
	}()
	return sub
}

// streamSub wraps a client stream as a router subscription. The stream
// reconnects on its own, so the subscription stays valid across network
// blips and only invalidates on close or revoked membership.
type streamSub struct {
	stream *client.Stream
	done   chan struct{}
}

func (s *streamSub) Unsubscribe() error {
	err := s.stream.Close()
	<-s.done
	return err
}

func (s *streamSub) IsValid() bool {
	select {
	case <-s.stream.Done():
		return false
	default:
		return true
	}
}
