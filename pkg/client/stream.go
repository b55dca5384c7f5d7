package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	v1 "github.com/solarbus/solarbus/pkg/api/v1"
	ws "github.com/solarbus/solarbus/pkg/websocket"
)

const (
	welcomeTimeout   = 15 * time.Second
	ackWriteTimeout  = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

var errStreamClosed = errors.New("stream closed")

// Delivery is one ordered envelope from a project stream.
type Delivery struct {
	Seq      int64
	Envelope *v1.Envelope
}

// StreamOption adjusts a subscription.
type StreamOption func(*streamConfig)

type streamConfig struct {
	consumer     string
	afterSeq     int64
	projectScope bool
}

// WithConsumer names the durable cursor the stream resumes from. The
// default is derived from the project and identity, so every identity gets
// its own cursor.
func WithConsumer(name string) StreamOption {
	return func(cfg *streamConfig) { cfg.consumer = name }
}

// WithAfterSeq overrides the resume cursor for the first attach instead of
// resuming from the durable cursor.
func WithAfterSeq(seq int64) StreamOption {
	return func(cfg *streamConfig) { cfg.afterSeq = seq }
}

// WithProjectScope follows every envelope in the project instead of the
// tail addressed to the subscribing identity. Coordinators and dashboards
// use it to watch traffic between other participants.
func WithProjectScope() StreamOption {
	return func(cfg *streamConfig) { cfg.projectScope = true }
}

// Stream is an ordered, resumable subscription to one project. Deliveries
// are at-least-once: an envelope stays eligible for redelivery until the
// caller acks its sequence. Dropped connections reconnect automatically and
// resume from the acked cursor.
type Stream struct {
	client    *Client
	projectID string
	consumer  string
	cfg       streamConfig

	deliveries chan Delivery
	closeCh    chan struct{}
	closeOnce  sync.Once
	doneCh     chan struct{}

	writeMu sync.Mutex
	conn    *websocket.Conn

	ackedSeq   atomic.Int64
	resumeFrom atomic.Int64

	errMu sync.Mutex
	err   error
}

// Subscribe attaches an ordered delivery stream for one project. It returns
// after the server's welcome frame, so ResumeFrom is valid immediately. The
// context governs the life of the stream; cancelling it stops delivery and
// reconnection.
func (c *Client) Subscribe(ctx context.Context, projectID string, opts ...StreamOption) (*Stream, error) {
	cfg := streamConfig{afterSeq: -1}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Stream{
		client:     c,
		projectID:  projectID,
		cfg:        cfg,
		deliveries: make(chan Delivery, 64),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	s.ackedSeq.Store(-1)

	conn, welcome, leftover, err := s.attach(ctx, cfg.afterSeq)
	if err != nil {
		return nil, err
	}
	s.storeConn(conn)
	s.consumer = welcome.Consumer
	s.resumeFrom.Store(welcome.ResumeFromSeq)

	go s.run(ctx, conn, leftover)
	return s, nil
}

// Envelopes returns the delivery channel. It closes when the stream stops.
func (s *Stream) Envelopes() <-chan Delivery {
	return s.deliveries
}

// Done closes once the stream has fully stopped.
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

// Err reports why the stream stopped. It is nil after a clean Close and
// meaningless before Done is closed.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Consumer returns the durable cursor name the stream is attached to.
func (s *Stream) Consumer() string {
	return s.consumer
}

// ResumeFrom returns the cursor the server resumed from on the most recent
// attach.
func (s *Stream) ResumeFrom() int64 {
	return s.resumeFrom.Load()
}

// Ack acknowledges processing through seq. The durable cursor advances so
// acknowledged envelopes are not redelivered on the next attach.
func (s *Stream) Ack(seq int64) error {
	msg, err := ws.NewNotification(ws.ActionStreamAck, ws.AckPayload{Seq: seq})
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	conn := s.conn
	var writeErr error
	if conn == nil {
		writeErr = errStreamClosed
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(ackWriteTimeout))
		writeErr = conn.WriteMessage(websocket.TextMessage, data)
	}
	s.writeMu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("failed to send ack: %w", writeErr)
	}

	for {
		cur := s.ackedSeq.Load()
		if seq <= cur || s.ackedSeq.CompareAndSwap(cur, seq) {
			return nil
		}
	}
}

// Close stops the stream and its reconnection loop. Buffered deliveries are
// dropped; the durable cursor keeps anything unacknowledged for the next
// subscribe.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.writeMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.writeMu.Unlock()
	})
	<-s.doneCh
	return nil
}

// attach dials the stream endpoint and consumes the welcome frame. Any
// deliveries batched behind the welcome are returned for dispatch.
func (s *Stream) attach(ctx context.Context, afterSeq int64) (*websocket.Conn, *ws.WelcomePayload, [][]byte, error) {
	endpoint := "ws" + strings.TrimPrefix(s.client.baseURL, "http") +
		"/api/v1/projects/" + url.PathEscape(s.projectID) + "/stream"
	values := url.Values{}
	if s.cfg.consumer != "" {
		values.Set("consumer", s.cfg.consumer)
	}
	if s.cfg.projectScope {
		values.Set("scope", "project")
	}
	if afterSeq >= 0 {
		values.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	header := http.Header{}
	header.Set(v1.IdentityHeader, s.client.identity)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return nil, nil, nil, decodeAPIError(resp.StatusCode, body)
		}
		return nil, nil, nil, fmt.Errorf("failed to connect stream: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	frames := splitFrames(data)
	if len(frames) == 0 {
		_ = conn.Close()
		return nil, nil, nil, errors.New("empty frame before welcome")
	}
	var msg ws.Message
	if err := json.Unmarshal(frames[0], &msg); err != nil || msg.Action != ws.ActionStreamWelcome {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("expected welcome frame, got action %q", msg.Action)
	}
	var welcome ws.WelcomePayload
	if err := msg.ParsePayload(&welcome); err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to parse welcome: %w", err)
	}
	return conn, &welcome, frames[1:], nil
}

// run dispatches frames and reconnects on connection loss until the stream
// closes or the context ends.
func (s *Stream) run(ctx context.Context, conn *websocket.Conn, leftover [][]byte) {
	defer close(s.doneCh)
	defer close(s.deliveries)

	backoff := time.Second
	for {
		for _, frame := range leftover {
			if !s.handleFrame(ctx, frame) {
				_ = conn.Close()
				return
			}
		}
		err := s.consume(ctx, conn)
		_ = conn.Close()
		if s.isClosed() {
			return
		}
		if ctx.Err() != nil {
			s.setErr(ctx.Err())
			return
		}
		s.client.logger.Warn("stream disconnected, reconnecting",
			zap.String("project_id", s.projectID),
			zap.Error(err))

		for {
			select {
			case <-s.closeCh:
				return
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			case <-time.After(backoff):
			}

			newConn, welcome, frames, dialErr := s.attach(ctx, s.resumeSeq())
			if dialErr != nil {
				// A denial will not heal by retrying; membership was revoked.
				if IsAuthorization(dialErr) {
					s.setErr(dialErr)
					return
				}
				if backoff < maxReconnectWait {
					backoff *= 2
				}
				s.client.logger.Warn("stream reconnect failed",
					zap.String("project_id", s.projectID),
					zap.Duration("backoff", backoff),
					zap.Error(dialErr))
				continue
			}
			conn = newConn
			s.storeConn(conn)
			s.resumeFrom.Store(welcome.ResumeFromSeq)
			leftover = frames
			backoff = time.Second
			break
		}
	}
}

// consume reads frames until the connection drops or the stream closes.
func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, frame := range splitFrames(data) {
			if !s.handleFrame(ctx, frame) {
				return errStreamClosed
			}
		}
	}
}

// handleFrame dispatches one message. It reports false when the stream is
// closing and dispatch must stop.
func (s *Stream) handleFrame(ctx context.Context, raw []byte) bool {
	var msg ws.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.client.logger.Warn("stream frame unparseable", zap.Error(err))
		return true
	}

	switch {
	case msg.Type == ws.MessageTypeError:
		var payload ws.ErrorPayload
		_ = msg.ParsePayload(&payload)
		s.client.logger.Warn("stream error frame",
			zap.String("code", payload.Code),
			zap.String("message", payload.Message))
		return true

	case msg.Action == ws.ActionStreamWelcome:
		var welcome ws.WelcomePayload
		if err := msg.ParsePayload(&welcome); err == nil {
			s.resumeFrom.Store(welcome.ResumeFromSeq)
		}
		return true

	case msg.Action == ws.ActionEnvelopeDeliver:
		var payload ws.DeliverPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.Envelope == nil {
			s.client.logger.Warn("malformed delivery frame", zap.Error(err))
			return true
		}
		select {
		case s.deliveries <- Delivery{Seq: payload.Seq, Envelope: payload.Envelope}:
			return true
		case <-s.closeCh:
			return false
		case <-ctx.Done():
			return false
		}

	default:
		return true
	}
}

// resumeSeq is the cursor for a reconnect: the highest acked sequence, or
// the caller's explicit override when nothing was acked yet. Negative means
// resume from the durable cursor.
func (s *Stream) resumeSeq() int64 {
	resume := s.cfg.afterSeq
	if acked := s.ackedSeq.Load(); acked > resume {
		resume = acked
	}
	return resume
}

func (s *Stream) storeConn(conn *websocket.Conn) {
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// splitFrames splits one websocket frame into messages. The server batches
// queued pushes into a single frame separated by newlines.
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	for _, part := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(part)) > 0 {
			frames = append(frames, part)
		}
	}
	return frames
}
