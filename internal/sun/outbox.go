package sun

import (
	"sync"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/appctx"
	"github.com/solarbus/solarbus/internal/common/constants"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/router"
)

// outbox hands committed notifications to the router without running
// subscriber handlers on the commit path. One dispatcher goroutine per
// project drains a FIFO, so notify order tracks commit order while a
// handler is free to publish again without deadlocking.
type outbox struct {
	bus    router.Router
	logger *logger.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
	stopCh chan struct{}
}

type lane struct {
	mu    sync.Mutex
	queue []*router.Notification
	wake  chan struct{}
}

func newOutbox(bus router.Router, log *logger.Logger) *outbox {
	return &outbox{
		bus:    bus,
		logger: log,
		lanes:  make(map[string]*lane),
		stopCh: make(chan struct{}),
	}
}

// Enqueue appends a notification to its project lane. Callers serialize
// per project, so lane order is commit order.
func (o *outbox) Enqueue(n *router.Notification) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	ln, ok := o.lanes[n.ProjectID]
	if !ok {
		ln = &lane{wake: make(chan struct{}, 1)}
		o.lanes[n.ProjectID] = ln
		o.wg.Add(1)
		go o.drain(ln)
	}
	o.mu.Unlock()

	ln.mu.Lock()
	ln.queue = append(ln.queue, n)
	ln.mu.Unlock()

	select {
	case ln.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) drain(ln *lane) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ln.wake:
		}
		for {
			ln.mu.Lock()
			if len(ln.queue) == 0 {
				ln.mu.Unlock()
				break
			}
			batch := ln.queue
			ln.queue = nil
			ln.mu.Unlock()

			// The batch context falls with the stop channel, so Close
			// interrupts a hung transport instead of waiting it out.
			ctx, cancel := appctx.Detached(o.stopCh, constants.DispatchTimeout)
			for _, n := range batch {
				if err := o.bus.Publish(ctx, n); err != nil {
					// Best effort: subscribers recover missed
					// notifications by replaying from their cursor.
					o.logger.Warn("notification dropped",
						zap.String("envelope_id", n.EnvelopeID),
						zap.Error(err))
				}
			}
			cancel()
		}
	}
}

// Close stops the dispatchers. Queued notifications may drop; the store
// remains the durability boundary.
func (o *outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.stopCh)
	o.mu.Unlock()
	o.wg.Wait()
}
