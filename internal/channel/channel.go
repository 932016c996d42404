// Package channel implements the broker-agnostic queue abstraction that
// layers a control-message pipeline over a ConsumerGateway, letting the
// Dispatcher inject QUIT sentinels alongside broker-delivered traffic.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/brightercommand/brightside-go/internal/errs"
	"github.com/brightercommand/brightside-go/internal/message"
	"github.com/brightercommand/brightside-go/internal/messaging"
)

// State is the Channel's lifecycle state.
type State int

const (
	Initialized State = iota
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case Started:
		return "STARTED"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Channel merges a side-band control pipeline with a ConsumerGateway,
// giving the pump a single Receive that always checks the pipeline
// first. INITIALIZED -> STARTED on first receive; STARTED -> STOPPING on
// Stop; any state -> STOPPED (terminal) on End.
type Channel struct {
	name     string
	gateway  messaging.ConsumerGateway
	pipeline chan *message.Message

	mu    sync.Mutex
	state State
}

// New constructs a Channel named name over gateway, with pipeline as the
// shared control/injection queue. pipeline is typically shared with the
// Dispatcher so Stop() can be called from outside the worker.
func New(name string, gateway messaging.ConsumerGateway, pipeline chan *message.Message) *Channel {
	return &Channel{
		name:     name,
		gateway:  gateway,
		pipeline: pipeline,
		state:    Initialized,
	}
}

// Name returns the channel's identity, shared with the Dispatcher's
// ConsumerConfiguration registry key.
func (c *Channel) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PipelineDepth reports the number of messages currently buffered in the
// control pipeline, supplementing the original's Channel.__len__.
func (c *Channel) PipelineDepth() int {
	return len(c.pipeline)
}

// Receive returns the pipeline's head if non-empty (checked first so a
// QUIT sentinel always wins over broker traffic), otherwise delegates to
// the gateway. It fails once the channel has been ended.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return nil, errs.NewChannelFailure("channel has been stopped, cannot resume listening")
	}
	if c.state == Initialized {
		c.state = Started
	}
	c.mu.Unlock()

	select {
	case m := <-c.pipeline:
		return m, nil
	default:
	}

	return c.gateway.Receive(ctx, timeout)
}

// Acknowledge forwards to the gateway.
func (c *Channel) Acknowledge(m *message.Message) error {
	return c.gateway.Acknowledge(m)
}

// Requeue forwards to the gateway.
func (c *Channel) Requeue(m *message.Message) error {
	return c.gateway.Requeue(m)
}

// StartHeartbeat requests the gateway to begin continuous heartbeats (a
// no-op unless the consumer is configured long-running) and returns a
// cancel function that stops them. It is the pump's heartbeat scope:
// entering calls StartHeartbeat, and every exit path - success, defer,
// error, fatal configuration error - must call the returned cancel
// before the next receive.
func (c *Channel) StartHeartbeat() func() {
	handle, err := c.gateway.StartContinuousHeartbeat()
	if err != nil || handle == nil {
		return func() {}
	}
	return handle.Cancel
}

// Stop enqueues a QUIT sentinel and transitions STARTED -> STOPPING. It
// is safe to call from outside the worker goroutine; the pump observes
// QUIT on its next Receive.
func (c *Channel) Stop() {
	c.pipeline <- message.NewQuit()

	c.mu.Lock()
	if c.state == Started {
		c.state = Stopping
	}
	c.mu.Unlock()
}

// End transitions the channel to STOPPED unconditionally. STOPPED is
// absorbing: once reached, Receive always fails.
func (c *Channel) End() {
	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()
}
