// Package memory provides an in-process ConsumerGateway test double: a
// queue of canned messages served by Receive, with acknowledge/requeue
// calls recorded for assertions. It is the Go equivalent of the original's
// FakeConsumer, styled after the teacher's recorded-calls mocks.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/brightercommand/brightside-go/internal/message"
	"github.com/brightercommand/brightside-go/internal/messaging"
)

var _ messaging.ConsumerGateway = (*Gateway)(nil)

// Gateway is a FIFO-backed ConsumerGateway. Zero value is usable; Seed adds
// deliveries. Receive pops the head, or returns message.NewNone() once the
// queue is drained, matching how a real gateway behaves on a timed-out poll.
type Gateway struct {
	mu sync.Mutex

	queue []*message.Message

	acknowledged []*message.Message
	requeued     []*message.Message
	purged       bool
	closed       bool
	heartbeats   int

	// ReceiveErr, when set, is returned by Receive instead of popping the
	// queue — used to simulate a ChannelFailureError.
	ReceiveErr error

	heartbeatCancelled bool
}

// New constructs a Gateway pre-seeded with deliveries, in order.
func New(deliveries ...*message.Message) *Gateway {
	return &Gateway{queue: append([]*message.Message(nil), deliveries...)}
}

// Seed appends additional deliveries to the tail of the queue.
func (g *Gateway) Seed(m *message.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, m)
}

func (g *Gateway) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ReceiveErr != nil {
		return nil, g.ReceiveErr
	}
	if len(g.queue) == 0 {
		return message.NewNone(), nil
	}
	m := g.queue[0]
	g.queue = g.queue[1:]
	return m, nil
}

func (g *Gateway) Acknowledge(m *message.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acknowledged = append(g.acknowledged, m)
	return nil
}

func (g *Gateway) Requeue(m *message.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requeued = append(g.requeued, m)
	g.queue = append(g.queue, m)
	return nil
}

func (g *Gateway) Purge() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = nil
	g.purged = true
	return nil
}

func (g *Gateway) HeartbeatTick() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeats++
	return nil
}

type cancelHandle struct{ g *Gateway }

func (c cancelHandle) Cancel() {
	c.g.mu.Lock()
	c.g.heartbeatCancelled = true
	c.g.mu.Unlock()
}

func (g *Gateway) StartContinuousHeartbeat() (messaging.CancelHandle, error) {
	return cancelHandle{g: g}, nil
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// HasAcknowledged reports whether m (by ID) was ever acknowledged.
func (g *Gateway) HasAcknowledged(m *message.Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.acknowledged {
		if a.ID() == m.ID() {
			return true
		}
	}
	return false
}

// Len reports the number of deliveries still queued, the Go analogue of
// the original FakeConsumer's __len__.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Requeued returns a copy of every message passed to Requeue, in order.
func (g *Gateway) Requeued() []*message.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*message.Message(nil), g.requeued...)
}

// Purged reports whether Purge was called.
func (g *Gateway) Purged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.purged
}

// Closed reports whether Close was called.
func (g *Gateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
