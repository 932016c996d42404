// Package messaging defines the ports the core binds to: the
// ConsumerGateway a broker adapter must implement, and the RequestMapper
// / RequestDispatcher ports that translate wire messages into typed
// requests and hand them to user-registered handlers. Concrete handler
// registries are out of scope for this repository (see SPEC_FULL.md §1);
// only the ports live here.
package messaging

import (
	"context"
	"time"

	"github.com/brightercommand/brightside-go/internal/message"
)

// CancelHandle is returned by StartContinuousHeartbeat. Cancel stops the
// background ticker and blocks until it has exited.
type CancelHandle interface {
	Cancel()
}

// ConsumerGateway is the port a broker adapter (canonically AMQP) must
// satisfy. Implementations own their broker sockets exclusively.
type ConsumerGateway interface {
	// Receive blocks up to timeout for a delivery. It must never return a
	// nil message: an expired timeout yields message.NewNone(), and an
	// undecodable delivery yields message.NewUnacceptable(...).
	Receive(ctx context.Context, timeout time.Duration) (*message.Message, error)

	// Acknowledge commits the last delivery matching m's ID. Idempotent.
	Acknowledge(m *message.Message) error

	// Requeue returns the delivery to the broker queue's tail.
	Requeue(m *message.Message) error

	// Purge discards all outstanding messages on the bound queue.
	Purge() error

	// HeartbeatTick sends or checks a single keepalive against the broker.
	HeartbeatTick() error

	// StartContinuousHeartbeat spawns a background ticker invoking
	// HeartbeatTick at least every half of the negotiated heartbeat
	// interval. It is a no-op (returning a handle whose Cancel is a no-op)
	// unless the consumer was configured long-running.
	StartContinuousHeartbeat() (CancelHandle, error)

	// Close releases sockets and any background tickers.
	Close() error
}

// RequestMapper translates a wire Message into a typed Request. It is
// pure and may fail only with a *errs.ConfigurationError when the topic
// is unmapped.
type RequestMapper func(m *message.Message) (Request, error)

// Request is the typed payload handed to a RequestDispatcher. It is
// opaque to the core: callers define their own command/event types.
type Request interface{}

// RequestDispatcher is the port to the command/handler registry. Send
// dispatches a command to exactly one handler; Publish dispatches an
// event to zero or more. Either may return a *errs.DeferMessageError to
// request redelivery; any other error is treated as a handled-but-failed
// dispatch (the pump acknowledges and logs).
type RequestDispatcher interface {
	Send(ctx context.Context, req Request) error
	Publish(ctx context.Context, req Request) error
}

// ConnectionParameters describes a broker connection profile, shared
// across every ConsumerConfiguration that names it.
type ConnectionParameters struct {
	BrokerURI      string
	Exchange       string
	ExchangeType   ExchangeType
	Durable        bool
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
}

// ExchangeType enumerates the broker exchange kinds this port's
// connection parameters can request.
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = "direct"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeHeaders ExchangeType = "headers"
)

// DefaultConnectTimeout and DefaultHeartbeat mirror the original
// Connection defaults (connect_timeout=30s, heartbeat=30s).
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultHeartbeat      = 30 * time.Second
)

// ConsumerConfiguration is the wire-level configuration for one consumer:
// which queue/routing key to bind, prefetch, durability, HA, and whether
// the registered handler is long-running (and thus needs a continuous
// heartbeat while it runs).
type ConsumerConfiguration struct {
	QueueName     string
	RoutingKey    string
	PrefetchCount int
	Durable       bool
	HA            bool
	LongRunning   bool
}
