// Package pump implements the MessagePump: the single-consumer event
// loop that receives, translates, and dispatches messages while
// enforcing poison-message limits, requeue caps, and heartbeat lifetimes
// around user handlers.
package pump

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/brightercommand/brightside-go/internal/channel"
	coreerrs "github.com/brightercommand/brightside-go/internal/errs"
	"github.com/brightercommand/brightside-go/internal/message"
	"github.com/brightercommand/brightside-go/internal/messaging"
	"github.com/brightercommand/brightside-go/internal/metrics"
)

const (
	// DefaultTimeout mirrors the original's 500ms default poll timeout.
	DefaultTimeout = 500 * time.Millisecond
	// DefaultUnacceptableLimit mirrors the original's default of 500.
	DefaultUnacceptableLimit = 500
)

// Options configures a MessagePump. Timeout defaults to 500ms and
// UnacceptableLimit to 500 when left zero. RequeueCount of zero means
// unbounded requeue (no cap enforced).
type Options struct {
	Timeout           time.Duration
	UnacceptableLimit int
	RequeueCount      int
}

// MessagePump runs the receive -> translate -> dispatch -> ack loop for
// one Channel until it observes QUIT, trips the poison-message limit, or
// hits a fatal *errs.ConfigurationError (missing mapper).
type MessagePump struct {
	dispatcher messaging.RequestDispatcher
	channel    *channel.Channel
	mapper     messaging.RequestMapper
	logger     *zap.Logger

	timeout           time.Duration
	unacceptableLimit int
	unacceptableCount int
	requeueCount      int
}

// New constructs a MessagePump. A nil mapper is legal at construction
// time; it only becomes a fatal *errs.ConfigurationError the first time
// a COMMAND/EVENT actually needs translating, matching the spec's
// "mapper absence is fatal [on dispatch]" invariant.
func New(dispatcher messaging.RequestDispatcher, ch *channel.Channel, mapper messaging.RequestMapper, opts Options, logger *zap.Logger) *MessagePump {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := opts.UnacceptableLimit
	if limit <= 0 {
		limit = DefaultUnacceptableLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessagePump{
		dispatcher:        dispatcher,
		channel:           ch,
		mapper:            mapper,
		logger:            logger,
		timeout:           timeout,
		unacceptableLimit: limit,
		requeueCount:      opts.RequeueCount,
	}
}

// Run executes the pump's main loop until QUIT, the unacceptable-message
// limit is reached, or a fatal *errs.ConfigurationError occurs (in which
// case it is returned, unwrapped, to the caller; the channel is ended
// either way). If started is non-nil it is closed once the pump has
// begun running, mirroring the original's started_event.
func (p *MessagePump) Run(ctx context.Context, started chan<- struct{}) error {
	if started != nil {
		close(started)
	}

	for {
		if p.unacceptableLimitReached() {
			p.channel.End()
			return nil
		}
		if ctx.Err() != nil {
			p.logger.Debug("context cancelled, stopping pump", zap.String("channel", p.channel.Name()))
			p.channel.End()
			return nil
		}

		m, err := p.channel.Receive(ctx, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				p.channel.End()
				return nil
			}
			metrics.ChannelFailuresTotal.WithLabelValues(p.channel.Name()).Inc()
			var cf *coreerrs.ChannelFailureError
			if errors.As(err, &cf) {
				p.logger.Warn("channel failure receiving message, retrying", zap.String("channel", p.channel.Name()), zap.Error(err))
				continue
			}
			p.logger.Warn("unexpected error receiving message", zap.String("channel", p.channel.Name()), zap.Error(err))
			continue
		}
		if m == nil {
			// Invariant violation: a gateway must never return a nil
			// message. Treat it the same as any other channel failure and
			// retry on the next iteration.
			p.logger.Error("channel returned a nil message", zap.String("channel", p.channel.Name()))
			continue
		}
		metrics.MessagesReceivedTotal.WithLabelValues(p.channel.Name(), m.Header.MessageType.String()).Inc()

		switch m.Header.MessageType {
		case message.None:
			time.Sleep(p.timeout)
			continue
		case message.Quit:
			p.logger.Debug("quit received, stopping pump", zap.String("channel", p.channel.Name()))
			p.channel.End()
			return nil
		case message.Unacceptable:
			p.logger.Debug("unacceptable message, acknowledging and counting", zap.String("channel", p.channel.Name()), zap.Stringer("message_id", m.ID()))
			p.acknowledgeWithOutcome(m, "unacceptable")
			p.unacceptableCount++
			continue
		}

		if fatal := p.dispatchWithHeartbeat(ctx, m); fatal != nil {
			p.channel.End()
			return fatal
		}
	}
}

// dispatchWithHeartbeat wraps translate+dispatch in the heartbeat scope:
// entering requests continuous heartbeats (a no-op unless long-running),
// and every exit path - success, defer, configuration error, any other
// handler error - cancels them before the next receive. It returns a
// non-nil error only for a fatal *errs.ConfigurationError.
func (p *MessagePump) dispatchWithHeartbeat(ctx context.Context, m *message.Message) error {
	cancel := p.channel.StartHeartbeat()
	defer cancel()

	request, err := p.translate(m)
	if err != nil {
		var cfg *coreerrs.ConfigurationError
		if errors.As(err, &cfg) {
			return err
		}
		p.logger.Error("failed to translate message", zap.String("channel", p.channel.Name()), zap.Stringer("message_id", m.ID()), zap.Error(err))
		p.acknowledgeWithOutcome(m, "translate_failed")
		return nil
	}

	if err := p.dispatch(ctx, m.Header, request); err != nil {
		var deferErr *coreerrs.DeferMessageError
		if errors.As(err, &deferErr) {
			p.requeue(m)
			return nil
		}
		p.logger.Error("failed to dispatch message", zap.String("channel", p.channel.Name()), zap.Stringer("message_id", m.ID()), zap.Error(err))
		p.acknowledgeWithOutcome(m, "dispatch_failed")
		return nil
	}

	p.acknowledgeWithOutcome(m, "dispatched")
	return nil
}

func (p *MessagePump) translate(m *message.Message) (messaging.Request, error) {
	if p.mapper == nil {
		return nil, coreerrs.NewConfiguration("missing mapper function for message topic %q", m.Header.Topic)
	}
	return p.mapper(m)
}

func (p *MessagePump) dispatch(ctx context.Context, header message.Header, req messaging.Request) error {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(p.channel.Name()).Observe(time.Since(start).Seconds())
	}()

	switch header.MessageType {
	case message.Command:
		return p.dispatcher.Send(ctx, req)
	case message.Event:
		return p.dispatcher.Publish(ctx, req)
	default:
		return nil
	}
}

func (p *MessagePump) acknowledge(m *message.Message) {
	p.logger.Debug("acknowledging message", zap.String("channel", p.channel.Name()), zap.Stringer("message_id", m.ID()))
	if err := p.channel.Acknowledge(m); err != nil {
		p.logger.Error("failed to acknowledge message", zap.String("channel", p.channel.Name()), zap.Stringer("message_id", m.ID()), zap.Error(err))
	}
}

func (p *MessagePump) acknowledgeWithOutcome(m *message.Message, outcome string) {
	p.acknowledge(m)
	metrics.MessagesAcknowledgedTotal.WithLabelValues(p.channel.Name(), outcome).Inc()
}

// requeue enforces the bounded-requeue invariant: for a finite
// RequeueCount=N, requeue is attempted at most N-1 times before the Nth
// defer acknowledges (and drops) the message instead.
func (p *MessagePump) requeue(m *message.Message) {
	bumped := m.WithIncrementedHandledCount()

	if p.requeueCount > 0 && bumped.HandledCountReached(p.requeueCount) {
		p.logger.Error("dropping message after exceeding requeue limit",
			zap.String("channel", p.channel.Name()),
			zap.Stringer("message_id", bumped.ID()),
			zap.Int("requeue_count", p.requeueCount),
			zap.String("body", bumped.Body.Value()),
		)
		metrics.MessagesDroppedPoisonTotal.WithLabelValues(p.channel.Name()).Inc()
		p.acknowledgeWithOutcome(bumped, "deferred_then_dropped")
		return
	}

	p.logger.Debug("requeueing message", zap.String("channel", p.channel.Name()), zap.Stringer("message_id", bumped.ID()))
	if err := p.channel.Requeue(bumped); err != nil {
		p.logger.Error("failed to requeue message", zap.String("channel", p.channel.Name()), zap.Stringer("message_id", bumped.ID()), zap.Error(err))
		return
	}
	metrics.MessagesRequeuedTotal.WithLabelValues(p.channel.Name()).Inc()
}

func (p *MessagePump) unacceptableLimitReached() bool {
	return p.unacceptableCount >= p.unacceptableLimit
}
