package pump_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/brightercommand/brightside-go/internal/channel"
	coreerrs "github.com/brightercommand/brightside-go/internal/errs"
	"github.com/brightercommand/brightside-go/internal/gateway/memory"
	"github.com/brightercommand/brightside-go/internal/message"
	"github.com/brightercommand/brightside-go/internal/messaging"
	"github.com/brightercommand/brightside-go/internal/pump"
)

// recordingDispatcher is a test double messaging.RequestDispatcher: it
// records every request it sees and can be configured to return a fixed
// error (including a *errs.DeferMessageError).
type recordingDispatcher struct {
	mu        sync.Mutex
	sent      []messaging.Request
	published []messaging.Request
	err       error
}

func (d *recordingDispatcher) Send(ctx context.Context, req messaging.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, req)
	return d.err
}

func (d *recordingDispatcher) Publish(ctx context.Context, req messaging.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, req)
	return d.err
}

func (d *recordingDispatcher) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func identityMapper(m *message.Message) (messaging.Request, error) {
	return m, nil
}

func runPump(t *testing.T, gw *memory.Gateway, rd messaging.RequestDispatcher, mapper messaging.RequestMapper, opts pump.Options) error {
	t.Helper()
	pipeline := make(chan *message.Message, 1)
	ch := channel.New("test", gw, pipeline)
	mp := pump.New(rd, ch, mapper, opts, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	started := make(chan struct{})
	return mp.Run(ctx, started)
}

// Happy path: a COMMAND is received, dispatched, and acknowledged; the
// pump exits cleanly once it observes QUIT.
func TestMessagePump_HappyPathDispatchesAndAcknowledges(t *testing.T) {
	cmd := message.NewCommand("orders.create", message.Body{Bytes: []byte("{}"), Type: message.BodyTypeJSON})
	gw := memory.New(cmd, message.NewQuit())
	rd := &recordingDispatcher{}

	if err := runPump(t, gw, rd, identityMapper, pump.Options{Timeout: 10 * time.Millisecond}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rd.sentCount() != 1 {
		t.Errorf("expected 1 dispatched command, got %d", rd.sentCount())
	}
	if !gw.HasAcknowledged(cmd) {
		t.Error("expected the command to have been acknowledged")
	}
}

// A message the gateway could not parse is UNACCEPTABLE: it is
// acknowledged and counted toward the poison limit, never dispatched.
func TestMessagePump_UnacceptableMessageIsAcknowledgedNotDispatched(t *testing.T) {
	bad := message.NewUnacceptable("orders.create", []byte("not json"))
	gw := memory.New(bad, message.NewQuit())
	rd := &recordingDispatcher{}

	if err := runPump(t, gw, rd, identityMapper, pump.Options{Timeout: 10 * time.Millisecond}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rd.sentCount() != 0 {
		t.Errorf("expected no dispatch for an unacceptable message, got %d", rd.sentCount())
	}
	if !gw.HasAcknowledged(bad) {
		t.Error("expected the unacceptable message to have been acknowledged")
	}
}

// A flood of unacceptable messages trips the poison-message limit and the
// pump stops on its own, without ever seeing QUIT.
func TestMessagePump_PoisonFloodTripsUnacceptableLimit(t *testing.T) {
	gw := memory.New()
	for i := 0; i < 5; i++ {
		gw.Seed(message.NewUnacceptable("orders.create", []byte("garbage")))
	}
	rd := &recordingDispatcher{}

	err := runPump(t, gw, rd, identityMapper, pump.Options{Timeout: 5 * time.Millisecond, UnacceptableLimit: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.Len() != 2 {
		t.Errorf("expected the pump to stop after 3 poison messages, leaving 2 unread, got %d", gw.Len())
	}
}

// A DeferMessageError from the dispatcher requeues the message rather than
// acknowledging it, and bumps its handled count.
func TestMessagePump_DeferRequeuesMessage(t *testing.T) {
	cmd := message.NewCommand("orders.create", message.Body{Bytes: []byte("{}"), Type: message.BodyTypeJSON})
	gw := memory.New(cmd)
	rd := &recordingDispatcher{err: coreerrs.NewDeferMessage("downstream not ready")}

	pipeline := make(chan *message.Message, 1)
	ch := channel.New("test", gw, pipeline)
	mp := pump.New(rd, ch, identityMapper, pump.Options{Timeout: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = mp.Run(ctx, nil)

	if gw.HasAcknowledged(cmd) {
		t.Error("a deferred message must not be acknowledged")
	}
	requeued := gw.Requeued()
	if len(requeued) == 0 {
		t.Fatal("expected the message to have been requeued at least once")
	}
	if requeued[0].Header.HandledCount != 1 {
		t.Errorf("expected handled count 1 after first requeue, got %d", requeued[0].Header.HandledCount)
	}
}

// Once the requeue count is reached, the pump stops requeuing and
// acknowledges (drops) the message instead of looping forever.
func TestMessagePump_RequeueLimitDropsMessage(t *testing.T) {
	cmd := message.NewCommand("orders.create", message.Body{Bytes: []byte("{}"), Type: message.BodyTypeJSON})
	gw := memory.New(cmd)
	rd := &recordingDispatcher{err: coreerrs.NewDeferMessage("downstream not ready")}

	pipeline := make(chan *message.Message, 1)
	ch := channel.New("test", gw, pipeline)
	mp := pump.New(rd, ch, identityMapper, pump.Options{Timeout: 2 * time.Millisecond, RequeueCount: 2}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = mp.Run(ctx, nil)

	if gw.Len() != 0 {
		t.Fatalf("expected the message to eventually stop being requeued, queue still has %d", gw.Len())
	}
}

// A missing mapper is fatal: Run returns a *errs.ConfigurationError rather
// than looping, and the channel is still ended.
func TestMessagePump_MissingMapperIsFatal(t *testing.T) {
	cmd := message.NewCommand("orders.create", message.Body{Bytes: []byte("{}"), Type: message.BodyTypeJSON})
	gw := memory.New(cmd)
	rd := &recordingDispatcher{}

	pipeline := make(chan *message.Message, 1)
	ch := channel.New("test", gw, pipeline)
	mp := pump.New(rd, ch, nil, pump.Options{Timeout: 10 * time.Millisecond}, zap.NewNop())

	err := mp.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected a fatal error when no mapper is configured")
	}
	var cfgErr *coreerrs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected a *errs.ConfigurationError, got %T: %v", err, err)
	}
	if ch.State() != channel.Stopped {
		t.Errorf("expected channel to be ended after a fatal error, got %s", ch.State())
	}
}
