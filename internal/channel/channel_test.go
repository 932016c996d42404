package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/brightercommand/brightside-go/internal/channel"
	"github.com/brightercommand/brightside-go/internal/gateway/memory"
	"github.com/brightercommand/brightside-go/internal/message"
)

func newTestMessage() *message.Message {
	return message.NewCommand("test.topic", message.Body{Bytes: []byte("test message"), Type: message.BodyTypeText})
}

// Given that I have a channel, when I receive on that channel, then I
// should get the message via the gateway.
func TestChannel_ReceiveDelegatesToGateway(t *testing.T) {
	m := newTestMessage()
	gw := memory.New(m)
	ch := channel.New("test", gw, make(chan *message.Message, 1))

	got, err := ch.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Body.Value() != m.Body.Value() {
		t.Errorf("expected body %q, got %q", m.Body.Value(), got.Body.Value())
	}
	if got.Header.Topic != m.Header.Topic {
		t.Errorf("expected topic %q, got %q", m.Header.Topic, got.Header.Topic)
	}
	if gw.Len() != 0 {
		t.Errorf("expected gateway queue drained, got %d remaining", gw.Len())
	}
	if ch.State() != channel.Started {
		t.Errorf("expected state STARTED after a successful receive, got %s", ch.State())
	}
}

// Given that I have a channel, when I stop that channel, then the next
// receive should observe QUIT from the pipeline rather than the gateway.
func TestChannel_StopInjectsQuitAheadOfGateway(t *testing.T) {
	m := newTestMessage()
	gw := memory.New(m)
	pipeline := make(chan *message.Message, 1)
	ch := channel.New("test", gw, pipeline)

	ch.Stop()

	got, err := ch.Receive(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Header.MessageType != message.Quit {
		t.Errorf("expected QUIT, got %s", got.Header.MessageType)
	}
	if gw.Len() != 1 {
		t.Errorf("expected gateway queue untouched, got %d remaining", gw.Len())
	}
}

// Given that I have a channel, when I acknowledge a message, then the
// gateway should record it as acknowledged.
func TestChannel_AcknowledgeForwardsToGateway(t *testing.T) {
	m := newTestMessage()
	gw := memory.New()
	ch := channel.New("test", gw, make(chan *message.Message, 1))

	if err := ch.Acknowledge(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gw.HasAcknowledged(m) {
		t.Errorf("expected gateway to have acknowledged message %s", m.ID())
	}
}

// Given that I have a channel, when I requeue a message, then the gateway
// should see it requeued.
func TestChannel_RequeueForwardsToGateway(t *testing.T) {
	m := newTestMessage()
	gw := memory.New()
	ch := channel.New("test", gw, make(chan *message.Message, 1))

	if err := ch.Requeue(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requeued := gw.Requeued()
	if len(requeued) != 1 || requeued[0].ID() != m.ID() {
		t.Errorf("expected message requeued on gateway, got %v", requeued)
	}
}

// Given that a channel has been ended, receiving on it should fail rather
// than resume listening.
func TestChannel_ReceiveAfterEndFails(t *testing.T) {
	gw := memory.New()
	ch := channel.New("test", gw, make(chan *message.Message, 1))

	ch.End()

	if _, err := ch.Receive(context.Background(), time.Second); err == nil {
		t.Error("expected an error receiving on an ended channel")
	}
	if ch.State() != channel.Stopped {
		t.Errorf("expected state STOPPED, got %s", ch.State())
	}
}
