package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightercommand/brightside-go/internal/dispatcher"
	coreerrs "github.com/brightercommand/brightside-go/internal/errs"
	"github.com/brightercommand/brightside-go/internal/gateway/memory"
	"github.com/brightercommand/brightside-go/internal/message"
	"github.com/brightercommand/brightside-go/internal/messaging"
	"github.com/brightercommand/brightside-go/internal/pump"
)

// nopDispatcher never fails a dispatch, so registered consumers run
// forever until stopped with QUIT.
type nopDispatcher struct{}

func (nopDispatcher) Send(ctx context.Context, req messaging.Request) error    { return nil }
func (nopDispatcher) Publish(ctx context.Context, req messaging.Request) error { return nil }

// gatewayFactory returns a dispatcher.GatewayFactory that builds one fresh
// memory.Gateway per call, appending each to gateways so tests can assert
// against them after the fact (how many were built, and by which call).
func gatewayFactory(gateways *[]*memory.Gateway, seed ...*message.Message) dispatcher.GatewayFactory {
	return func(name string, cfg messaging.ConsumerConfiguration) (messaging.ConsumerGateway, error) {
		gw := memory.New(seed...)
		*gateways = append(*gateways, gw)
		return gw, nil
	}
}

func registration(factory dispatcher.GatewayFactory) dispatcher.ConsumerRegistration {
	return dispatcher.ConsumerRegistration{
		Configuration:     messaging.ConsumerConfiguration{QueueName: "orders"},
		GatewayFactory:    factory,
		RequestDispatcher: nopDispatcher{},
		Mapper:            func(m *message.Message) (messaging.Request, error) { return m, nil },
		PumpOptions:       pump.Options{Timeout: 5 * time.Millisecond},
	}
}

// Given a registered consumer, when I call Receive, then it should
// transition to RUNNING and have built exactly one gateway for it.
func TestDispatcher_ReceiveStartsRegisteredConsumers(t *testing.T) {
	var gateways []*memory.Gateway
	reg := registration(gatewayFactory(&gateways))
	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{"orders": reg}, dispatcher.Options{StartTimeout: time.Second}, zap.NewNop())

	require.NoError(t, d.Receive(context.Background()))
	require.Equal(t, dispatcher.Running, d.State())
	require.Len(t, gateways, 1)

	require.NoError(t, d.End())
}

// Given a running dispatcher, when I call End, then every performer should
// be sent QUIT and joined, and the dispatcher should land on STOPPED.
func TestDispatcher_EndStopsPerformersAndTransitionsToStopped(t *testing.T) {
	var gateways []*memory.Gateway
	reg := registration(gatewayFactory(&gateways))
	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{"orders": reg}, dispatcher.Options{StartTimeout: time.Second, StopTimeout: time.Second}, zap.NewNop())

	require.NoError(t, d.Receive(context.Background()))
	require.NoError(t, d.End())
	assert.Equal(t, dispatcher.Stopped, d.State())

	// Calling End again on an already-stopped dispatcher is a no-op.
	assert.NoError(t, d.End())
}

// Given a running dispatcher whose StopTimeout is too tight for its
// performer to join, End should still return (with a timeout error
// aggregated for a performer that did not join) rather than hanging
// forever, and land on STOPPED.
func TestDispatcher_EndReturnsDespiteTightStopTimeout(t *testing.T) {
	var gateways []*memory.Gateway
	reg := registration(gatewayFactory(&gateways))
	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{"orders": reg}, dispatcher.Options{
		StartTimeout: time.Second,
		StopTimeout:  1 * time.Millisecond,
	}, zap.NewNop())

	require.NoError(t, d.Receive(context.Background()))

	// A 1ms stop timeout is implausibly tight for a real pump to join
	// within; End must still return (possibly with an aggregated error)
	// rather than block indefinitely.
	done := make(chan error, 1)
	go func() { done <- d.End() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("End did not return within the test's own timeout")
	}
	assert.Equal(t, dispatcher.Stopped, d.State())
}

// Given a RUNNING dispatcher, Open should hot-start the named consumer
// without disturbing the others, building a fresh gateway for it.
func TestDispatcher_OpenHotStartsUnderRunning(t *testing.T) {
	var ordersGateways, invoicesGateways []*memory.Gateway
	ordersReg := registration(gatewayFactory(&ordersGateways))
	invoicesReg := registration(gatewayFactory(&invoicesGateways))

	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{
		"orders":   ordersReg,
		"invoices": invoicesReg,
	}, dispatcher.Options{StartTimeout: time.Second, StopTimeout: time.Second}, zap.NewNop())

	require.NoError(t, d.Receive(context.Background()))
	require.Len(t, ordersGateways, 1)
	require.Len(t, invoicesGateways, 1)

	require.NoError(t, d.Open(context.Background(), "orders"))
	assert.Equal(t, dispatcher.Running, d.State())
	assert.Len(t, ordersGateways, 2, "Open should rebuild the orders gateway")
	assert.Len(t, invoicesGateways, 1, "invoices should be untouched by Open")

	require.NoError(t, d.End())
}

// Given a STOPPED dispatcher, Open should rebuild the whole supervisor
// (equivalent to calling Receive again).
func TestDispatcher_OpenRebuildsUnderStopped(t *testing.T) {
	var gateways []*memory.Gateway
	reg := registration(gatewayFactory(&gateways))
	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{"orders": reg}, dispatcher.Options{StartTimeout: time.Second, StopTimeout: time.Second}, zap.NewNop())

	require.NoError(t, d.Receive(context.Background()))
	require.NoError(t, d.End())
	require.Equal(t, dispatcher.Stopped, d.State())

	require.NoError(t, d.Open(context.Background(), "orders"))
	assert.Equal(t, dispatcher.Running, d.State())

	require.NoError(t, d.End())
}

// Opening an unregistered consumer name is a fatal configuration error,
// regardless of the dispatcher's current state.
func TestDispatcher_OpenUnknownConsumerIsConfigurationError(t *testing.T) {
	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{}, dispatcher.Options{}, zap.NewNop())

	err := d.Open(context.Background(), "does-not-exist")
	require.Error(t, err)
	var cfgErr *coreerrs.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

// Purge is rejected while the named consumer's performer is running.
func TestDispatcher_PurgeRejectedWhileRunning(t *testing.T) {
	var gateways []*memory.Gateway
	reg := registration(gatewayFactory(&gateways))
	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{"orders": reg}, dispatcher.Options{StartTimeout: time.Second, StopTimeout: time.Second}, zap.NewNop())

	require.NoError(t, d.Receive(context.Background()))

	err := d.Purge("orders")
	require.Error(t, err)
	var msgErr *coreerrs.MessagingError
	assert.ErrorAs(t, err, &msgErr)

	require.NoError(t, d.End())
}

// Purge succeeds once the consumer is not running, and delegates to the
// gateway it builds for that single call.
func TestDispatcher_PurgeSucceedsWhenNotRunning(t *testing.T) {
	var gateways []*memory.Gateway
	reg := registration(gatewayFactory(&gateways))
	d := dispatcher.New(map[string]dispatcher.ConsumerRegistration{"orders": reg}, dispatcher.Options{}, zap.NewNop())

	require.NoError(t, d.Purge("orders"))
	require.Len(t, gateways, 1)
	assert.True(t, gateways[0].Purged())
	assert.True(t, gateways[0].Closed())
}
