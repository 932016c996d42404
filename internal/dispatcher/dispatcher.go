// Package dispatcher implements the supervisor: it owns the named registry
// of ConsumerConfigurations, starts one Performer (goroutine-wrapped
// MessagePump) per registered consumer, and orchestrates their cooperative
// shutdown. A goroutine-per-Performer substitutes for the original's
// process-per-Performer isolation (there is no GIL to escape in Go); a
// panic in one Performer's pump is recovered and surfaced as an error
// rather than unwinding the supervisor.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brightercommand/brightside-go/internal/channel"
	"github.com/brightercommand/brightside-go/internal/errs"
	"github.com/brightercommand/brightside-go/internal/message"
	"github.com/brightercommand/brightside-go/internal/messaging"
	"github.com/brightercommand/brightside-go/internal/metrics"
	"github.com/brightercommand/brightside-go/internal/pump"
)

// State is the Dispatcher's lifecycle state.
type State int

const (
	NotReady State = iota
	Awaiting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "NOTREADY"
	case Awaiting:
		return "AWAITING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// GatewayFactory builds the ConsumerGateway for one named consumer. Called
// once per Performer start (including every hot restart via Open).
type GatewayFactory func(name string, cfg messaging.ConsumerConfiguration) (messaging.ConsumerGateway, error)

// ConsumerRegistration is everything the Dispatcher needs to run one
// consumer: how to build its gateway, the RequestDispatcher its pump sends
// to, the RequestMapper that translates wire messages, and the pump's own
// tuning. It mirrors the original's ConsumerConfiguration.
type ConsumerRegistration struct {
	Configuration     messaging.ConsumerConfiguration
	GatewayFactory    GatewayFactory
	RequestDispatcher messaging.RequestDispatcher
	Mapper            messaging.RequestMapper
	PumpOptions       pump.Options
}

// performer wraps one running (or not-yet-started) MessagePump. Unlike the
// original's subprocess, a performer's pump runs in a goroutine recovered
// against panics.
type performer struct {
	name string
	reg  ConsumerRegistration

	pipeline chan *message.Message
	done     chan struct{}
	runErr   error
}

func newPerformer(name string, reg ConsumerRegistration) *performer {
	return &performer{
		name:     name,
		reg:      reg,
		pipeline: make(chan *message.Message, 1),
		done:     make(chan struct{}),
	}
}

// start builds the gateway and channel for this performer and launches its
// pump in a new goroutine. started is closed once the pump has begun its
// main loop (mirrors the original's started_event).
func (p *performer) start(ctx context.Context, logger *zap.Logger, started chan<- struct{}) error {
	gw, err := p.reg.GatewayFactory(p.name, p.reg.Configuration)
	if err != nil {
		return fmt.Errorf("building gateway for consumer %q: %w", p.name, err)
	}

	ch := channel.New(p.name, gw, p.pipeline)
	mp := pump.New(p.reg.RequestDispatcher, ch, p.reg.Mapper, p.reg.PumpOptions, logger)

	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.runErr = fmt.Errorf("performer %q panicked: %v", p.name, r)
				logger.Error("performer panic recovered", zap.String("consumer", p.name), zap.Any("panic", r))
			}
			if closeErr := gw.Close(); closeErr != nil {
				logger.Warn("error closing gateway", zap.String("consumer", p.name), zap.Error(closeErr))
			}
		}()
		if err := mp.Run(ctx, started); err != nil {
			p.runErr = fmt.Errorf("consumer %q: %w", p.name, err)
			logger.Error("message pump exited with a fatal error", zap.String("consumer", p.name), zap.Error(err))
		}
	}()

	return nil
}

// stop injects a QUIT sentinel; it does not wait for the pump to exit.
func (p *performer) stop() {
	select {
	case p.pipeline <- message.NewQuit():
	default:
		// Pipeline already holds a pending control message; the pump will
		// drain it and observe ours on its next receive once there's room.
		go func() { p.pipeline <- message.NewQuit() }()
	}
}

// join waits up to timeout for the performer's pump to exit, returning its
// terminal error (from a panic or a fatal Configuration error) if any.
func (p *performer) join(timeout time.Duration) error {
	select {
	case <-p.done:
		return p.runErr
	case <-time.After(timeout):
		return fmt.Errorf("performer %q did not stop within %s", p.name, timeout)
	}
}

// Options tunes the Dispatcher's supervision timings.
type Options struct {
	// StartTimeout bounds how long Receive waits for each performer to
	// report its started event. Defaults to 3s (the original's default).
	StartTimeout time.Duration
	// StopTimeout bounds how long End waits for each performer to join
	// after a stop is requested. Defaults to 10s (the original's default).
	StopTimeout time.Duration
}

// Dispatcher is the supervisor. NOTREADY->AWAITING on construction,
// AWAITING->RUNNING on Receive, RUNNING->STOPPED on End. Open can hot-start
// a single consumer under RUNNING, or rebuild the whole supervisor from
// STOPPED.
type Dispatcher struct {
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	state      State
	registry   map[string]ConsumerRegistration
	performers map[string]*performer
	runCtx     context.Context
	cancel     context.CancelFunc
	supervisor chan struct{}
}

// New constructs a Dispatcher in state AWAITING, registered with consumers
// keyed by name. It does not start anything; call Receive to do that.
func New(consumers map[string]ConsumerRegistration, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 3 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := make(map[string]ConsumerRegistration, len(consumers))
	for k, v := range consumers {
		registry[k] = v
	}
	return &Dispatcher{
		logger:     logger,
		opts:       opts,
		state:      Awaiting,
		registry:   registry,
		performers: make(map[string]*performer),
	}
}

// State returns the Dispatcher's current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Receive starts a Performer for every registered consumer and transitions
// to RUNNING. It blocks only long enough to launch each performer and wait
// for its started event (bounded by StartTimeout); the supervisor goroutine
// that then watches for End runs independently. Calling Receive when not
// AWAITING is a no-op, matching the original.
func (d *Dispatcher) Receive(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Awaiting {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.runCtx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	// Performers are started concurrently rather than one at a time: each
	// still waits on its own started event, so there's no reason the N-th
	// registration should pay for the first N-1 performers' dial latency.
	// Each pump runs on runCtx rather than on an errgroup context, which
	// would be cancelled as soon as Wait returns. errgroup collects the
	// first startup failure, and Receive then cancels runCtx so the
	// performers that did start are stopped rather than left orphaned.
	var g errgroup.Group
	for name, reg := range d.registry {
		name, reg := name, reg
		g.Go(func() error { return d.startPerformer(runCtx, name, reg) })
	}
	if err := g.Wait(); err != nil {
		cancel()
		return err
	}

	d.mu.Lock()
	d.state = Running
	metrics.DispatcherState.Set(float64(Running))
	d.supervisor = make(chan struct{})
	d.mu.Unlock()

	go d.supervise(runCtx)

	return nil
}

func (d *Dispatcher) startPerformer(ctx context.Context, name string, reg ConsumerRegistration) error {
	p := newPerformer(name, reg)
	started := make(chan struct{})
	if err := p.start(ctx, d.logger, started); err != nil {
		return err
	}

	select {
	case <-started:
	case <-time.After(d.opts.StartTimeout):
		d.logger.Warn("performer did not confirm startup within timeout", zap.String("consumer", name), zap.Duration("timeout", d.opts.StartTimeout))
	}

	d.mu.Lock()
	d.performers[name] = p
	d.mu.Unlock()
	metrics.ActivePerformers.Inc()

	return nil
}

// supervise yields until the Dispatcher leaves RUNNING, mirroring the
// original's polling loop (a sleep-based supervisor thread). It exists so
// End has something to join: once it observes a non-RUNNING state it closes
// the supervisor channel and returns.
func (d *Dispatcher) supervise(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.closeSupervisor()
			return
		case <-ticker.C:
			if d.State() != Running {
				d.closeSupervisor()
				return
			}
		}
	}
}

func (d *Dispatcher) closeSupervisor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.supervisor != nil {
		select {
		case <-d.supervisor:
		default:
			close(d.supervisor)
		}
	}
}

// End stops every running performer, waits (bounded by StopTimeout) for
// each to join, and transitions to STOPPED. Errors from individual
// performers (panics, fatal configuration errors, timeouts) are aggregated
// rather than discarded.
func (d *Dispatcher) End() error {
	d.mu.Lock()
	if d.state != Running {
		d.state = Stopped
		metrics.DispatcherState.Set(float64(Stopped))
		d.mu.Unlock()
		return nil
	}
	d.state = Stopping
	metrics.DispatcherState.Set(float64(Stopping))
	performers := make(map[string]*performer, len(d.performers))
	for k, v := range d.performers {
		performers[k] = v
	}
	cancel := d.cancel
	supervisor := d.supervisor
	d.mu.Unlock()

	var result error
	for name, p := range performers {
		p.stop()
		if err := p.join(d.opts.StopTimeout); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping consumer %q: %w", name, err))
		}
		metrics.ActivePerformers.Dec()
	}

	if cancel != nil {
		cancel()
	}
	if supervisor != nil {
		select {
		case <-supervisor:
		case <-time.After(5 * time.Second):
			result = multierror.Append(result, fmt.Errorf("supervisor did not stop within 5s"))
		}
	}

	d.mu.Lock()
	d.performers = make(map[string]*performer)
	d.runCtx = nil
	d.cancel = nil
	d.supervisor = nil
	d.state = Stopped
	metrics.DispatcherState.Set(float64(Stopped))
	d.mu.Unlock()

	return result
}

// Open hot-starts a single registered consumer. Under RUNNING it starts
// (or restarts, if already present) just that performer without disturbing
// the others — the original recorded a Performer here but never actually
// started it under this branch; this resolves that gap (see SPEC_FULL.md
// §13). Under STOPPED it rebuilds the whole supervisor via Receive. Any
// other state, or an unregistered name, is a *errs.MessagingError /
// *errs.ConfigurationError respectively.
func (d *Dispatcher) Open(ctx context.Context, name string) error {
	d.mu.Lock()
	reg, ok := d.registry[name]
	state := d.state
	d.mu.Unlock()

	if !ok {
		return errs.NewConfiguration("the consumer %q could not be found, did you register it?", name)
	}

	switch state {
	case Running:
		d.mu.Lock()
		runCtx := d.runCtx
		existing, hasExisting := d.performers[name]
		d.mu.Unlock()
		if hasExisting {
			existing.stop()
			_ = existing.join(d.opts.StopTimeout)
			metrics.ActivePerformers.Dec()
		}
		return d.startPerformer(runCtx, name, reg)
	case Stopped:
		d.mu.Lock()
		d.state = Awaiting
		metrics.DispatcherState.Set(float64(Awaiting))
		d.mu.Unlock()
		return d.Receive(ctx)
	default:
		return errs.NewMessaging("dispatcher in an unrecognised state %s to open consumer %q", state, name)
	}
}

// Purge discards all outstanding messages on the named consumer's queue.
// Only safe when that consumer's performer is not running, to avoid racing
// the broker drain against in-flight consumption (see SPEC_FULL.md §12).
func (d *Dispatcher) Purge(name string) error {
	d.mu.Lock()
	_, running := d.performers[name]
	reg, registered := d.registry[name]
	d.mu.Unlock()

	if !registered {
		return errs.NewConfiguration("the consumer %q could not be found, did you register it?", name)
	}
	if running {
		return errs.NewMessaging("cannot purge consumer %q while it is running; stop it first", name)
	}

	gw, err := reg.GatewayFactory(name, reg.Configuration)
	if err != nil {
		return fmt.Errorf("building gateway for consumer %q: %w", name, err)
	}
	defer gw.Close()
	return gw.Purge()
}
