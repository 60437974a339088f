package msgbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/objectbus/config"
	"github.com/jeeves-cluster-organization/objectbus/observability"
	"github.com/jeeves-cluster-organization/objectbus/poller"
)

// Bus is the message bus: the routing table mapping proxies to objects,
// the double-buffered message queue driving the event loop, and the
// error-propagation state.
//
// Scheduling model: single-threaded cooperative. All dispatch, object
// construction and destruction, link-table mutation, timer callbacks,
// and error handling run on one goroutine, the loop thread. Exactly one
// operation is safe from other goroutines: Queue. Handlers must not
// block; a handler that needs to wait arms a timer or descriptor watch
// on the Poller and returns.
//
// Usage:
//
//	bus := msgbus.New(nil)
//	bus.Register(&echoFactory)
//	o := bus.CreateObject(echoIface)
//	...
//	os.Exit(bus.Run())
type Bus struct {
	cfg    *config.BusConfig
	logger Logger
	tracer oteltrace.Tracer

	// Message queues. During each loop iteration the input queue is
	// read and the output queue is written; then they are swapped.
	inQ   []*Msg
	outQ  []*Msg
	outMu sync.Mutex // guards outQ only

	// Object table: registered factories and the routing links.
	factories      []*Factory
	defaultFactory *Factory
	links          []link

	// Last error. A single slot, owned by the bus until forwarded
	// successfully or logged.
	errText string

	// Loop status. Atomic because quit may be requested from the
	// signal goroutine.
	quitting atomic.Bool
	exitCode atomic.Int32

	// Signal shim state and the root application proxy.
	sig      signalState
	appProxy Proxy

	poller *poller.Poller
}

// New creates a bus with the default logger. A nil cfg uses defaults.
func New(cfg *config.BusConfig) *Bus {
	if cfg == nil {
		cfg = config.DefaultBusConfig()
	}
	return NewWithLogger(cfg, newDefaultLogger(cfg.LogLevel))
}

// NewWithLogger creates a bus with a custom logger.
// Use NoopLogger() to disable logging.
func NewWithLogger(cfg *config.BusConfig, logger Logger) *Bus {
	if cfg == nil {
		cfg = config.DefaultBusConfig()
	}
	if logger == nil {
		logger = newDefaultLogger(cfg.LogLevel)
	}
	p, err := poller.New()
	if err != nil {
		// Pipe exhaustion at construction time is not recoverable.
		panic(fmt.Sprintf("msgbus: cannot create poller: %v", err))
	}
	b := &Bus{
		cfg:    cfg,
		logger: logger,
		inQ:    make([]*Msg, 0, cfg.QueueCapacityHint),
		outQ:   make([]*Msg, 0, cfg.QueueCapacityHint),
		poller: p,
	}
	if cfg.EnableTracing {
		b.tracer = observability.Tracer()
	}
	b.logger.Debug("bus_initialized", "metrics", cfg.EnableMetrics, "tracing", cfg.EnableTracing)
	return b
}

// Poller returns the timer and descriptor multiplexer. Loop thread only.
func (b *Bus) Poller() *poller.Poller {
	return b.poller
}

// SetLogger sets the logger. Use NoopLogger() to disable logging.
func (b *Bus) SetLogger(logger Logger) {
	if logger == nil {
		logger = newDefaultLogger(b.cfg.LogLevel)
	}
	b.logger = logger
}

// Reset tears down all links, queues, registrations, and the error
// slot, returning the bus to its initial state. Idempotent.
func (b *Bus) Reset() {
	b.logger.Debug("bus_reset")
	for len(b.links) > 0 {
		b.destroyLinkAt(len(b.links) - 1)
	}
	b.links = nil
	b.outMu.Lock()
	b.outQ = b.outQ[:0]
	b.outMu.Unlock()
	b.inQ = b.inQ[:0]
	b.factories = nil
	b.defaultFactory = nil
	b.errText = ""
	b.appProxy = Proxy{}
	b.stopSignalHandlers()
	if b.cfg.EnableMetrics {
		observability.SetLinkCount(0)
		observability.SetQueueDepth(0)
	}
}

// =============================================================================
// QUEUEING
// =============================================================================

// Queue places msg into the output queue. It is the only operation
// that is safe to call from goroutines other than the loop thread.
//
// The message must be valid: known destination, supported interface, a
// live proxy link, a payload matching the method signature. Violations
// are programmer errors and panic. Like the rest of the link table,
// these checks are unsynchronized; a cross-thread producer must ensure
// the destination proxy is not concurrently being torn down on the
// loop thread.
func (b *Bus) Queue(msg *Msg) {
	if err := msg.validate(); err != nil {
		panic("msgbus: " + err.Error())
	}
	destFactory := b.findFactory(msg.Iface)
	if destFactory == nil {
		panic("msgbus: " + NewUnknownInterfaceError(msg.Iface.Name).Error())
	}
	di := b.findDestinationIndex(msg.Dest)
	if di < 0 {
		panic("msgbus: " + NewUnknownDestinationError(msg.Dest).Error())
	}
	if b.links[di].factory == nil || b.findDTable(b.links[di].factory, msg.Iface) == nil {
		panic("msgbus: " + NewInterfaceNotSupportedError(msg.Iface.Name, msg.Dest).Error())
	}
	if b.linkIndexFor(msg.Dest, msg.Src) < 0 {
		panic("msgbus: " + NewInvalidProxySendError(msg.Src, msg.Dest).Error())
	}

	b.outMu.Lock()
	b.outQ = append(b.outQ, msg)
	depth := len(b.outQ) + len(b.inQ)
	b.outMu.Unlock()

	if b.cfg.EnableMetrics {
		observability.RecordMessageQueued(msg.Iface.Name)
		observability.SetQueueDepth(depth)
	}
	// A producer on another goroutine must interrupt a blocked idle wait.
	b.poller.Wakeup()
}

// queuedMessages returns the combined depth of both queues.
func (b *Bus) queuedMessages() int {
	b.outMu.Lock()
	n := len(b.outQ)
	b.outMu.Unlock()
	return n + len(b.inQ)
}

// hasQueuedFor reports whether either queue holds a message for dest.
func (b *Bus) hasQueuedFor(dest ObjectID) bool {
	for _, m := range b.inQ {
		if m.Dest == dest {
			return true
		}
	}
	b.outMu.Lock()
	defer b.outMu.Unlock()
	for _, m := range b.outQ {
		if m.Dest == dest {
			return true
		}
	}
	return false
}

// drain delivers every message in the input queue, then swaps the
// queues. Messages queued during the drain land in the output queue
// and are delivered next iteration, in submission order. An unhandled
// error stops the drain early; the remaining input messages are
// discarded.
func (b *Bus) drain() {
	// Iterate by index: dispatched handlers may destroy the
	// destination object, which only drops later messages to it.
	for m := 0; m < len(b.inQ); m++ {
		msg := b.inQ[m]
		if b.cfg.DebugMsgTrace {
			b.logger.Debug("message_trace",
				"id", msg.ID.String(),
				"src", msg.Src,
				"dest", msg.Dest,
				"interface", msg.Iface.Name,
				"method", msg.MethodName(),
				"size", msg.Size(),
			)
		}
		i := b.findOrCreateDestinationIndex(msg)
		if i < 0 {
			// Destination deleted after the message was sent.
			if b.cfg.EnableMetrics {
				observability.RecordMessageDropped()
			}
			continue
		}
		dt := b.findDTable(b.links[i].factory, msg.Iface)
		if dt == nil {
			// The factory set changed since enqueue validated it.
			panic("msgbus: " + NewInterfaceNotSupportedError(msg.Iface.Name, msg.Dest).Error())
		}
		b.dispatch(dt, b.links[i].obj, msg)
		// After each message, check for generated errors.
		if b.errText != "" && !b.ForwardError(msg.Src, msg.Dest) {
			// Nobody handled it: report and quit.
			b.logger.Error("error_unhandled", "error", b.errText)
			if b.cfg.EnableMetrics {
				observability.RecordError("unhandled")
			}
			b.errText = ""
			b.Quit(1)
			break
		}
	}
	// Free the input queue and make the output queue the input queue
	// for the next round.
	for m := range b.inQ {
		b.inQ[m] = nil
	}
	b.inQ = b.inQ[:0]
	b.outMu.Lock()
	b.inQ, b.outQ = b.outQ, b.inQ
	b.outMu.Unlock()
}

// dispatch invokes the interface dispatch function for one message.
func (b *Bus) dispatch(dt *DTable, o any, msg *Msg) {
	var span oteltrace.Span
	if b.tracer != nil {
		_, span = b.tracer.Start(context.Background(), "msgbus.dispatch",
			oteltrace.WithAttributes(
				attribute.String("msg.id", msg.ID.String()),
				attribute.String("msg.interface", msg.Iface.Name),
				attribute.String("msg.method", msg.MethodName()),
				attribute.Int("msg.src", int(msg.Src)),
				attribute.Int("msg.dest", int(msg.Dest)),
			))
	}
	start := time.Now()
	if b.cfg.RecoverHandlerPanics {
		b.safeDispatch(dt, o, msg)
	} else {
		dt.Iface.Dispatch(dt, o, msg)
	}
	if b.cfg.EnableMetrics {
		observability.RecordMessageDispatched(msg.Iface.Name, msg.MethodName(), time.Since(start).Seconds())
	}
	if span != nil {
		span.End()
	}
}

// =============================================================================
// ERROR PROPAGATION
// =============================================================================

// Errorf raises an error to be handled at the next ForwardError call.
// The first call stores the message; later calls before the next
// delivery append to it.
func (b *Bus) Errorf(format string, args ...any) {
	e := fmt.Sprintf(format, args...)
	if b.errText == "" {
		b.errText = e
	} else {
		b.errText += "\n\t" + e
	}
	b.logger.Debug("error_set", "error", b.errText)
}

// HasError reports whether an error is pending.
func (b *Bus) HasError() bool { return b.errText != "" }

// ForwardError forwards the pending error to object oid, naming eoid as
// the failed object. If the object cannot handle the error it is
// forwarded to its creator, one hop at a time; false is returned when
// the whole chain declines. ForwardError runs automatically after any
// delivery that raised an error; manual invocation is only needed when
// a failure produces errors off the creator chain.
func (b *Bus) ForwardError(oid, eoid ObjectID) bool {
	if b.errText == "" {
		panic("msgbus: ForwardError called without a pending error")
	}
	i := b.findDestinationIndex(oid)
	if i < 0 || b.links[i].obj == nil {
		return false
	}
	b.logger.Debug("error_forwarding", "to", oid, "failing", eoid)
	// The handler may mutate the table; capture the parent hop first.
	parent := b.links[i].src
	if f := b.links[i].factory; f != nil && f.Error != nil && f.Error(b.links[i].obj, eoid, b.errText) {
		b.logger.Debug("error_handled", "by", oid)
		if b.cfg.EnableMetrics {
			observability.RecordError("handled")
		}
		b.errText = ""
		return true
	}
	// Not handled here: fail this object and walk up the creator chain.
	return b.ForwardError(parent, oid)
}

// =============================================================================
// LOOP CONTROL
// =============================================================================

// Quit sets the exit code and the quit flag, causing the event loop to
// exit at the end of the current iteration; messages still in the
// queues at that point are not delivered. Safe from the signal
// goroutine.
func (b *Bus) Quit(exitCode int) {
	b.logger.Debug("quit_requested", "exit_code", exitCode)
	b.exitCode.Store(int32(exitCode))
	b.quitting.Store(true)
}

// ExitCode returns the current exit code.
func (b *Bus) ExitCode() int { return int(b.exitCode.Load()) }

// IsQuitting reports whether a quit has been requested.
func (b *Bus) IsQuitting() bool { return b.quitting.Load() }

// idle runs the between-iterations phase: flush a captured signal,
// destroy unused objects, service timers and descriptor watches, and
// quit when no work remains.
func (b *Bus) idle() {
	b.flushSignal()
	b.sweepUnused()
	// Do not wait in the poller if there are messages in the queues.
	wait := time.Duration(-1)
	if b.queuedMessages() > 0 || b.IsQuitting() {
		wait = 0
	}
	haveTimers := b.poller.Run(wait)
	// Quit when there are no more messages or timers.
	if !haveTimers && b.queuedMessages() == 0 && !b.IsQuitting() {
		b.logger.Debug("loop_drained")
		b.Quit(0)
	}
	if b.cfg.EnableMetrics {
		observability.SetQueueDepth(b.queuedMessages())
	}
}

// Run is the main event loop. It returns the exit code.
func (b *Bus) Run() int {
	b.quitting.Store(false)
	b.exitCode.Store(0)
	for !b.IsQuitting() {
		b.drain()
		b.idle()
	}
	return b.ExitCode()
}

// LoopOnce performs one loop iteration: service watches without
// waiting, drain once, sweep unused objects. Returns whether messages
// remain queued. Intended for embedding inside another event loop.
func (b *Bus) LoopOnce() bool {
	b.poller.Run(0)
	b.drain()
	b.sweepUnused()
	return b.queuedMessages() > 0
}

// FrameworkInit is the top-level entry point: it installs the signal
// handlers, registers the root application factory, constructs the App
// proxy, and queues the Init message carrying argv. Follow with Run.
func (b *Bus) FrameworkInit(rootFactory *Factory, argv []string) {
	b.InstallSignalHandlers()
	b.Register(rootFactory)
	b.appProxy = b.CreateProxyTo(AppIface, Broadcast, AppID)
	SendAppInit(&b.appProxy, argv)
}
