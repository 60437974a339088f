// Package msgbus provides an in-process component messaging bus.
//
// Components are typed objects owned by the bus. They never call each
// other directly: all communication is asynchronous messages sent
// through proxies and routed by a link table. The bus owns object
// lifecycle (lazy construction on first message, cascading destruction
// along the creator chain), message dispatch, error propagation, and
// process signal integration.
//
// Protocol Categories:
//   - Identifiers: ObjectID, Proxy
//   - Type system: Interface, Method, DTable, Factory
//   - Logging: Logger
//
// The bus is single-threaded cooperative. Exactly one operation is safe
// from other goroutines: Bus.Queue. Everything else must run on the
// loop thread.
package msgbus

import (
	"os"

	charmlog "github.com/charmbracelet/log"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ObjectID addresses an object owned by the bus.
type ObjectID uint16

const (
	// Broadcast denotes "no specific source or destination".
	Broadcast ObjectID = 0
	// FirstID is the lowest id the allocator hands out.
	FirstID ObjectID = 1
	// AppID is the well-known id of the root application object.
	AppID ObjectID = FirstID
)

// =============================================================================
// TYPE SYSTEM
// =============================================================================

// DispatchFunc unmarshals a message and invokes the implementation.
// It is opaque to the bus; each Interface supplies its own.
type DispatchFunc func(dt *DTable, o any, msg *Msg)

// Method describes one operation of an interface.
// The signature string declares the payload layout (see Msg):
//
//	u,i,f  4 bytes    x,q,d  8 bytes
//	s      4-aligned length-prefixed string
//	a      string array (count + strings)
//	h      file descriptor (4 bytes, 4-aligned)
type Method struct {
	Name      string
	Signature string
}

// Interface is an immutable interface descriptor. Interfaces are
// discovered by identity at runtime: two descriptors are the same
// interface only if they are the same pointer.
type Interface struct {
	Name     string
	Dispatch DispatchFunc
	Methods  []Method
}

// CountMethods returns the number of declared methods.
func (i *Interface) CountMethods() uint32 { return uint32(len(i.Methods)) }

// MethodName returns a printable name for a method index.
func (i *Interface) MethodName(imethod uint32) string {
	if imethod == MethodCreateObject {
		return "create"
	}
	if imethod < i.CountMethods() {
		return i.Methods[imethod].Name
	}
	return "invalid"
}

// DTable pairs an Interface with implementation state for one factory.
// Impl is opaque to the bus; most dispatch functions ignore it and type
// assert on the object instead, but interface-promiscuous forwarders
// (default factories) keep their routing state here.
type DTable struct {
	Iface *Interface
	Impl  any
}

// Factory is the metadata record for an object class.
//
// Create must return a non-nil object; returning nil is a contract
// violation and panics. Destroy, ObjectDestroyed and Error are
// optional.
type Factory struct {
	// Create constructs the object for the creator link. The triggering
	// message is passed for context; the constructor may create further
	// proxies (the bus re-resolves the link afterwards).
	Create func(msg *Msg) any

	// Destroy releases the object. When nil, the object is simply
	// dropped for the garbage collector.
	Destroy func(o any)

	// ObjectDestroyed notifies this class that a peer object it had a
	// link to has been destroyed. o may be nil when the notified object
	// is itself mid-destruction.
	ObjectDestroyed func(o any, peer ObjectID)

	// Error lets the object handle an error raised by an object it
	// created. Returning true consumes the error; returning false
	// forwards it one hop up the creator chain.
	Error func(o any, failing ObjectID, text string) bool

	// DTables lists the interfaces this class implements.
	DTables []*DTable
}

// =============================================================================
// PROXIES
// =============================================================================

// Proxy is a handle to one directed link (interface, src, dest).
// Two proxies to the same destination from different sources are
// distinct links. The zero Proxy is invalid.
type Proxy struct {
	bus   *Bus
	iface *Interface
	src   ObjectID
	dest  ObjectID
}

// Interface returns the proxy's interface descriptor.
func (p *Proxy) Interface() *Interface { return p.iface }

// Src returns the source object id.
func (p *Proxy) Src() ObjectID { return p.src }

// Dest returns the destination object id.
func (p *Proxy) Dest() ObjectID { return p.dest }

// Valid reports whether the proxy is a non-zero handle. It does not
// consult the link table: a copy of a proxy whose link has since been
// destroyed still reports true.
func (p *Proxy) Valid() bool { return p != nil && p.iface != nil && p.bus != nil }

// Begin starts a message of the given method through this proxy.
// size is a capacity hint for the payload.
func (p *Proxy) Begin(imethod uint32, size int) *MsgWriter {
	return newMsgWriter(p, imethod, size)
}

// Send queues an empty-bodied message of the given method.
func (p *Proxy) Send(imethod uint32) {
	p.Begin(imethod, 0).End()
}

// =============================================================================
// LOGGING
// =============================================================================

// Logger is the interface for structured logging in the bus.
// This enables dependency injection of loggers for testability.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// defaultLogger wraps charmbracelet/log.
type defaultLogger struct {
	l *charmlog.Logger
}

func newDefaultLogger(level string) Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "objectbus",
	})
	if lvl, err := charmlog.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return &defaultLogger{l: l}
}

func (d *defaultLogger) Debug(msg string, keysAndValues ...any) { d.l.Debug(msg, keysAndValues...) }
func (d *defaultLogger) Info(msg string, keysAndValues ...any)  { d.l.Info(msg, keysAndValues...) }
func (d *defaultLogger) Warn(msg string, keysAndValues ...any)  { d.l.Warn(msg, keysAndValues...) }
func (d *defaultLogger) Error(msg string, keysAndValues ...any) { d.l.Error(msg, keysAndValues...) }

// noopLogger discards all output.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, keysAndValues ...any) {}
func (l *noopLogger) Info(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Error(msg string, keysAndValues ...any) {}

// NoopLogger returns a logger that discards all output.
func NoopLogger() Logger {
	return &noopLogger{}
}
