// Package msgbus message record and payload streaming.
//
// A Msg is an immutable envelope once queued: the bus owns it from
// Queue until it is freed after dispatch (or at Reset). Payloads are
// little-endian byte streams described by the method's signature
// string; MsgWriter and MsgReader are the only supported accessors.
package msgbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// MethodCreateObject is the sentinel method index used to force
// construction of an object without dispatching anything.
const MethodCreateObject = ^uint32(0)

// NoFd marks a message that carries no file descriptor.
const NoFd = -1

// Msg is the message envelope. Fields must not be modified after the
// message has been queued.
type Msg struct {
	// ID is a unique id stamped at creation, used for tracing.
	ID uuid.UUID

	Iface  *Interface
	Method uint32
	Src    ObjectID
	Dest   ObjectID
	Body   []byte

	// FdOffset is the byte offset of a file descriptor within Body,
	// or NoFd when none is carried.
	FdOffset int
}

func newMsg(iface *Interface, src, dest ObjectID, imethod uint32, size int) *Msg {
	return &Msg{
		ID:       uuid.New(),
		Iface:    iface,
		Method:   imethod,
		Src:      src,
		Dest:     dest,
		Body:     make([]byte, 0, size),
		FdOffset: NoFd,
	}
}

// Size returns the payload length in bytes.
func (m *Msg) Size() int { return len(m.Body) }

// MethodName returns the printable name of the addressed method.
func (m *Msg) MethodName() string { return m.Iface.MethodName(m.Method) }

// Signature returns the signature of the addressed method, or "" for
// the create sentinel.
func (m *Msg) Signature() string {
	if m.Method >= m.Iface.CountMethods() {
		return ""
	}
	return m.Iface.Methods[m.Method].Signature
}

// Reader returns a payload reader positioned at the start of the body.
func (m *Msg) Reader() *MsgReader { return &MsgReader{body: m.Body} }

// =============================================================================
// SIGNATURE VALIDATION
// =============================================================================

func align4(n int) int { return (n + 3) &^ 3 }

// measureSignature walks the payload according to the signature and
// returns the expected total size and whether a descriptor is required.
// Variable-length elements (s, a) are measured against the body itself.
func measureSignature(sig string, body []byte) (size int, needsFd bool, err error) {
	cursor := 0
	advanceString := func() error {
		if cursor+4 > len(body) {
			return fmt.Errorf("truncated string length at offset %d", cursor)
		}
		n := int(binary.LittleEndian.Uint32(body[cursor:]))
		cursor = align4(cursor + 4 + n)
		if cursor > len(body) {
			return fmt.Errorf("string at offset %d overruns payload", cursor)
		}
		return nil
	}
	for _, c := range sig {
		switch c {
		case 'u', 'i', 'f':
			cursor += 4
		case 'x', 'q', 'd':
			cursor += 8
		case 'h':
			needsFd = true
			cursor += 4
		case 's':
			if err := advanceString(); err != nil {
				return 0, false, err
			}
		case 'a':
			if cursor+4 > len(body) {
				return 0, false, fmt.Errorf("truncated array count at offset %d", cursor)
			}
			n := int(binary.LittleEndian.Uint32(body[cursor:]))
			cursor += 4
			for j := 0; j < n; j++ {
				if err := advanceString(); err != nil {
					return 0, false, err
				}
			}
		default:
			return 0, false, fmt.Errorf("unknown signature element %q", c)
		}
		if cursor > len(body) {
			return 0, false, fmt.Errorf("signature %q overruns %d-byte payload", sig, len(body))
		}
	}
	return cursor, needsFd, nil
}

// validate checks the message against its method's declared signature.
// Violations are programmer errors; the caller panics with the result.
func (m *Msg) validate() error {
	if m.Iface == nil {
		return fmt.Errorf("message without an interface")
	}
	if m.Method == MethodCreateObject {
		if len(m.Body) != 0 || m.FdOffset != NoFd {
			return fmt.Errorf("create message for %s must be empty", m.Iface.Name)
		}
		return nil
	}
	if m.Method >= m.Iface.CountMethods() {
		return NewMethodOutOfRangeError(m.Iface.Name, m.Method, m.Iface.CountMethods())
	}
	sig := m.Signature()
	size, needsFd, err := measureSignature(sig, m.Body)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", m.Iface.Name, m.MethodName(), err)
	}
	if size != len(m.Body) {
		return NewSignatureMismatchError(m.Iface.Name, m.MethodName(), sig, size, len(m.Body))
	}
	if needsFd && m.FdOffset == NoFd {
		return fmt.Errorf("%s.%s: signature %q requires a file descriptor but none was written", m.Iface.Name, m.MethodName(), sig)
	}
	if m.FdOffset != NoFd {
		if m.FdOffset%4 != 0 || m.FdOffset+4 > len(m.Body) {
			return fmt.Errorf("%s.%s: file descriptor at unaligned or out-of-range offset %d", m.Iface.Name, m.MethodName(), m.FdOffset)
		}
	}
	return nil
}

// =============================================================================
// WRITER
// =============================================================================

// MsgWriter builds a message payload. Obtain one from Proxy.Begin,
// append the arguments in signature order, and queue with End.
type MsgWriter struct {
	bus *Bus
	msg *Msg
}

func newMsgWriter(p *Proxy, imethod uint32, size int) *MsgWriter {
	if !p.Valid() {
		panic("msgbus: Begin on an invalid proxy")
	}
	return &MsgWriter{bus: p.bus, msg: newMsg(p.iface, p.src, p.dest, imethod, size)}
}

// WriteUint32 appends a u element.
func (w *MsgWriter) WriteUint32(v uint32) *MsgWriter {
	w.msg.Body = binary.LittleEndian.AppendUint32(w.msg.Body, v)
	return w
}

// WriteInt32 appends an i element.
func (w *MsgWriter) WriteInt32(v int32) *MsgWriter {
	return w.WriteUint32(uint32(v))
}

// WriteUint64 appends a q element.
func (w *MsgWriter) WriteUint64(v uint64) *MsgWriter {
	w.msg.Body = binary.LittleEndian.AppendUint64(w.msg.Body, v)
	return w
}

// WriteInt64 appends an x element.
func (w *MsgWriter) WriteInt64(v int64) *MsgWriter {
	return w.WriteUint64(uint64(v))
}

// WriteFloat64 appends a d element.
func (w *MsgWriter) WriteFloat64(v float64) *MsgWriter {
	return w.WriteUint64(math.Float64bits(v))
}

// WriteString appends an s element: length prefix, bytes, pad to 4.
func (w *MsgWriter) WriteString(s string) *MsgWriter {
	w.WriteUint32(uint32(len(s)))
	w.msg.Body = append(w.msg.Body, s...)
	for len(w.msg.Body)%4 != 0 {
		w.msg.Body = append(w.msg.Body, 0)
	}
	return w
}

// WriteStringArray appends an a element: count followed by strings.
func (w *MsgWriter) WriteStringArray(ss []string) *MsgWriter {
	w.WriteUint32(uint32(len(ss)))
	for _, s := range ss {
		w.WriteString(s)
	}
	return w
}

// WriteFd appends an h element and records its offset.
func (w *MsgWriter) WriteFd(fd int) *MsgWriter {
	if w.msg.FdOffset != NoFd {
		panic("msgbus: a message may carry at most one file descriptor")
	}
	w.msg.FdOffset = len(w.msg.Body)
	return w.WriteInt32(int32(fd))
}

// End validates the payload and queues the message.
func (w *MsgWriter) End() {
	w.bus.Queue(w.msg)
}

// =============================================================================
// READER
// =============================================================================

// MsgReader extracts payload elements in signature order. Reading past
// the end of the payload panics; the payload was validated against the
// signature on enqueue, so a short read is a dispatch-table bug.
type MsgReader struct {
	body []byte
	off  int
}

func (r *MsgReader) need(n int) {
	if r.off+n > len(r.body) {
		panic(fmt.Sprintf("msgbus: payload read of %d bytes at offset %d overruns %d-byte body", n, r.off, len(r.body)))
	}
}

// Uint32 reads a u element.
func (r *MsgReader) Uint32() uint32 {
	r.need(4)
	v := binary.LittleEndian.Uint32(r.body[r.off:])
	r.off += 4
	return v
}

// Int32 reads an i element.
func (r *MsgReader) Int32() int32 { return int32(r.Uint32()) }

// Uint64 reads a q element.
func (r *MsgReader) Uint64() uint64 {
	r.need(8)
	v := binary.LittleEndian.Uint64(r.body[r.off:])
	r.off += 8
	return v
}

// Int64 reads an x element.
func (r *MsgReader) Int64() int64 { return int64(r.Uint64()) }

// Float64 reads a d element.
func (r *MsgReader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

// String reads an s element.
func (r *MsgReader) String() string {
	n := int(r.Uint32())
	r.need(n)
	s := string(r.body[r.off : r.off+n])
	r.off = align4(r.off + n)
	return s
}

// StringArray reads an a element.
func (r *MsgReader) StringArray() []string {
	n := int(r.Uint32())
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ss = append(ss, r.String())
	}
	return ss
}

// Fd reads an h element.
func (r *MsgReader) Fd() int { return int(r.Int32()) }
