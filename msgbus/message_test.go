package msgbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	bus := newTestBus()
	iface := handlerIface("Codec",
		Method{Name: "mixed", Signature: "usqdsa"},
	)
	bus.Register(handlerFactory(iface, func(*Msg) any { return &countingNode{} }))
	p := bus.CreateProxy(iface, Broadcast)

	p.Begin(0, 64).
		WriteUint32(7).
		WriteString("hello").
		WriteUint64(1 << 40).
		WriteFloat64(2.5).
		WriteString(""). // empty strings are legal
		WriteStringArray([]string{"a", "bc", "def"}).
		End()

	require.Len(t, bus.outQ, 1)
	msg := bus.outQ[0]
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", msg.ID.String())
	assert.Equal(t, NoFd, msg.FdOffset)

	r := msg.Reader()
	assert.Equal(t, uint32(7), r.Uint32())
	assert.Equal(t, "hello", r.String())
	assert.Equal(t, uint64(1<<40), r.Uint64())
	assert.Equal(t, 2.5, r.Float64())
	assert.Equal(t, "", r.String())
	assert.Equal(t, []string{"a", "bc", "def"}, r.StringArray())
}

func TestWriteFdRecordsAlignedOffset(t *testing.T) {
	bus := newTestBus()
	iface := handlerIface("Fd", Method{Name: "pass", Signature: "sh"})
	bus.Register(handlerFactory(iface, func(*Msg) any { return &countingNode{} }))
	p := bus.CreateProxy(iface, Broadcast)

	p.Begin(0, 16).WriteString("sock").WriteFd(5).End()

	require.Len(t, bus.outQ, 1)
	msg := bus.outQ[0]
	assert.Equal(t, 8, msg.FdOffset) // 4-byte length + 4 padded bytes
	assert.Zero(t, msg.FdOffset%4)
	r := msg.Reader()
	assert.Equal(t, "sock", r.String())
	assert.Equal(t, 5, r.Fd())
}

func TestMeasureSignature(t *testing.T) {
	tests := []struct {
		name string
		sig  string
		body []byte
		want int
		fd   bool
		ok   bool
	}{
		{name: "empty", sig: "", body: nil, want: 0, ok: true},
		{name: "scalars", sig: "ui", body: make([]byte, 8), want: 8, ok: true},
		{name: "wide scalars", sig: "xqd", body: make([]byte, 24), want: 24, ok: true},
		{name: "string", sig: "s", body: []byte{3, 0, 0, 0, 'a', 'b', 'c', 0}, want: 8, ok: true},
		{name: "fd", sig: "h", body: make([]byte, 4), want: 4, fd: true, ok: true},
		{name: "truncated string", sig: "s", body: []byte{9, 0, 0, 0}, ok: false},
		{name: "unknown element", sig: "z", body: nil, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, fd, err := measureSignature(tt.sig, tt.body)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, size)
			assert.Equal(t, tt.fd, fd)
		})
	}
}

func TestValidateRejectsBadMessages(t *testing.T) {
	iface := handlerIface("Bad",
		Method{Name: "one", Signature: "u"},
		Method{Name: "fd", Signature: "h"},
	)

	t.Run("create sentinel must be empty", func(t *testing.T) {
		m := newMsg(iface, Broadcast, 1, MethodCreateObject, 4)
		m.Body = append(m.Body, 0, 0, 0, 0)
		assert.Error(t, m.validate())
	})

	t.Run("size mismatch", func(t *testing.T) {
		m := newMsg(iface, Broadcast, 1, 0, 0)
		assert.Error(t, m.validate())
	})

	t.Run("fd signature without descriptor", func(t *testing.T) {
		m := newMsg(iface, Broadcast, 1, 1, 4)
		m.Body = append(m.Body, 0, 0, 0, 0)
		assert.Error(t, m.validate())
	})

	t.Run("unaligned fd offset", func(t *testing.T) {
		m := newMsg(iface, Broadcast, 1, 1, 4)
		m.Body = append(m.Body, 0, 0, 0, 0)
		m.FdOffset = 1
		assert.Error(t, m.validate())
	})

	t.Run("valid fd message", func(t *testing.T) {
		m := newMsg(iface, Broadcast, 1, 1, 4)
		m.Body = append(m.Body, 5, 0, 0, 0)
		m.FdOffset = 0
		assert.NoError(t, m.validate())
	})
}

func TestMethodNames(t *testing.T) {
	iface := handlerIface("Names", Method{Name: "first", Signature: ""})
	assert.Equal(t, "first", iface.MethodName(0))
	assert.Equal(t, "create", iface.MethodName(MethodCreateObject))
	assert.Equal(t, "invalid", iface.MethodName(3))
	assert.Equal(t, uint32(1), iface.CountMethods())
}

func TestSecondFdPanics(t *testing.T) {
	bus := newTestBus()
	iface := handlerIface("TwoFd", Method{Name: "pass", Signature: "hh"})
	bus.Register(handlerFactory(iface, func(*Msg) any { return &countingNode{} }))
	p := bus.CreateProxy(iface, Broadcast)
	assert.Panics(t, func() {
		p.Begin(0, 8).WriteFd(3).WriteFd(4).End()
	})
}
