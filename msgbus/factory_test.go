package msgbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	bus := newTestBus()
	iface := handlerIface("Reg", Method{Name: "poke", Signature: ""})

	t.Run("missing constructor", func(t *testing.T) {
		assert.Panics(t, func() {
			bus.Register(&Factory{DTables: []*DTable{{Iface: iface}}})
		})
	})

	t.Run("no dtables", func(t *testing.T) {
		assert.Panics(t, func() {
			bus.Register(&Factory{Create: func(*Msg) any { return &countingNode{} }})
		})
	})

	t.Run("dtable without interface", func(t *testing.T) {
		assert.Panics(t, func() {
			bus.Register(&Factory{
				Create:  func(*Msg) any { return &countingNode{} },
				DTables: []*DTable{{}},
			})
		})
	})
}

func TestDuplicateRegistrationEarlierWins(t *testing.T) {
	bus := newTestBus()
	iface := handlerIface("Dup", Method{Name: "poke", Signature: ""})
	first := handlerFactory(iface, func(*Msg) any { return &countingNode{} })
	second := handlerFactory(iface, func(*Msg) any { return &countingNode{} })
	bus.Register(first)
	bus.Register(second)
	assert.Same(t, first, bus.findFactory(iface))
}

func TestDefaultFactoryFallback(t *testing.T) {
	bus := newTestBus()
	known := handlerIface("Known", Method{Name: "poke", Signature: ""})
	unknown := handlerIface("Unknown", Method{Name: "poke", Signature: ""})

	def := handlerFactory(known, func(*Msg) any { return &countingNode{} })
	bus.RegisterDefault(def)

	assert.Same(t, def, bus.findFactory(unknown), "default factory answers for unknown interfaces")
	// A default factory is interface-promiscuous: it answers with its
	// first dtable even for interfaces it never declared.
	dt := bus.findDTable(def, unknown)
	require.NotNil(t, dt)
	assert.Same(t, def.DTables[0], dt)

	bus.RegisterDefault(nil)
	assert.Nil(t, bus.findFactory(unknown))
}

func TestInterfaceByName(t *testing.T) {
	bus := newTestBus()
	iface := registerPokeable(t, bus, "Named")
	assert.Same(t, iface, bus.InterfaceByName("Named"))
	assert.Nil(t, bus.InterfaceByName("Nope"))

	def := handlerFactory(handlerIface("DefIface", Method{Name: "poke", Signature: ""}),
		func(*Msg) any { return &countingNode{} })
	bus.RegisterDefault(def)
	assert.Same(t, def.DTables[0].Iface, bus.InterfaceByName("DefIface"))
}

// A default factory dispatches messages of interfaces nobody registered.
func TestDefaultFactoryReceivesUnknownInterface(t *testing.T) {
	bus := newTestBus()
	known := handlerIface("DefKnown", Method{Name: "poke", Signature: ""})
	unknown := handlerIface("DefUnknown", Method{Name: "poke", Signature: ""})

	node := &countingNode{}
	def := handlerFactory(known, func(*Msg) any { return node })
	bus.RegisterDefault(def)

	p := bus.CreateProxy(unknown, Broadcast)
	p.Send(0)
	runUntilDrained(t, bus)

	require.Len(t, node.handled, 1)
	assert.Same(t, unknown, node.handled[0].Iface)
}
