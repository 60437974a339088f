package msgbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerPokeable(t *testing.T, bus *Bus, name string) *Interface {
	t.Helper()
	iface := handlerIface(name, Method{Name: "poke", Signature: ""})
	bus.Register(handlerFactory(iface, func(*Msg) any { return &countingNode{} }))
	return iface
}

func TestFirstIDIsOne(t *testing.T) {
	bus := newTestBus()
	iface := registerPokeable(t, bus, "Ids")
	p := bus.CreateProxy(iface, Broadcast)
	assert.Equal(t, FirstID, p.Dest())
}

func TestCreateProxyFillsSmallestGap(t *testing.T) {
	bus := newTestBus()
	iface := registerPokeable(t, bus, "Gaps")

	p1 := bus.CreateProxy(iface, Broadcast)
	p2 := bus.CreateProxy(iface, Broadcast)
	p3 := bus.CreateProxy(iface, Broadcast)
	require.Equal(t, []ObjectID{1, 2, 3}, []ObjectID{p1.Dest(), p2.Dest(), p3.Dest()})

	bus.DestroyProxy(&p2)
	p4 := bus.CreateProxy(iface, Broadcast)
	assert.Equal(t, ObjectID(2), p4.Dest(), "allocator must fill the smallest gap")

	bus.DestroyProxy(&p1)
	p5 := bus.CreateProxy(iface, Broadcast)
	assert.Equal(t, ObjectID(1), p5.Dest(), "a gap below the lowest dest is still the smallest")
	checkTableInvariants(t, bus)
}

func TestCreateProxyToAppendsAfterCreator(t *testing.T) {
	bus := newTestBus()
	iface := registerPokeable(t, bus, "Runs")

	o := bus.CreateObject(iface)
	oid := bus.OidOf(o)
	bus.CreateProxyTo(iface, ObjectID(40), oid)
	bus.CreateProxyTo(iface, ObjectID(41), oid)

	i := bus.findDestinationIndex(oid)
	require.GreaterOrEqual(t, i, 0)
	assert.Same(t, o, bus.links[i].obj, "creator link must stay first in the run")
	require.Equal(t, oid, bus.links[i+1].dest)
	assert.Equal(t, ObjectID(40), bus.links[i+1].src, "later links keep insertion order")
	assert.Equal(t, ObjectID(41), bus.links[i+2].src)
	checkTableInvariants(t, bus)
}

func TestLowerBound(t *testing.T) {
	bus := newTestBus()
	iface := registerPokeable(t, bus, "Bounds")
	bus.CreateProxyTo(iface, Broadcast, 2)
	bus.CreateProxyTo(iface, Broadcast, 2)
	bus.CreateProxyTo(iface, Broadcast, 5)

	assert.Equal(t, 0, bus.lowerBound(1))
	assert.Equal(t, 0, bus.lowerBound(2))
	assert.Equal(t, 2, bus.lowerBound(3))
	assert.Equal(t, 2, bus.lowerBound(5))
	assert.Equal(t, 3, bus.lowerBound(6))
}

func TestOidOfUnknownObjectIsBroadcast(t *testing.T) {
	bus := newTestBus()
	assert.Equal(t, Broadcast, bus.OidOf(&countingNode{}))
}

func TestDestroyProxyIsIdempotentOnHandle(t *testing.T) {
	bus := newTestBus()
	iface := registerPokeable(t, bus, "Idem")
	p := bus.CreateProxy(iface, Broadcast)
	bus.DestroyProxy(&p)
	assert.False(t, p.Valid())
	// Destroying a zeroed handle is a no-op.
	bus.DestroyProxy(&p)
	assert.Empty(t, bus.links)
}

func TestDestroyObjectIdempotent(t *testing.T) {
	bus := newTestBus()
	iface := handlerIface("Idem2", Method{Name: "poke", Signature: ""})
	destroyed := 0
	f := handlerFactory(iface, func(*Msg) any { return &countingNode{} })
	f.Destroy = func(any) { destroyed++ }
	bus.Register(f)

	o := bus.CreateObject(iface)
	i := bus.linkIndexForObject(o)
	require.GreaterOrEqual(t, i, 0)
	bus.destroyObjectAt(i)
	assert.Equal(t, 1, destroyed)
	// The link survives with a nil object; destroying again is a no-op.
	i = bus.findDestinationIndex(FirstID)
	require.GreaterOrEqual(t, i, 0)
	bus.destroyObjectAt(i)
	assert.Equal(t, 1, destroyed)
}

func TestDumpLinkTable(t *testing.T) {
	bus := newTestBus()
	iface := registerPokeable(t, bus, "Dump")
	bus.CreateObject(iface)
	bus.DumpLinkTable() // must not panic on a populated table
}
