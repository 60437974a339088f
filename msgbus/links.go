// Package msgbus link table and object lifecycle.
//
// The link table is the message routing table, mapping each
// proxy-to-object link. The table is kept sorted by destination id.
// Each object may have multiple incoming links; the block of incoming
// links is contiguous, being sorted, and the first link holds the
// object pointer. The other links have a nil object and are ordered by
// proxy creation time. The first link is the creator link: its source
// is the parent for error propagation, and once the creator is
// destroyed, every object it created is destroyed too.
package msgbus

import (
	"sort"

	"github.com/jeeves-cluster-organization/objectbus/observability"
)

type linkFlags uint32

const (
	// linkUnused marks an object for destruction during the next idle.
	linkUnused linkFlags = 1 << iota
)

// link is one row of the routing table.
type link struct {
	iface   *Interface
	factory *Factory
	src     ObjectID
	dest    ObjectID
	obj     any
	flags   linkFlags
}

// =============================================================================
// LOOKUP
// =============================================================================

// lowerBound returns the first index whose dest is >= the given id.
func (b *Bus) lowerBound(dest ObjectID) int {
	return sort.Search(len(b.links), func(i int) bool {
		return b.links[i].dest >= dest
	})
}

// findDestinationIndex returns the index of the creator link for dest,
// or -1 when the destination has no links.
func (b *Bus) findDestinationIndex(dest ObjectID) int {
	i := b.lowerBound(dest)
	if i < len(b.links) && b.links[i].dest == dest {
		return i
	}
	return -1
}

// linkIndexFor returns the index of the link matching (dest, src),
// or -1.
func (b *Bus) linkIndexFor(dest, src ObjectID) int {
	for i := b.lowerBound(dest); i < len(b.links) && b.links[i].dest == dest; i++ {
		if b.links[i].src == src {
			return i
		}
	}
	return -1
}

// linkIndexForObject finds the link holding the given object pointer.
func (b *Bus) linkIndexForObject(o any) int {
	for i := range b.links {
		if b.links[i].obj != nil && b.links[i].obj == o {
			return i
		}
	}
	return -1
}

// OidOf returns the id of the given object, or Broadcast when the
// object is not owned by the bus.
func (b *Bus) OidOf(o any) ObjectID {
	if i := b.linkIndexForObject(o); i >= 0 {
		return b.links[i].dest
	}
	return Broadcast
}

// =============================================================================
// PROXY CREATION
// =============================================================================

// CreateProxy creates a proxy to a new object from object src, using
// interface iface. The destination id is the smallest unused id.
func (b *Bus) CreateProxy(iface *Interface, src ObjectID) Proxy {
	// The table is sorted by dest, so walk it until a gap appears.
	nid := FirstID
	for i := range b.links {
		d := b.links[i].dest
		if d > nid {
			break
		}
		if d == nid {
			nid++
		}
	}
	return b.CreateProxyTo(iface, src, nid)
}

// CreateProxyTo creates a proxy to the existing object dest from src.
// The new link goes at the end of dest's run, so an already-existing
// creator link stays first.
func (b *Bus) CreateProxyTo(iface *Interface, src, dest ObjectID) Proxy {
	ip := b.lowerBound(dest)
	for ip < len(b.links) && b.links[ip].dest == dest {
		ip++
	}
	l := link{iface: iface, factory: b.findFactory(iface), src: src, dest: dest}
	b.links = append(b.links, link{})
	copy(b.links[ip+1:], b.links[ip:])
	b.links[ip] = l
	b.logger.Debug("proxy_created", "src", src, "dest", dest, "interface", iface.Name)
	if b.cfg.EnableMetrics {
		observability.SetLinkCount(len(b.links))
	}
	return Proxy{bus: b, iface: iface, src: src, dest: dest}
}

// DestroyProxy erases the proxy's link. If that link was the creator
// link, the object and everything it created are destroyed. The proxy
// is zeroed.
func (b *Bus) DestroyProxy(p *Proxy) {
	if p.Valid() {
		b.destroyLinkAt(b.linkIndexFor(p.dest, p.src))
	}
	*p = Proxy{}
}

// MarkUnused flags the given object for destruction during the next
// idle phase.
func (b *Bus) MarkUnused(o any) {
	if i := b.linkIndexForObject(o); i >= 0 {
		b.links[i].flags |= linkUnused
	}
}

// =============================================================================
// OBJECT CREATION
// =============================================================================

// createLinkObject constructs the object for the creator link at index
// i. The constructor may itself create proxies, reentrantly modifying
// the table; the caller must re-resolve the link afterwards.
func (b *Bus) createLinkObject(i int, msg *Msg) any {
	l := b.links[i]
	if l.factory == nil || l.factory.Create == nil {
		panic(NewUnknownInterfaceError(l.iface.Name))
	}
	b.logger.Debug("object_creating", "dest", l.dest, "interface", msg.Iface.Name)
	o := l.factory.Create(msg)
	if o == nil {
		panic(NewNilObjectError(msg.Iface.Name, l.dest))
	}
	if b.cfg.EnableMetrics {
		observability.RecordObjectCreated(l.iface.Name)
	}
	return o
}

// findOrCreateDestinationIndex resolves the creator link for the
// message's destination, constructing the object when the link exists
// but the object does not. Returns -1 when the destination was
// destroyed after the message was sent.
func (b *Bus) findOrCreateDestinationIndex(msg *Msg) int {
	var created any
	for {
		i := b.findDestinationIndex(msg.Dest)
		if i < 0 {
			return -1
		}
		if b.links[i].obj != nil {
			return i
		}
		if created != nil {
			b.links[i].obj = created
			return i
		}
		created = b.createLinkObject(i, msg)
	}
}

// CreateObject creates a broadcast-sourced proxy for iface and forces
// construction of its object, returning the object.
func (b *Bus) CreateObject(iface *Interface) any {
	p := b.CreateProxy(iface, Broadcast)
	msg := newMsg(iface, p.src, p.dest, MethodCreateObject, 0)
	i := b.findOrCreateDestinationIndex(msg)
	if i < 0 {
		return nil
	}
	return b.links[i].obj
}

// =============================================================================
// OBJECT DESTRUCTION
// =============================================================================

// destroyLinkAt erases the link at index i. When the erased link held
// the object pointer, the object is destroyed afterwards, cascading to
// everything it created.
func (b *Bus) destroyLinkAt(i int) {
	if i < 0 || i >= len(b.links) {
		return
	}
	ol := b.links[i]
	b.links = append(b.links[:i], b.links[i+1:]...)
	b.logger.Debug("proxy_destroyed", "src", ol.src, "dest", ol.dest, "interface", ol.iface.Name)
	if b.cfg.EnableMetrics {
		observability.SetLinkCount(len(b.links))
	}
	if ol.obj != nil {
		b.finalizeObject(ol.factory, ol.obj, ol.dest, ol.iface)
	}
}

// destroyObjectAt destroys the object held by the link at index i, in
// place. Idempotent: a link without an object is left alone. The
// object pointer is cleared before any user code runs; that is the
// reentrancy lock against recursive destruction.
func (b *Bus) destroyObjectAt(i int) {
	if i < 0 || i >= len(b.links) || b.links[i].obj == nil {
		return
	}
	l := &b.links[i]
	obj, oid, factory, iface := l.obj, l.dest, l.factory, l.iface
	l.obj = nil
	l.flags = 0
	b.finalizeObject(factory, obj, oid, iface)
}

// finalizeObject runs the destructor, notifies callers, and erases the
// destroyed object's outgoing links. Callbacks may arbitrarily mutate
// the table, so callers are snapshotted first and every scan restarts
// after a callback.
func (b *Bus) finalizeObject(factory *Factory, obj any, oid ObjectID, iface *Interface) {
	b.logger.Debug("object_destroying", "dest", oid, "interface", iface.Name)
	if factory.Destroy != nil {
		factory.Destroy(obj)
	}
	if b.cfg.EnableMetrics {
		observability.RecordObjectDestroyed(iface.Name)
	}

	// Notify callers of the destruction. Two passes: the handlers can
	// modify the table, so collect the caller ids first.
	callers := make([]ObjectID, 0, 8)
	for i := range b.links {
		if b.links[i].dest == oid && b.links[i].src != Broadcast {
			callers = append(callers, b.links[i].src)
		}
	}
	for _, c := range callers {
		ci := b.findDestinationIndex(c)
		if ci < 0 {
			continue
		}
		if cf := b.links[ci].factory; cf != nil && cf.ObjectDestroyed != nil {
			b.logger.Debug("object_destroyed_notify", "notified", c, "destroyed", oid)
			cf.ObjectDestroyed(b.links[ci].obj, oid)
		}
	}

	// Erase every link from this object. Destroying a created object
	// happens before its creator link is erased, so its own callers are
	// still visible for notification. Restart the scan after each
	// erase: cascaded destructions reorder the table.
	for i := 0; i < len(b.links); i++ {
		if b.links[i].src != oid {
			continue
		}
		childDest := b.links[i].dest
		b.destroyObjectAt(i)
		if j := b.linkIndexFor(childDest, oid); j >= 0 {
			b.links = append(b.links[:j], b.links[j+1:]...)
			if b.cfg.EnableMetrics {
				observability.SetLinkCount(len(b.links))
			}
		}
		i = -1
	}
}

// sweepUnused destroys objects flagged unused. Runs during idle.
// An object with messages still queued for it stays alive until they
// have been delivered; the flag survives to a later sweep.
func (b *Bus) sweepUnused() {
	for i := 0; i < len(b.links); i++ {
		if b.links[i].flags&linkUnused == 0 {
			continue
		}
		if b.hasQueuedFor(b.links[i].dest) {
			continue
		}
		b.links[i].flags &^= linkUnused
		b.logger.Debug("unused_object_sweep", "dest", b.links[i].dest, "interface", b.links[i].iface.Name)
		b.destroyObjectAt(i)
		i = -1 // destruction modifies the table; start over
	}
}

// DumpLinkTable logs the routing table, one line per link.
func (b *Bus) DumpLinkTable() {
	b.logger.Debug("link_table_dump", "links", len(b.links))
	for i := range b.links {
		l := &b.links[i]
		b.logger.Debug("link",
			"src", l.src,
			"dest", l.dest,
			"interface", l.iface.Name,
			"has_object", l.obj != nil,
			"flags", uint32(l.flags),
		)
	}
}
