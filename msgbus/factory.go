package msgbus

// =============================================================================
// FACTORY REGISTRY
// =============================================================================

// checkFactory validates a factory's declarations. Violations are
// programmer errors.
func checkFactory(f *Factory, what string) {
	if f.Create == nil {
		panic("msgbus: a registered " + what + " must have a constructor")
	}
	if len(f.DTables) == 0 {
		panic("msgbus: a registered " + what + " must implement at least one interface")
	}
	for _, dt := range f.DTables {
		if dt == nil || dt.Iface == nil {
			panic("msgbus: each dtable must name the implemented interface")
		}
	}
}

// Register registers an object class for creation. Duplicate
// registration is permitted; earlier entries win on lookup.
func (b *Bus) Register(f *Factory) {
	checkFactory(f, "class")
	b.factories = append(b.factories, f)
	names := make([]string, 0, len(f.DTables))
	for _, dt := range f.DTables {
		names = append(names, dt.Iface.Name)
	}
	b.logger.Debug("factory_registered", "interfaces", names)
}

// RegisterDefault registers a fallback class consulted when no
// registered factory implements a requested interface. Passing nil
// unregisters the fallback.
func (b *Bus) RegisterDefault(f *Factory) {
	if f != nil {
		checkFactory(f, "default class")
	} else if b.defaultFactory != nil {
		b.logger.Debug("default_factory_unregistered")
	}
	b.defaultFactory = f
}

// findDTable looks up the dtable for iface on factory f. A default
// factory that lacks a matching dtable acts as an interface-promiscuous
// forwarder and answers with its first dtable.
func (b *Bus) findDTable(f *Factory, iface *Interface) *DTable {
	for _, dt := range f.DTables {
		if dt.Iface == iface {
			return dt
		}
	}
	if f == b.defaultFactory && b.defaultFactory != nil {
		return b.defaultFactory.DTables[0]
	}
	return nil
}

// findFactory returns the first registered factory implementing iface,
// else the default factory, else nil.
func (b *Bus) findFactory(iface *Interface) *Factory {
	for _, f := range b.factories {
		if b.findDTable(f, iface) != nil {
			return f
		}
	}
	return b.defaultFactory
}

// InterfaceByName resolves an interface descriptor by name across all
// registered factories and the default. Of the default factory only the
// first dtable's interface is matched. Returns nil when unknown.
func (b *Bus) InterfaceByName(name string) *Interface {
	for _, f := range b.factories {
		for _, dt := range f.DTables {
			if dt.Iface.Name == name {
				return dt.Iface
			}
		}
	}
	if b.defaultFactory != nil {
		if di := b.defaultFactory.DTables[0].Iface; di.Name == name {
			return di
		}
	}
	return nil
}
