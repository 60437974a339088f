// Package msgbus panic recovery for message dispatch.
//
// With RecoverHandlerPanics enabled, a panic inside a handler does not
// crash the loop; it is logged with its stack and converted into a bus
// error, which then walks the creator chain like any other error.
package msgbus

import (
	"runtime/debug"
)

// safeDispatch invokes the dispatch function with panic recovery.
func (b *Bus) safeDispatch(dt *DTable, o any, msg *Msg) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			b.logger.Error("dispatch_panic_recovered",
				"interface", msg.Iface.Name,
				"method", msg.MethodName(),
				"dest", msg.Dest,
				"panic", r,
				"stack", stack,
			)
			b.Errorf("panic in %s.%s: %v", msg.Iface.Name, msg.MethodName(), r)
		}
	}()
	dt.Iface.Dispatch(dt, o, msg)
}
