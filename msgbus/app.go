package msgbus

// =============================================================================
// APP INTERFACE
// =============================================================================
//
// App is the framework-owned root interface. FrameworkInit creates the
// App proxy at the well-known id AppID and queues the Init message;
// captured process signals are delivered to the same proxy.

// App method indices.
const (
	AppMethodInit uint32 = iota
	AppMethodSignal
)

// AppDispatch is the method set a root application object implements.
type AppDispatch interface {
	// Init receives the process arguments once the loop starts.
	Init(argv []string)
	// Signal receives a captured process signal. childPid and
	// childStatus are non-zero only for SIGCHLD.
	Signal(signo int32, childPid int32, childStatus int32)
}

// AppIface is the root application interface descriptor.
var AppIface = &Interface{
	Name:     "App",
	Dispatch: dispatchApp,
	Methods: []Method{
		{Name: "init", Signature: "a"},
		{Name: "signal", Signature: "uii"},
	},
}

func dispatchApp(dt *DTable, o any, msg *Msg) {
	app, ok := o.(AppDispatch)
	if !ok {
		panic("msgbus: App object does not implement AppDispatch")
	}
	switch msg.Method {
	case AppMethodInit:
		app.Init(msg.Reader().StringArray())
	case AppMethodSignal:
		r := msg.Reader()
		app.Signal(int32(r.Uint32()), r.Int32(), r.Int32())
	case MethodCreateObject:
		// Construction side effect only.
	default:
		panic("msgbus: " + NewMethodOutOfRangeError(msg.Iface.Name, msg.Method, msg.Iface.CountMethods()).Error())
	}
}

// SendAppInit queues an Init message through the App proxy.
func SendAppInit(p *Proxy, argv []string) {
	size := 4
	for _, a := range argv {
		size += 4 + align4(len(a))
	}
	p.Begin(AppMethodInit, size).WriteStringArray(argv).End()
}

// SendAppSignal queues a Signal message through the App proxy.
func SendAppSignal(p *Proxy, signo, childPid, childStatus int32) {
	p.Begin(AppMethodSignal, 12).
		WriteUint32(uint32(signo)).
		WriteInt32(childPid).
		WriteInt32(childStatus).
		End()
}
