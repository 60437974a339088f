// Objectbus demo application
//
// Registers a root object on the bus, seeds the Init message, and runs
// the event loop until a timer or a signal quits it.
//
// Usage:
//
//	go run ./cmd/objectbus-demo                      # Quits after one tick
//	go run ./cmd/objectbus-demo --tick 5s            # Longer tick
//	go run ./cmd/objectbus-demo --trace localhost:4317
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/jeeves-cluster-organization/objectbus/config"
	"github.com/jeeves-cluster-organization/objectbus/msgbus"
	"github.com/jeeves-cluster-organization/objectbus/observability"
)

// demoApp is the root object. It arms a tick timer on Init and quits
// the loop when the timer fires. Signals delivered to it are printed.
type demoApp struct {
	bus  *msgbus.Bus
	tick time.Duration
}

func (a *demoApp) Init(argv []string) {
	fmt.Printf("objectbus demo up, argv=%v\n", argv)
	a.bus.Poller().AddTimer(a.tick, func() {
		fmt.Println("tick; quitting")
		a.bus.Quit(0)
	})
}

func (a *demoApp) Signal(signo, childPid, childStatus int32) {
	fmt.Printf("signal %d (child pid %d status %d)\n", signo, childPid, childStatus)
}

func main() {
	configPath := pflag.String("config", "", "path to YAML bus configuration")
	logLevel := pflag.String("log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")
	traceEndpoint := pflag.String("trace", "", "OTLP collector endpoint; enables tracing")
	tick := pflag.Duration("tick", time.Second, "how long to run before quitting")
	pflag.Parse()

	cfg := config.DefaultBusConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "objectbus-demo: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *traceEndpoint != "" {
		cfg.EnableTracing = true
		cfg.OTLPEndpoint = *traceEndpoint
	}

	if cfg.EnableTracing {
		shutdown, err := observability.InitTracer("objectbus-demo", cfg.OTLPEndpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "objectbus-demo: tracing disabled: %v\n", err)
			cfg.EnableTracing = false
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(ctx)
			}()
		}
	}

	bus := msgbus.New(cfg)
	app := &demoApp{bus: bus, tick: *tick}
	rootFactory := &msgbus.Factory{
		Create:  func(msg *msgbus.Msg) any { return app },
		DTables: []*msgbus.DTable{{Iface: msgbus.AppIface}},
	}

	bus.FrameworkInit(rootFactory, os.Args)
	os.Exit(bus.Run())
}
