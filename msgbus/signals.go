// Package msgbus signal plumbing - translates process signals into bus
// messages.
//
// The shim goroutine only records the signal in the pending slot and,
// for SIGCHLD, reaps one child with a non-blocking wait. All
// user-visible work happens on the loop thread, which flushes the slot
// into a Signal message during idle.
package msgbus

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// shellSignalQuitOffset is added to the signal number to form the exit
// code, shell convention.
const shellSignalQuitOffset = 128

// quitSignals request an orderly quit with exit code 128+signo.
var quitSignals = []unix.Signal{
	unix.SIGINT, unix.SIGQUIT, unix.SIGTERM, unix.SIGPWR,
}

// msgOnlySignals are captured and delivered as a Signal message to the
// root object. SIGURG belongs here but is owned by the Go runtime for
// goroutine preemption, so it is not forwarded.
var msgOnlySignals = []unix.Signal{
	unix.SIGHUP, unix.SIGCHLD, unix.SIGWINCH, unix.SIGXFSZ,
	unix.SIGUSR1, unix.SIGUSR2, unix.SIGPIPE,
}

// fatalSignals terminate the process with exit code 128+signo.
var fatalSignals = []unix.Signal{
	unix.SIGILL, unix.SIGABRT, unix.SIGBUS, unix.SIGFPE,
	unix.SIGSYS, unix.SIGSEGV, unix.SIGALRM, unix.SIGXCPU,
}

func inSignalSet(set []unix.Signal, s unix.Signal) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// signalState is the pending-signal slot shared between the shim
// goroutine and the loop thread.
type signalState struct {
	pending     atomic.Int32
	childPid    atomic.Int32
	childStatus atomic.Int32
	fatalSeen   atomic.Bool
	ch          chan os.Signal
}

// InstallSignalHandlers starts the signal shim. Idempotent.
// FrameworkInit calls this; embedders running their own outer loop may
// call it directly.
func (b *Bus) InstallSignalHandlers() {
	if b.sig.ch != nil {
		return
	}
	ch := make(chan os.Signal, 16)
	b.sig.ch = ch
	all := make([]os.Signal, 0, len(quitSignals)+len(msgOnlySignals)+len(fatalSignals))
	for _, s := range quitSignals {
		all = append(all, s)
	}
	for _, s := range msgOnlySignals {
		all = append(all, s)
	}
	for _, s := range fatalSignals {
		all = append(all, s)
	}
	signal.Notify(ch, all...)
	go func() {
		for s := range ch {
			b.handleSignal(s.(unix.Signal))
		}
	}()
}

// stopSignalHandlers detaches the shim. Called from Reset.
func (b *Bus) stopSignalHandlers() {
	if b.sig.ch == nil {
		return
	}
	signal.Stop(b.sig.ch)
	close(b.sig.ch)
	b.sig.ch = nil
	b.sig.pending.Store(0)
	b.sig.childPid.Store(0)
	b.sig.childStatus.Store(0)
}

// handleSignal runs on the shim goroutine.
func (b *Bus) handleSignal(s unix.Signal) {
	if inSignalSet(fatalSignals, s) {
		if b.sig.fatalSeen.Swap(true) {
			// A second fatal signal forces immediate termination.
			os.Exit(shellSignalQuitOffset + int(s))
		}
		b.logger.Error("fatal_signal", "signal", unix.SignalName(s))
		os.Exit(shellSignalQuitOffset + int(s))
	}
	b.logger.Debug("signal_received", "signal", unix.SignalName(s))
	b.sig.pending.Store(int32(s))
	if s == unix.SIGCHLD {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == nil && pid > 0 {
			b.sig.childPid.Store(int32(pid))
			b.sig.childStatus.Store(int32(ws))
		}
	} else if inSignalSet(quitSignals, s) {
		b.Quit(shellSignalQuitOffset + int(s))
	}
	// Interrupt a blocked idle wait so the slot is flushed promptly.
	b.poller.Wakeup()
}

// flushSignal delivers a captured signal as a message to the root
// object. Runs on the loop thread during idle, after the queue swap, so
// the Signal message leads the next iteration.
func (b *Bus) flushSignal() {
	signo := b.sig.pending.Swap(0)
	if signo == 0 {
		return
	}
	childPid := b.sig.childPid.Swap(0)
	childStatus := b.sig.childStatus.Swap(0)
	if !b.appProxy.Valid() {
		return
	}
	SendAppSignal(&b.appProxy, signo, childPid, childStatus)
}
