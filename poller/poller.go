// Package poller provides the timer and file-descriptor multiplexer
// that drives the idle phase of the message loop.
//
// Features:
//   - One-shot timers fired on the loop thread
//   - File-descriptor readiness watches via poll(2)
//   - A wakeup pipe so other goroutines can interrupt a blocked Run
//
// All operations except Wakeup must be called from the loop thread.
package poller

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Readiness event masks for Watch, mirroring poll(2).
const (
	In  = int16(unix.POLLIN)
	Out = int16(unix.POLLOUT)
	Err = int16(unix.POLLERR)
	Hup = int16(unix.POLLHUP)
)

// ListenFdsStart is the first inherited descriptor under socket activation.
const ListenFdsStart = 3

// TimerID identifies an armed timer.
type TimerID uint64

// WatchID identifies a file-descriptor watch.
type WatchID uint64

type timer struct {
	id       TimerID
	deadline time.Time
	fn       func()
}

type watch struct {
	id     WatchID
	fd     int
	events int16
	fn     func(revents int16)
}

// Poller multiplexes timers and file-descriptor watches.
//
// Usage:
//
//	p, _ := poller.New()
//	p.AddTimer(100*time.Millisecond, func() { ... })
//	for p.Run(-1) {
//	}
type Poller struct {
	timers  []*timer
	watches []*watch
	nextID  uint64

	// Wakeup pipe; read end is polled alongside the watches.
	wakeR, wakeW int
}

// New creates a poller and its wakeup pipe.
func New() (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Poller{wakeR: fds[0], wakeW: fds[1]}, nil
}

// Close releases the wakeup pipe and drops all timers and watches.
func (p *Poller) Close() {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	p.timers = nil
	p.watches = nil
}

// AddTimer arms a one-shot timer. The callback runs from inside Run.
func (p *Poller) AddTimer(after time.Duration, fn func()) TimerID {
	p.nextID++
	t := &timer{id: TimerID(p.nextID), deadline: time.Now().Add(after), fn: fn}
	p.timers = append(p.timers, t)
	return t.id
}

// Remove disarms a timer. Safe to call for an already-fired timer.
func (p *Poller) Remove(id TimerID) bool {
	return p.removeTimer(id) != nil
}

// Watch registers interest in readiness events on fd.
// The watch persists until Unwatch; the callback runs from inside Run.
func (p *Poller) Watch(fd int, events int16, fn func(revents int16)) WatchID {
	p.nextID++
	w := &watch{id: WatchID(p.nextID), fd: fd, events: events, fn: fn}
	p.watches = append(p.watches, w)
	return w.id
}

// Unwatch removes a file-descriptor watch.
func (p *Poller) Unwatch(id WatchID) bool {
	for i, w := range p.watches {
		if w.id == id {
			p.watches = append(p.watches[:i], p.watches[i+1:]...)
			return true
		}
	}
	return false
}

// Armed reports whether any timer or watch remains.
func (p *Poller) Armed() bool {
	return len(p.timers)+len(p.watches) > 0
}

// Wakeup interrupts a blocked Run. Safe from any goroutine.
func (p *Poller) Wakeup() {
	_, _ = unix.Write(p.wakeW, []byte{0})
}

// Run waits for readiness or timer expiry and fires the callbacks.
// wait >= 0 bounds the wait; wait < 0 blocks until the nearest timer
// deadline or a descriptor event, and returns at once when nothing is
// armed. EINTR ends the wait early. Returns whether any timer or watch
// remains armed.
func (p *Poller) Run(wait time.Duration) bool {
	pfds := make([]unix.PollFd, 1, 1+len(p.watches))
	pfds[0] = unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN}
	ids := make([]WatchID, 1, 1+len(p.watches))
	for _, w := range p.watches {
		pfds = append(pfds, unix.PollFd{Fd: int32(w.fd), Events: w.events})
		ids = append(ids, w.id)
	}

	n, err := unix.Poll(pfds, p.timeoutMS(wait))
	if err != nil && err != unix.EINTR {
		return p.Armed()
	}
	if n > 0 {
		if pfds[0].Revents != 0 {
			p.drainWake()
		}
		// Callbacks may add or remove watches; re-resolve by id.
		for i := 1; i < len(pfds); i++ {
			if pfds[i].Revents == 0 {
				continue
			}
			if w := p.watchByID(ids[i]); w != nil {
				w.fn(pfds[i].Revents)
			}
		}
	}
	p.fireDue(time.Now())
	return p.Armed()
}

// timeoutMS converts the wait budget to a poll(2) timeout.
func (p *Poller) timeoutMS(wait time.Duration) int {
	if wait >= 0 {
		return int(wait.Milliseconds())
	}
	if !p.Armed() {
		return 0 // nothing can ever fire; do not block
	}
	if len(p.timers) == 0 {
		return -1
	}
	nearest := p.timers[0].deadline
	for _, t := range p.timers[1:] {
		if t.deadline.Before(nearest) {
			nearest = t.deadline
		}
	}
	ms := int(time.Until(nearest).Milliseconds())
	if ms < 0 {
		ms = 0
	}
	return ms
}

// fireDue removes and fires every expired timer.
// Timers are removed before their callback runs, so a callback may
// freely arm new timers without re-firing itself.
func (p *Poller) fireDue(now time.Time) {
	var due []TimerID
	for _, t := range p.timers {
		if !t.deadline.After(now) {
			due = append(due, t.id)
		}
	}
	for _, id := range due {
		if t := p.removeTimer(id); t != nil {
			t.fn()
		}
	}
}

func (p *Poller) removeTimer(id TimerID) *timer {
	for i, t := range p.timers {
		if t.id == id {
			p.timers = append(p.timers[:i], p.timers[i+1:]...)
			return t
		}
	}
	return nil
}

func (p *Poller) watchByID(id WatchID) *watch {
	for _, w := range p.watches {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// ListenFds returns the number of descriptors handed over by a socket
// activation manager, or 0 when none were. The descriptors start at
// ListenFdsStart.
func ListenFds() int {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return 0
	}
	n, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
