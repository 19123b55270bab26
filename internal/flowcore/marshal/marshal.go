// Package marshal implements the application-thread-to-event-loop
// marshalling queue: a typed command channel with a one-shot completion
// signal per command, in place of a message queue backed by a busy-wait
// poll.
package marshal

import "github.com/sebas/flowcore/internal/flowcore/logging"

var log = logging.For("marshal")

// command is one queued operation plus its completion signal.
type command struct {
	fn   func()
	done chan struct{}
}

// Marshal serialises calls from arbitrary goroutines onto a single
// event-loop goroutine started by Run. Every public FlowManager entry
// point has a direct form (called from Run's goroutine) and a Send-wrapped
// form (called from any other goroutine); no operation ever runs
// concurrently with another on the same FlowManager, since Run drains
// cmds one at a time.
type Marshal struct {
	cmds chan command
	stop chan struct{}
}

// New creates a Marshal with the given command-queue depth.
func New(queueDepth int) *Marshal {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Marshal{
		cmds: make(chan command, queueDepth),
		stop: make(chan struct{}),
	}
}

// Run drains queued commands on the calling goroutine until Close is
// called. The goroutine that calls Run is the event-loop thread.
func (m *Marshal) Run() {
	for {
		select {
		case cmd := <-m.cmds:
			cmd.fn()
			close(cmd.done)
		case <-m.stop:
			m.drain()
			return
		}
	}
}

// drain runs out any commands still queued at shutdown so their callers
// don't block forever, rather than silently dropping them.
func (m *Marshal) drain() {
	for {
		select {
		case cmd := <-m.cmds:
			cmd.fn()
			close(cmd.done)
		default:
			return
		}
	}
}

// Close stops Run after the currently queued commands have drained.
func (m *Marshal) Close() {
	close(m.stop)
}

// Send enqueues fn to run on the event-loop goroutine and blocks the
// caller until it completes (spec §4.6 send). Must not be called from
// within Run's own goroutine (that always deadlocks: Run cannot take the
// command while it is blocked in Send waiting for it);
// callers already on the event loop should call fn directly instead.
func (m *Marshal) Send(fn func()) {
	done := make(chan struct{})
	select {
	case m.cmds <- command{fn: fn, done: done}:
	case <-m.stop:
		log.Warn("marshal: send after close, running inline")
		fn()
		return
	}
	<-done
}

// SendVal runs fn on the event-loop goroutine and returns its result,
// for the common case of a marshalled call with a return value.
func SendVal[T any](m *Marshal, fn func() T) T {
	var out T
	m.Send(func() { out = fn() })
	return out
}
