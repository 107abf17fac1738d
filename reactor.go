package ftcomm

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// reactor is a single-goroutine event loop. All link and connection state is
// owned by the goroutine executing run; other goroutines only reach it
// through post (I/O pumps, timers) or the waker (application goroutines).
//
// Blocking happens in exactly one place: the select at the top of run.
// Handlers posted to the loop must never block.
type reactor struct {
	clock  clock
	wake   *waker
	events chan func()
	done   chan struct{} // closed when run returns

	exiting bool // loop-owned

	// closing is closed once the loop stops dispatching; closed is set under
	// mu after it. A post that returns true always lands in events before
	// closed is set, so run's final drain sees it.
	closing chan struct{}
	mu      sync.RWMutex
	closed  bool

	// pumps tracks read, accept and dial goroutines so shutdown can wait
	// for every socket goroutine to finish.
	pumps errgroup.Group
}

// reactorQueueSize is the capacity of the loop's event channel. Pumps block
// when it is full, which throttles readers without affecting the loop.
const reactorQueueSize = 256

// readChunkSize is the size of each read issued by a read pump.
const readChunkSize = 64 << 10

func newReactor(clk clock, wake *waker) *reactor {
	if clk == nil {
		clk = realClock{}
	}
	return &reactor{
		clock:   clk,
		wake:    wake,
		events:  make(chan func(), reactorQueueSize),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// run executes handlers until exit is called from a handler. onWake runs
// on the loop for every waker signal.
//
// Handlers accepted by post but still queued at exit run after the loop
// stops, so they can release what they carry (a dialed or accepted conn).
// Every handler must tolerate running after exit.
func (r *reactor) run(onWake func(wakeReason)) {
	for !r.exiting {
		select {
		case fn := <-r.events:
			fn()
		case <-r.wake.C():
			onWake(r.wake.take())
		}
	}

	close(r.closing)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	defer close(r.done)
	for {
		select {
		case fn := <-r.events:
			fn()
		default:
			return
		}
	}
}

// exit makes run return after the current handler. Loop goroutine only.
func (r *reactor) exit() {
	r.exiting = true
}

// post queues fn for the loop. It returns false if the loop has already
// exited, in which case fn never runs and the caller keeps ownership of
// anything fn would have released.
func (r *reactor) post(fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.events <- fn:
		return true
	case <-r.closing:
		return false
	}
}

// call runs fn on the loop and waits for it to finish, giving up after
// timeout. Used by goroutines that need a consistent snapshot of loop state.
func (r *reactor) call(fn func(), timeout time.Duration) bool {
	finished := make(chan struct{})
	if !r.post(func() {
		fn()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-r.done:
		return false
	case <-time.After(timeout):
		return false
	}
}

// after runs fn on the loop once d has elapsed.
func (r *reactor) after(d time.Duration, fn func()) stopper {
	return r.clock.AfterFunc(d, func() {
		r.post(fn)
	})
}

// spawn runs fn on a tracked goroutine.
func (r *reactor) spawn(fn func()) {
	r.pumps.Go(func() error {
		fn()
		return nil
	})
}

// watchReadable starts a read pump for conn. Every chunk read is handed to
// onData on the loop, in order; the first read error is handed to onErr
// and the pump exits. Closing conn stops the pump.
func (r *reactor) watchReadable(conn net.Conn, onData func([]byte), onErr func(error)) {
	r.spawn(func() {
		buf := make([]byte, readChunkSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !r.post(func() { onData(chunk) }) {
					return
				}
			}
			if err != nil {
				r.post(func() { onErr(err) })
				return
			}
		}
	})
}

// watchAccept starts an accept pump for ln. Accepted connections are handed
// to onConn on the loop. The pump exits when ln is closed.
func (r *reactor) watchAccept(ln net.Listener, onConn func(net.Conn)) {
	r.spawn(func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				select {
				case <-r.done:
					return
				default:
				}
				slog.Error("accept error", "addr", ln.Addr().String(), "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if !r.post(func() { onConn(conn) }) {
				conn.Close()
				return
			}
		}
	})
}

// wait blocks until the loop has exited and every pump has finished.
func (r *reactor) wait() {
	<-r.done
	r.pumps.Wait()
}
