package ftcomm

import (
	"fmt"
	"net"
	"sync"
	"time"
)

var errWriterClosed = fmt.Errorf("ftcomm: writer closed")

// connWriter buffers outbound bytes for one connection and writes them from
// a dedicated goroutine, so the reactor never blocks on a slow peer.
//
// Invariants:
//   - Write only appends to the buffer; bytes reach the socket in Write order.
//   - Close discards buffered bytes and closes the socket immediately.
//   - CloseWhenDrained rejects further writes and closes the socket only
//     after every buffered byte has been written.
//   - onExit is called exactly once from the writer goroutine, unless Close
//     was called first: with nil after a drained close, or with the write
//     error that killed the connection.
type connWriter struct {
	conn         net.Conn
	drainTimeout time.Duration
	onExit       func(error)

	mu       sync.Mutex
	buf      []byte
	spare    []byte
	inflight int
	written  int64
	closing  bool
	closed   bool

	kick chan struct{}
	done chan struct{}
}

func newConnWriter(conn net.Conn, drainTimeout time.Duration, onExit func(error)) *connWriter {
	w := &connWriter{
		conn:         conn,
		drainTimeout: drainTimeout,
		onExit:       onExit,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go w.run()
	return w
}

// Write queues p. It fails only if the writer is closed or closing.
func (w *connWriter) Write(p []byte) error {
	w.mu.Lock()
	if w.closed || w.closing {
		w.mu.Unlock()
		return errWriterClosed
	}
	w.buf = append(w.buf, p...)
	w.mu.Unlock()
	w.poke()
	return nil
}

// Buffered returns the number of bytes accepted but not yet written.
func (w *connWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf) + w.inflight
}

// Written returns the number of bytes written to the socket so far.
func (w *connWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// CloseWhenDrained closes the connection once the buffer is empty.
func (w *connWriter) CloseWhenDrained() {
	w.mu.Lock()
	if w.closed || w.closing {
		w.mu.Unlock()
		return
	}
	w.closing = true
	w.mu.Unlock()
	if w.drainTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.drainTimeout))
	}
	w.poke()
}

// Close drops buffered bytes and closes the connection now.
func (w *connWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.buf = nil
	w.mu.Unlock()
	w.conn.Close()
	w.poke()
}

// Done is closed when the writer goroutine has exited.
func (w *connWriter) Done() <-chan struct{} {
	return w.done
}

func (w *connWriter) poke() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *connWriter) run() {
	defer close(w.done)
	for range w.kick {
		for {
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			if len(w.buf) == 0 {
				if w.closing {
					w.closed = true
					w.mu.Unlock()
					w.conn.Close()
					w.onExit(nil)
					return
				}
				w.mu.Unlock()
				break
			}
			// Swap buffers so Write can keep appending while we write.
			batch := w.buf
			w.buf = w.spare[:0]
			w.inflight = len(batch)
			w.mu.Unlock()

			n, err := w.conn.Write(batch)

			w.mu.Lock()
			w.inflight = 0
			w.written += int64(n)
			w.spare = batch[:0]
			if err != nil {
				already := w.closed
				w.closed = true
				w.buf = nil
				w.mu.Unlock()
				w.conn.Close()
				if !already {
					w.onExit(err)
				}
				return
			}
			w.mu.Unlock()
		}
	}
}
