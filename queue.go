package ftcomm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/enriquebris/goconcurrentqueue"
)

var (
	ErrEmptyPayload    = fmt.Errorf("ftcomm: empty payload")
	ErrPayloadTooLarge = fmt.Errorf("ftcomm: payload too large")
	ErrQueueFull       = fmt.Errorf("ftcomm: outbound queue full")
	ErrClosed          = fmt.Errorf("ftcomm: comm closed")
)

// wakeReason is a bitset of why the reactor was woken.
type wakeReason uint32

const (
	wakeMessage wakeReason = 1 << iota
	wakeShutdown
)

// waker is a coalescing multi-producer signal watched by the reactor loop.
// Any number of notify calls before the loop runs collapse into one wakeup
// whose take() returns the union of reasons.
type waker struct {
	pending atomic.Uint32
	ch      chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{}, 1)}
}

func (w *waker) notify(r wakeReason) {
	w.pending.Or(uint32(r))
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *waker) C() <-chan struct{} {
	return w.ch
}

func (w *waker) take() wakeReason {
	return wakeReason(w.pending.Swap(0))
}

// pendingMessage is one queued broadcast. It is immutable once queued.
type pendingMessage struct {
	session  uint32
	sequence uint32
	payload  []byte
}

// fifo is the subset of goconcurrentqueue used here; both FIFO and
// FixedFIFO satisfy it.
type fifo interface {
	Enqueue(value interface{}) error
	Dequeue() (interface{}, error)
	GetLen() int
}

// outboundQueue hands messages from application goroutines to the reactor.
// Sequence assignment and enqueue happen under one mutex so queue order
// always matches sequence order.
type outboundQueue struct {
	maxDataLen int
	session    uint32
	wake       *waker

	mu      sync.Mutex
	q       fifo
	nextSeq uint32
	closed  bool
}

func newOutboundQueue(session uint32, maxDataLen, maxPending int, wake *waker) *outboundQueue {
	var q fifo
	if maxPending > 0 {
		q = goconcurrentqueue.NewFixedFIFO(maxPending)
	} else {
		q = goconcurrentqueue.NewFIFO()
	}
	return &outboundQueue{
		maxDataLen: maxDataLen,
		session:    session,
		wake:       wake,
		q:          q,
	}
}

// push validates and copies payload, assigns the next sequence number and
// wakes the reactor. It never waits for delivery.
func (q *outboundQueue) push(payload []byte) (uint32, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	if len(payload) > q.maxDataLen {
		return 0, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), q.maxDataLen)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	seq := q.nextSeq
	if err := q.q.Enqueue(&pendingMessage{session: q.session, sequence: seq, payload: buf}); err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrQueueFull, err)
	}
	q.nextSeq++
	q.mu.Unlock()

	q.wake.notify(wakeMessage)
	return seq, nil
}

// pop removes the oldest message. Reactor goroutine only.
func (q *outboundQueue) pop() (*pendingMessage, bool) {
	v, err := q.q.Dequeue()
	if err != nil {
		return nil, false
	}
	return v.(*pendingMessage), true
}

func (q *outboundQueue) len() int {
	return q.q.GetLen()
}

// close rejects further pushes and asks the reactor to shut down. Messages
// already queued are still delivered.
func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake.notify(wakeShutdown)
}
