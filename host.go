package ftcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrNoLinks = fmt.Errorf("ftcomm: no endpoint links established")

// hostSide is the host's connection manager. It dials every (endpoint,
// switch) pair, fans queued messages out over connected links and tears
// links down on error or shutdown.
//
// Invariants:
//   - links, and every field of every link, are touched only on the
//     reactor goroutine.
//   - connected is the only state shared with application goroutines and
//     is guarded by mu.
//   - Each link releases exactly one barrier permit, when it first
//     connects or when its retry budget runs out.
type hostSide struct {
	cfg     *config
	r       *reactor
	queue   *outboundQueue
	metrics *Metrics
	onError ErrorCallback
	dial    DialFunc

	links   [][]*link
	total   int64
	barrier *semaphore.Weighted

	mu        sync.Mutex
	connected int

	shuttingDown bool
}

func newHostSide(cfg *config, r *reactor, q *outboundQueue, m *Metrics, onError ErrorCallback) *hostSide {
	h := &hostSide{
		cfg:     cfg,
		r:       r,
		queue:   q,
		metrics: m,
		onError: onError,
		dial:    cfg.dial,
	}
	if h.dial == nil {
		h.dial = tcpDialer(cfg.tcpUserTimeout)
	}

	topo := cfg.topology
	self := topo.HostIndex(cfg.nodeName)
	port := strconv.Itoa(cfg.port)

	h.links = make([][]*link, len(topo.Endpoints))
	for i, ep := range topo.Endpoints {
		h.links[i] = make([]*link, topo.Switches)
		for sw := 0; sw < topo.Switches; sw++ {
			laddr := ""
			if self >= 0 {
				laddr = topo.Hosts[self].Addrs[sw]
			}
			raddr := net.JoinHostPort(ep.Addrs[sw], port)
			h.links[i][sw] = newLink(i, sw, raddr, laddr, cfg.maxRetries)
			h.total++
		}
	}
	h.barrier = semaphore.NewWeighted(h.total)
	m.linksFn = h.connectedLinks
	return h
}

// start runs the reactor on a dedicated goroutine, dials every link and
// blocks until each link has connected or exhausted its retries. It fails
// if no link connected.
func (h *hostSide) start(ctx context.Context) error {
	// Hold every permit; links hand them back one by one as they resolve.
	if err := h.barrier.Acquire(context.Background(), h.total); err != nil {
		return err
	}

	go h.r.run(h.onWake)
	h.r.post(h.connectAll)

	if err := h.barrier.Acquire(ctx, h.total); err != nil {
		slog.Error("host startup cancelled", "error", err)
		h.stop()
		return err
	}

	n := h.connectedLinks()
	if n == 0 {
		slog.Error("no connections established", "links", h.total)
		h.stop()
		return ErrNoLinks
	}
	slog.Info("host started", "connected", n, "links", h.total)
	return nil
}

// stop flushes the queue, defer-closes every link and waits for the
// reactor and all socket goroutines to exit.
func (h *hostSide) stop() {
	h.queue.close()
	h.r.wait()
}

func (h *hostSide) connectedLinks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *hostSide) addConnected(delta int) {
	h.mu.Lock()
	h.connected += delta
	h.mu.Unlock()
}

func (h *hostSide) forEachLink(fn func(*link)) {
	for _, row := range h.links {
		for _, l := range row {
			fn(l)
		}
	}
}

// --- connection establishment ---

func (h *hostSide) connectAll() {
	h.forEachLink(h.dialLink)
}

func (h *hostSide) dialLink(l *link) {
	l.state = linkDialing
	h.metrics.ConnectAttempts.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.connTimeout)
	l.cancelDial = cancel
	h.r.spawn(func() {
		conn, err := h.dial(ctx, "tcp", l.laddr, l.raddr)
		cancel()
		if !h.r.post(func() { h.onDialResult(l, conn, err) }) && conn != nil {
			conn.Close()
		}
	})
}

func (h *hostSide) onDialResult(l *link, conn net.Conn, err error) {
	if l.state != linkDialing {
		// Abandoned by shutdown.
		if conn != nil {
			conn.Close()
		}
		return
	}
	l.cancelDial = nil
	if err != nil {
		h.retryLater(l, err)
		return
	}
	h.linkUp(l, conn)
}

func (h *hostSide) retryLater(l *link, cause error) {
	l.retriesLeft--
	if l.retriesLeft > 0 {
		l.state = linkRetryPending
		l.log.Debug("connect failed, will retry",
			"error", cause, "retries_left", l.retriesLeft, "in", h.cfg.retryInterval)
		l.retry = h.r.after(h.cfg.retryInterval, func() {
			if l.state != linkRetryPending {
				return
			}
			l.retry = nil
			h.dialLink(l)
		})
		return
	}

	l.state = linkFailed
	l.since = h.r.clock.Now()
	l.log.Warn("couldn't connect to endpoint", "error", cause)
	h.metrics.ConnectFailures.Add(1)
	h.report(l, HostConnectFail)
	h.resolve(l)
	h.maybeExit()
}

func (h *hostSide) linkUp(l *link, conn net.Conn) {
	l.state = linkConnected
	l.since = h.r.clock.Now()
	l.conn = conn
	l.dec = NewDecoder(h.cfg.maxDataLen)
	l.w = newConnWriter(conn, h.cfg.drainTimeout, func(err error) {
		h.r.post(func() { h.onWriterExit(l, conn, err) })
	})
	h.addConnected(1)
	l.log.Info("connected to endpoint")
	h.resolve(l)

	h.r.watchReadable(conn,
		func(p []byte) { h.onLinkData(l, conn, p) },
		func(err error) { h.onLinkReadErr(l, conn, err) },
	)
}

func (h *hostSide) resolve(l *link) {
	if l.resolved {
		return
	}
	l.resolved = true
	h.barrier.Release(1)
}

func (h *hostSide) report(l *link, reason Reason) {
	if h.onError != nil {
		h.onError(l.ep, l.sw, reason)
	}
}

// --- traffic ---

func (h *hostSide) onWake(reasons wakeReason) {
	// Always flush first: messages queued before a shutdown request are
	// delivered before the links are closed.
	h.flush()
	if reasons&wakeShutdown != 0 {
		h.shutdown()
	}
}

func (h *hostSide) flush() {
	for {
		m, ok := h.queue.pop()
		if !ok {
			return
		}
		h.broadcast(m)
	}
}

// broadcast writes one message to every connected link. The frame is
// encoded once and shared read-only; a failing link is terminated without
// affecting the others.
func (h *hostSide) broadcast(m *pendingMessage) {
	frame := AppendEnvelope(make([]byte, 0, HeaderSize+len(m.payload)), Envelope{
		Type:     MsgData,
		Sequence: m.sequence,
		Session:  m.session,
		Payload:  m.payload,
	})

	sent := 0
	h.forEachLink(func(l *link) {
		if l.state != linkConnected {
			return
		}
		if err := l.w.Write(frame); err != nil {
			l.log.Warn("couldn't queue data for endpoint", "error", err)
			h.terminateNow(l)
			return
		}
		sent++
	})

	h.metrics.MessagesBroadcast.Add(1)
	h.metrics.FramesQueued.Add(int64(sent))
	slog.Debug("broadcast", "sequence", m.sequence, "len", len(m.payload), "links", sent)
}

func (h *hostSide) onLinkData(l *link, conn net.Conn, p []byte) {
	if l.conn != conn || l.state != linkConnected {
		return
	}
	err := l.dec.Feed(p, func(env Envelope) error {
		if env.Type != MsgHeartbeatResp {
			return fmt.Errorf("%w: unexpected %s from endpoint", ErrInvalidMessage, env.Type)
		}
		h.metrics.HeartbeatsReceived.Add(1)
		return nil
	})
	if err != nil {
		l.log.Warn("invalid data from endpoint, disconnecting", "error", err)
		h.metrics.InvalidMessages.Add(1)
		h.terminateNow(l)
	}
}

func (h *hostSide) onLinkReadErr(l *link, conn net.Conn, err error) {
	if l.conn != conn {
		return
	}
	switch l.state {
	case linkConnected:
		if errors.Is(err, io.EOF) {
			l.log.Warn("endpoint connection terminated")
		} else {
			l.log.Warn("socket failure, disconnecting endpoint", "error", err)
		}
		h.terminateNow(l)
	case linkClosing:
		// The peer is gone; nothing buffered can be delivered anymore.
		l.w.Close()
		l.state = linkClosed
		h.maybeExit()
	}
}

func (h *hostSide) onWriterExit(l *link, conn net.Conn, err error) {
	if l.conn != conn {
		return
	}
	switch l.state {
	case linkConnected:
		l.log.Warn("write failed, disconnecting endpoint", "error", err)
		h.terminateNow(l)
	case linkClosing:
		if err != nil {
			l.log.Warn("link closed before output drained", "error", err)
		} else {
			l.log.Debug("link drained and closed")
		}
		l.state = linkClosed
		h.maybeExit()
	}
}

// --- termination ---

// terminateNow closes a link immediately, discarding unsent output, and
// reports HostConnectTerminate.
func (h *hostSide) terminateNow(l *link) {
	l.state = linkClosed
	l.w.Close()
	h.addConnected(-1)
	h.metrics.LinksTerminated.Add(1)
	h.report(l, HostConnectTerminate)
	h.maybeExit()
}

// terminateDefer stops new sends to a link at once but closes the socket
// only after its buffered output has been written. Nothing is reported.
func (h *hostSide) terminateDefer(l *link) {
	l.state = linkClosing
	h.addConnected(-1)
	l.w.CloseWhenDrained()
}

func (h *hostSide) shutdown() {
	if h.shuttingDown {
		return
	}
	h.shuttingDown = true
	slog.Info("host shutting down", "connected", h.connectedLinks())

	h.forEachLink(func(l *link) {
		switch l.state {
		case linkConnected:
			h.terminateDefer(l)
		case linkDialing:
			l.cancelDial()
			l.state = linkClosed
		case linkRetryPending:
			l.retry.Stop()
			l.state = linkClosed
		case linkIdle:
			l.state = linkClosed
		}
	})
	h.maybeExit()
}

// maybeExit stops the reactor once shutdown was requested and every link
// is finished.
func (h *hostSide) maybeExit() {
	if !h.shuttingDown {
		return
	}
	for _, row := range h.links {
		for _, l := range row {
			if !l.finished() {
				return
			}
		}
	}
	h.r.exit()
}

// statuses returns a snapshot of every link. Reactor goroutine only.
func (h *hostSide) statuses() []LinkStatus {
	var out []LinkStatus
	h.forEachLink(func(l *link) {
		out = append(out, l.status())
	})
	return out
}

func tcpDialer(userTimeout time.Duration) DialFunc {
	return func(ctx context.Context, network, laddr, raddr string) (net.Conn, error) {
		d := net.Dialer{Control: socketControl(userTimeout)}
		if laddr != "" {
			d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(laddr)}
		}
		return d.DialContext(ctx, network, raddr)
	}
}
