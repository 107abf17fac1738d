package ftcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

// epConn is one accepted connection from a host. Owned by the reactor.
type epConn struct {
	host, sw int
	conn     net.Conn
	w        *connWriter
	dec      *Decoder
	closing  bool
	log      *slog.Logger
}

// ConnStatus is a point-in-time view of one endpoint connection.
type ConnStatus struct {
	Host     int    `json:"host"`
	Switch   int    `json:"switch"`
	Remote   string `json:"remote"`
	Closing  bool   `json:"closing"`
	Buffered int    `json:"buffered"`
}

// endpointSide accepts connections from known hosts, answers heartbeats and
// hands decoded DATA messages to the application.
type endpointSide struct {
	cfg     *config
	r       *reactor
	metrics *Metrics
	onError ErrorCallback
	onData  DataCallback

	listeners []net.Listener

	// Reactor goroutine only.
	conns    map[*epConn]struct{}
	stopping bool

	mu   sync.Mutex
	live int
}

func newEndpointSide(cfg *config, r *reactor, m *Metrics, onError ErrorCallback, onData DataCallback) *endpointSide {
	e := &endpointSide{
		cfg:     cfg,
		r:       r,
		metrics: m,
		onError: onError,
		onData:  onData,
		conns:   make(map[*epConn]struct{}),
	}
	m.linksFn = e.liveConns
	return e
}

// listen opens one listener per configured address. On failure every
// listener opened so far is closed.
func (e *endpointSide) listen(ctx context.Context) error {
	addrs := e.cfg.listenAddrs
	if len(addrs) == 0 {
		addrs = []string{":" + strconv.Itoa(e.cfg.port)}
	}
	lc := net.ListenConfig{Control: socketControl(e.cfg.tcpUserTimeout)}
	for _, addr := range addrs {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			e.closeListeners()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		slog.Info("endpoint listening", "addr", ln.Addr().String())
		e.listeners = append(e.listeners, ln)
	}
	return nil
}

func (e *endpointSide) closeListeners() {
	for _, ln := range e.listeners {
		ln.Close()
	}
}

func (e *endpointSide) addrs() []net.Addr {
	out := make([]net.Addr, len(e.listeners))
	for i, ln := range e.listeners {
		out[i] = ln.Addr()
	}
	return out
}

// serve runs the reactor on the calling goroutine until stop has closed
// every connection, then waits for all pumps.
func (e *endpointSide) serve() {
	for _, ln := range e.listeners {
		e.r.watchAccept(ln, e.onAccept)
	}
	e.r.run(func(reasons wakeReason) {
		if reasons&wakeShutdown != 0 {
			e.stop()
		}
	})
	e.r.wait()
	slog.Info("endpoint stopped")
}

func (e *endpointSide) liveConns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

func (e *endpointSide) onAccept(conn net.Conn) {
	if e.stopping {
		conn.Close()
		return
	}

	remote := conn.RemoteAddr().String()
	ip, ok := remoteIP(conn)
	host, sw := -1, -1
	if ok {
		host, sw, ok = e.cfg.topology.LookupHost(ip)
	}
	if !ok {
		slog.Warn("rejected connection from unknown peer", "remote", remote)
		e.metrics.ConnsRejected.Add(1)
		conn.Close()
		return
	}

	c := &epConn{
		host: host,
		sw:   sw,
		conn: conn,
		dec:  NewDecoder(e.cfg.maxDataLen),
		log:  slog.With("host", host, "sw", sw, "remote", remote),
	}
	c.w = newConnWriter(conn, e.cfg.drainTimeout, func(err error) {
		e.r.post(func() { e.onWriterExit(c, err) })
	})
	e.conns[c] = struct{}{}
	e.mu.Lock()
	e.live++
	e.mu.Unlock()
	e.metrics.ConnsAccepted.Add(1)
	c.log.Info("accepted connection from host")

	e.r.watchReadable(conn,
		func(p []byte) { e.onConnData(c, p) },
		func(err error) { e.onReadErr(c, err) },
	)
}

func remoteIP(conn net.Conn) (netip.Addr, bool) {
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return ta.AddrPort().Addr(), true
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}

func (e *endpointSide) onConnData(c *epConn, p []byte) {
	if _, ok := e.conns[c]; !ok || c.closing {
		return
	}
	err := c.dec.Feed(p, func(env Envelope) error {
		switch env.Type {
		case MsgHeartbeatReq:
			e.metrics.HeartbeatsReceived.Add(1)
			resp := AppendEnvelope(make([]byte, 0, HeaderSize), Envelope{
				Type:     MsgHeartbeatResp,
				Sequence: env.Sequence,
				Session:  env.Session,
			})
			if err := c.w.Write(resp); err != nil {
				c.log.Warn("couldn't answer heartbeat", "error", err)
				e.report(c, EpHeartbeatFail)
			}
		case MsgHeartbeatResp:
		case MsgData:
			e.metrics.DataReceived.Add(1)
			c.log.Debug("data", "session", env.Session, "sequence", env.Sequence, "len", len(env.Payload))
			if e.onData != nil {
				e.onData(c.host, c.sw, env.Session, env.Sequence, env.Payload)
			}
		}
		return nil
	})
	if err != nil {
		c.log.Warn("invalid message, dropping connection", "error", err)
		e.metrics.InvalidMessages.Add(1)
		e.drop(c, EpInvalidMsg)
	}
}

func (e *endpointSide) onReadErr(c *epConn, err error) {
	if _, ok := e.conns[c]; !ok {
		return
	}
	if c.closing {
		c.w.Close()
		e.remove(c)
		return
	}
	if errors.Is(err, io.EOF) {
		c.log.Info("host closed connection")
	} else {
		c.log.Warn("socket failure, dropping connection", "error", err)
	}
	e.drop(c, EpConnectTerminate)
}

func (e *endpointSide) onWriterExit(c *epConn, err error) {
	if _, ok := e.conns[c]; !ok {
		return
	}
	if c.closing {
		if err != nil {
			c.log.Warn("connection closed before output drained", "error", err)
		}
		e.remove(c)
		return
	}
	c.log.Warn("write failed, dropping connection", "error", err)
	e.drop(c, EpConnectTerminate)
}

// drop closes c immediately and reports reason.
func (e *endpointSide) drop(c *epConn, reason Reason) {
	c.w.Close()
	e.remove(c)
	e.metrics.ConnsDropped.Add(1)
	e.report(c, reason)
}

func (e *endpointSide) remove(c *epConn) {
	delete(e.conns, c)
	e.mu.Lock()
	e.live--
	e.mu.Unlock()
	e.maybeExit()
}

func (e *endpointSide) report(c *epConn, reason Reason) {
	if e.onError != nil {
		e.onError(c.host, c.sw, reason)
	}
}

// stop closes the listeners and defer-closes every live connection. The
// loop exits once the set is empty.
func (e *endpointSide) stop() {
	if e.stopping {
		return
	}
	e.stopping = true
	slog.Info("endpoint shutting down", "connections", len(e.conns))
	e.closeListeners()
	for c := range e.conns {
		c.closing = true
		c.w.CloseWhenDrained()
	}
	e.maybeExit()
}

func (e *endpointSide) maybeExit() {
	if e.stopping && len(e.conns) == 0 {
		e.r.exit()
	}
}

// statuses returns a snapshot of every live connection. Reactor goroutine only.
func (e *endpointSide) statuses() []ConnStatus {
	out := make([]ConnStatus, 0, len(e.conns))
	for c := range e.conns {
		out = append(out, ConnStatus{
			Host:     c.host,
			Switch:   c.sw,
			Remote:   c.conn.RemoteAddr().String(),
			Closing:  c.closing,
			Buffered: c.w.Buffered(),
		})
	}
	return out
}
