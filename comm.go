package ftcomm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidArgument = fmt.Errorf("ftcomm: invalid argument")
	ErrNotHost         = fmt.Errorf("ftcomm: operation requires the host role")
	ErrNotEndpoint     = fmt.Errorf("ftcomm: operation requires the endpoint role")
)

// statusTimeout bounds how long Status waits for the reactor.
const statusTimeout = time.Second

// Comm is the process-wide handle returned by Init. A host broadcasts with
// Send; an endpoint runs Serve. Both finish with Deinit.
type Comm struct {
	cfg     config
	role    Role
	session uint32
	metrics *Metrics
	wake    *waker
	r       *reactor

	host  *hostSide
	queue *outboundQueue
	ep    *endpointSide

	admin *AdminServer

	serving    atomic.Bool
	deinitOnce sync.Once
}

// Init resolves this process's role and brings up its side of the
// topology.
//
// A host must pass a nil onData. Init dials every endpoint on every switch
// and returns once each link has connected or used up its retries; it fails
// with ErrNoLinks if nothing connected. ctx bounds that wait.
//
// An endpoint must pass a non-nil onData. Init only opens the listeners;
// call Serve to start accepting.
//
// Callbacks run on the reactor goroutine and must not call Deinit.
func Init(ctx context.Context, onError ErrorCallback, onData DataCallback, opts ...Option) (*Comm, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logLevel != nil {
		InitLogger(*cfg.logLevel)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.nodeName == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname: %w", err)
		}
		cfg.nodeName = name
	}
	role := cfg.role
	if role == 0 {
		r, err := ResolveRole(cfg.nodeName, cfg.hostPrefix, cfg.endpointPrefix)
		if err != nil {
			return nil, err
		}
		role = r
	}
	switch role {
	case RoleHost:
		if onData != nil {
			return nil, fmt.Errorf("%w: host takes no data callback", ErrInvalidArgument)
		}
	case RoleEndpoint:
		if onData == nil {
			return nil, fmt.Errorf("%w: endpoint requires a data callback", ErrInvalidArgument)
		}
	default:
		return nil, fmt.Errorf("%w: role %d", ErrUnknownRole, role)
	}

	c := &Comm{
		cfg:     cfg,
		role:    role,
		metrics: newMetrics(),
		wake:    newWaker(),
	}
	c.r = newReactor(cfg.clock, c.wake)
	log := slog.With("node", cfg.nodeName, "role", role.String())

	if role == RoleHost {
		c.session = rand.Uint32()
		c.queue = newOutboundQueue(c.session, cfg.maxDataLen, cfg.maxPending, c.wake)
		c.host = newHostSide(&c.cfg, c.r, c.queue, c.metrics, onError)
		log.Info("starting host", "session", c.session, "links", c.host.total)
		if err := c.host.start(ctx); err != nil {
			c.metrics.release()
			return nil, err
		}
	} else {
		c.ep = newEndpointSide(&c.cfg, c.r, c.metrics, onError, onData)
		if err := c.ep.listen(ctx); err != nil {
			c.metrics.release()
			return nil, err
		}
		log.Info("starting endpoint", "listeners", len(c.ep.listeners))
	}

	if cfg.adminAddr != "" {
		as, err := NewAdminServer(c, cfg.adminAddr)
		if err != nil {
			c.Deinit()
			return nil, fmt.Errorf("admin server: %w", err)
		}
		c.admin = as
		as.Start()
	}
	return c, nil
}

// Send queues payload for broadcast to every connected endpoint and returns
// without waiting for delivery. Safe for concurrent use.
func (c *Comm) Send(payload []byte) error {
	if c.role != RoleHost {
		return ErrNotHost
	}
	seq, err := c.queue.push(payload)
	if err != nil {
		return err
	}
	c.metrics.MessagesQueued.Add(1)
	slog.Debug("queued", "sequence", seq, "len", len(payload))
	return nil
}

// Serve runs the endpoint's reactor on the calling goroutine. It returns
// after Deinit is called or ctx is done, once every live connection has
// been closed. It returns ctx.Err() if ctx ended it.
func (c *Comm) Serve(ctx context.Context) error {
	if c.role != RoleEndpoint {
		return ErrNotEndpoint
	}
	if !c.serving.CompareAndSwap(false, true) {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, c.Deinit)
	defer stop()

	c.ep.serve()
	c.metrics.release()
	return ctx.Err()
}

// Deinit shuts the Comm down.
//
// On a host it rejects further sends, delivers everything already queued,
// closes each link once its output has drained and waits for the reactor.
// On an endpoint it asks Serve to stop and returns immediately.
func (c *Comm) Deinit() {
	c.deinitOnce.Do(func() {
		if c.admin != nil {
			c.admin.Stop()
		}
		switch c.role {
		case RoleHost:
			c.host.stop()
			c.metrics.release()
			slog.Info("host stopped", "metrics", c.metrics.Snapshot())
		case RoleEndpoint:
			if c.serving.CompareAndSwap(false, true) {
				// Serve never ran: nothing but the listeners to release.
				c.ep.closeListeners()
				c.metrics.release()
				return
			}
			c.wake.notify(wakeShutdown)
		}
	})
}

func (c *Comm) Role() Role {
	return c.role
}

// Session is the random identifier stamped on every message this host
// sends. Zero on an endpoint.
func (c *Comm) Session() uint32 {
	return c.session
}

// ConnectedLinks returns the number of connected links on a host, or of
// live host connections on an endpoint.
func (c *Comm) ConnectedLinks() int {
	if c.role == RoleHost {
		return c.host.connectedLinks()
	}
	return c.ep.liveConns()
}

func (c *Comm) Metrics() *Metrics {
	return c.metrics
}

// Addrs returns the endpoint's listen addresses. Nil on a host.
func (c *Comm) Addrs() []net.Addr {
	if c.ep == nil {
		return nil
	}
	return c.ep.addrs()
}

// Status is a point-in-time view of a Comm.
type Status struct {
	Node      string           `json:"node"`
	Role      string           `json:"role"`
	Session   uint32           `json:"session,omitempty"`
	Connected int              `json:"connected"`
	Queued    int              `json:"queued"`
	Links     []LinkStatus     `json:"links,omitempty"`
	Conns     []ConnStatus     `json:"conns,omitempty"`
	Metrics   map[string]int64 `json:"metrics"`
}

// Status snapshots the Comm. Link and connection details are taken on the
// reactor and are omitted if it does not answer in time.
func (c *Comm) Status() Status {
	st := Status{
		Node:      c.cfg.nodeName,
		Role:      c.role.String(),
		Session:   c.session,
		Connected: c.ConnectedLinks(),
		Metrics:   c.metrics.Snapshot(),
	}
	switch c.role {
	case RoleHost:
		st.Queued = c.queue.len()
		ch := make(chan []LinkStatus, 1)
		if c.r.call(func() { ch <- c.host.statuses() }, statusTimeout) {
			st.Links = <-ch
		}
	case RoleEndpoint:
		ch := make(chan []ConnStatus, 1)
		if c.r.call(func() { ch <- c.ep.statuses() }, statusTimeout) {
			st.Conns = <-ch
		}
	}
	return st
}
