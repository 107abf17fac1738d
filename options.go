package ftcomm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DefaultPort is the TCP port every endpoint listens on.
const DefaultPort = 14700

// DialFunc opens an outbound connection. laddr is the local IP to bind, or
// "" to let the kernel choose.
type DialFunc func(ctx context.Context, network, laddr, raddr string) (net.Conn, error)

type Option func(*config)

type config struct {
	topology       Topology
	nodeName       string // "" = os.Hostname()
	role           Role   // 0 = resolve from nodeName
	hostPrefix     string
	endpointPrefix string

	port        int
	listenAddrs []string // endpoint; default ":port"

	maxDataLen    int
	connTimeout   time.Duration // bound on a single dial attempt
	retryInterval time.Duration // wait between dial attempts
	maxRetries    int           // dial attempts per link
	maxPending    int           // 0 = unbounded outbound queue

	// drainTimeout bounds deferred close of a link. 0 waits forever.
	drainTimeout time.Duration

	// tcpUserTimeout sets TCP_USER_TIMEOUT on Linux. 0 leaves the kernel default.
	tcpUserTimeout time.Duration

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string

	// logLevel, when set, makes Init install the JSON logger at this level.
	logLevel *slog.Level

	// Test hooks (nil in production).
	dial  DialFunc
	clock clock
}

func defaultConfig() config {
	return config{
		topology:       DefaultTopology(),
		hostPrefix:     "host",
		endpointPrefix: "rpi",
		port:           DefaultPort,
		maxDataLen:     DefaultMaxDataLen,
		connTimeout:    5 * time.Second,
		retryInterval:  5 * time.Second,
		maxRetries:     3,
		clock:          realClock{},
	}
}

func (c *config) validate() error {
	switch {
	case c.maxDataLen <= 0:
		return fmt.Errorf("%w: max data len %d", ErrInvalidArgument, c.maxDataLen)
	case c.port <= 0 || c.port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalidArgument, c.port)
	case c.maxRetries < 1:
		return fmt.Errorf("%w: max retries %d", ErrInvalidArgument, c.maxRetries)
	case c.connTimeout <= 0:
		return fmt.Errorf("%w: conn timeout %v", ErrInvalidArgument, c.connTimeout)
	case c.retryInterval < 0 || c.maxPending < 0 || c.drainTimeout < 0 || c.tcpUserTimeout < 0:
		return fmt.Errorf("%w: negative duration or bound", ErrInvalidArgument)
	}
	return c.topology.Validate()
}

func WithTopology(t Topology) Option {
	return func(c *config) {
		c.topology = t
	}
}

// WithNodeName overrides the name used for role detection and for finding
// this host's per-switch source addresses. Default: os.Hostname().
func WithNodeName(name string) Option {
	return func(c *config) {
		c.nodeName = name
	}
}

// WithRole skips name-based role detection.
func WithRole(r Role) Option {
	return func(c *config) {
		c.role = r
	}
}

func WithNamePrefixes(hostPrefix, endpointPrefix string) Option {
	return func(c *config) {
		c.hostPrefix = hostPrefix
		c.endpointPrefix = endpointPrefix
	}
}

func WithPort(port int) Option {
	return func(c *config) {
		c.port = port
	}
}

// WithListenAddrs sets the endpoint listen addresses. Default: all local
// addresses on the configured port.
func WithListenAddrs(addrs ...string) Option {
	return func(c *config) {
		c.listenAddrs = addrs
	}
}

func WithMaxDataLen(n int) Option {
	return func(c *config) {
		c.maxDataLen = n
	}
}

func WithConnTimeout(d time.Duration) Option {
	return func(c *config) {
		c.connTimeout = d
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(c *config) {
		c.retryInterval = d
	}
}

// WithMaxRetries sets how many dial attempts a link gets before it is
// reported as HostConnectFail. Default: 3.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithMaxPending bounds the outbound queue. Send returns ErrQueueFull when
// the bound is reached. Default: unbounded.
func WithMaxPending(n int) Option {
	return func(c *config) {
		c.maxPending = n
	}
}

// WithDrainTimeout bounds how long Deinit waits for a link's buffered output
// to drain. Default: no bound.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *config) {
		c.drainTimeout = d
	}
}

// WithTCPUserTimeout sets TCP_USER_TIMEOUT on every connection (Linux only),
// so a peer that stops acknowledging data is dropped by the kernel.
func WithTCPUserTimeout(d time.Duration) Option {
	return func(c *config) {
		c.tcpUserTimeout = d
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *config) {
		c.adminAddr = addr
	}
}

// WithLogLevel makes Init call InitLogger(level). Without it the process's
// default slog logger is used as is.
func WithLogLevel(level slog.Level) Option {
	return func(c *config) {
		c.logLevel = &level
	}
}

// WithDialer replaces the TCP dialer used by the host. Test-only; used to
// simulate unreachable endpoints and count opened sockets.
func WithDialer(fn DialFunc) Option {
	return func(c *config) {
		c.dial = fn
	}
}

func withClock(clk clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}
