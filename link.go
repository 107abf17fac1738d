package ftcomm

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// linkState is the lifecycle of one host link.
//
//	Dialing ──ok──▶ Connected ──error──▶ Closed          (terminateNow)
//	   │                 └──shutdown──▶ Closing ──drained──▶ Closed
//	   └─fail─▶ RetryPending ──timer──▶ Dialing
//	   └─fail, no budget─▶ Failed
type linkState uint8

const (
	linkIdle linkState = iota
	linkDialing
	linkConnected
	linkRetryPending
	linkFailed
	linkClosing
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkIdle:
		return "idle"
	case linkDialing:
		return "dialing"
	case linkConnected:
		return "connected"
	case linkRetryPending:
		return "retry_pending"
	case linkFailed:
		return "failed"
	case linkClosing:
		return "closing"
	case linkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// link is the host's connection to one endpoint over one switch. Every
// field is owned by the reactor goroutine.
type link struct {
	ep, sw int
	raddr  string // endpoint ip:port
	laddr  string // local source ip, "" if unknown

	state       linkState
	retriesLeft int
	resolved    bool      // startup permit released
	since       time.Time // last transition to Connected or Failed

	conn net.Conn
	w    *connWriter
	dec  *Decoder

	cancelDial context.CancelFunc
	retry      stopper

	log *slog.Logger
}

func newLink(ep, sw int, raddr, laddr string, retries int) *link {
	return &link{
		ep:          ep,
		sw:          sw,
		raddr:       raddr,
		laddr:       laddr,
		retriesLeft: retries,
		log:         slog.With("ep", ep, "sw", sw, "addr", raddr),
	}
}

// finished reports whether the link will never carry traffic again.
func (l *link) finished() bool {
	return l.state == linkFailed || l.state == linkClosed
}

// LinkStatus is a point-in-time view of one host link.
type LinkStatus struct {
	Endpoint    int       `json:"endpoint"`
	Switch      int       `json:"switch"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	RetriesLeft int       `json:"retries_left"`
	Buffered    int       `json:"buffered"`
	Since       time.Time `json:"since,omitempty"`
}

func (l *link) status() LinkStatus {
	s := LinkStatus{
		Endpoint:    l.ep,
		Switch:      l.sw,
		Addr:        l.raddr,
		State:       l.state.String(),
		RetriesLeft: l.retriesLeft,
		Since:       l.since,
	}
	if l.w != nil {
		s.Buffered = l.w.Buffered()
	}
	return s
}
