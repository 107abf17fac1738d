package ftcomm

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

var (
	ep0sw0 = net.JoinHostPort("127.0.0.11", strconv.Itoa(DefaultPort))
	ep0sw1 = net.JoinHostPort("127.0.0.21", strconv.Itoa(DefaultPort))
)

func hostOpts(d *fakeDialer, extra ...Option) []Option {
	opts := []Option{
		WithTopology(testTopology(1)),
		WithRole(RoleHost),
		WithNodeName("tester"),
		WithDialer(d.dial),
		WithRetryInterval(time.Millisecond),
	}
	return append(opts, extra...)
}

// readFrame reads one envelope from conn.
func readFrame(t *testing.T, conn net.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var hb [HeaderSize]byte
	if _, err := io.ReadFull(conn, hb[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := parseHeader(hb[:], DefaultMaxDataLen)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	env := Envelope{Type: h.typ, Sequence: h.sequence, Session: h.session}
	if h.length > 0 {
		env.Payload = make([]byte, h.length)
		if _, err := io.ReadFull(conn, env.Payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return env
}

func TestHost_RetryBudgetThenConnectFail(t *testing.T) {
	d := newFakeDialer(func(raddr string) bool { return raddr == ep0sw0 })
	defer d.closeAll()
	clk := newFakeClock()
	var errs errLog

	type result struct {
		c   *Comm
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Init(context.Background(), errs.record, nil,
			hostOpts(d, WithMaxRetries(3), WithRetryInterval(time.Hour), withClock(clk))...)
		done <- result{c, err}
	}()

	// Retry timers only fire when the clock moves.
	var res result
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case res = <-done:
			break loop
		case <-deadline:
			t.Fatal("Init did not return")
		default:
			clk.Advance(time.Hour)
			time.Sleep(2 * time.Millisecond)
		}
	}
	if res.err != nil {
		t.Fatalf("Init: %v", res.err)
	}
	defer res.c.Deinit()

	if got := d.attemptsTo(ep0sw0); got != 3 {
		t.Errorf("attempts to unreachable link = %d, want 3", got)
	}
	if got := d.attemptsTo(ep0sw1); got != 1 {
		t.Errorf("attempts to reachable link = %d, want 1", got)
	}
	if got := errs.count(errEntry{0, 0, HostConnectFail}); got != 1 {
		t.Errorf("HostConnectFail reported %d times, want 1 (all: %v)", got, errs.all())
	}
	if got := len(errs.all()); got != 1 {
		t.Errorf("%d error callbacks, want 1: %v", got, errs.all())
	}
	if got := res.c.ConnectedLinks(); got != 1 {
		t.Errorf("ConnectedLinks = %d, want 1", got)
	}
	if got := res.c.Metrics().ConnectFailures.Load(); got != 1 {
		t.Errorf("ConnectFailures = %d, want 1", got)
	}
}

func TestHost_AllUnreachable(t *testing.T) {
	d := newFakeDialer(func(string) bool { return true })
	var errs errLog

	c, err := Init(context.Background(), errs.record, nil, hostOpts(d, WithMaxRetries(2))...)
	if !errors.Is(err, ErrNoLinks) {
		t.Fatalf("err = %v, want ErrNoLinks", err)
	}
	if c != nil {
		t.Fatal("Init returned a handle on failure")
	}
	if n := d.inFlight(); n != 0 {
		t.Fatalf("%d dials still in flight after Init returned", n)
	}
	for _, raddr := range []string{ep0sw0, ep0sw1} {
		if got := d.attemptsTo(raddr); got != 2 {
			t.Errorf("attempts to %s = %d, want 2", raddr, got)
		}
	}
	for sw := 0; sw < 2; sw++ {
		if got := errs.count(errEntry{0, sw, HostConnectFail}); got != 1 {
			t.Errorf("sw %d: HostConnectFail reported %d times, want 1", sw, got)
		}
	}
}

func TestHost_AllUnreachableRealSockets(t *testing.T) {
	requireLoopbackAliases(t)

	// Nothing listens on this port, so every dial is refused.
	port := freePort(t)
	before := openFDs()

	_, err := Init(context.Background(), nil, nil,
		WithTopology(testTopology(2)),
		WithRole(RoleHost),
		WithNodeName("host1"),
		WithPort(port),
		WithMaxRetries(2),
		WithRetryInterval(time.Millisecond),
		WithConnTimeout(time.Second),
	)
	if !errors.Is(err, ErrNoLinks) {
		t.Fatalf("err = %v, want ErrNoLinks", err)
	}
	if before >= 0 {
		if after := openFDs(); after > before {
			t.Fatalf("open fds grew from %d to %d", before, after)
		}
	}
}

func TestHost_InitCancelled(t *testing.T) {
	d := newFakeDialer(nil)
	d.hang = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Init(ctx, nil, nil, hostOpts(d, WithConnTimeout(time.Hour))...)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if n := d.inFlight(); n != 0 {
		t.Fatalf("%d dials still in flight after Init returned", n)
	}
}

func TestHost_BroadcastToEveryLink(t *testing.T) {
	d := newFakeDialer(nil)
	defer d.closeAll()

	c, err := Init(context.Background(), nil, nil, hostOpts(d)...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		d.closeAll()
		c.Deinit()
	}()

	for i := 0; i < 3; i++ {
		if err := c.Send([]byte("msg" + strconv.Itoa(i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for _, raddr := range []string{ep0sw0, ep0sw1} {
		remote := d.remote(raddr)
		for i := 0; i < 3; i++ {
			env := readFrame(t, remote)
			if env.Type != MsgData {
				t.Fatalf("%s: type = %v, want data", raddr, env.Type)
			}
			if env.Sequence != uint32(i) {
				t.Fatalf("%s: sequence = %d, want %d", raddr, env.Sequence, i)
			}
			if env.Session != c.Session() {
				t.Fatalf("%s: session = %d, want %d", raddr, env.Session, c.Session())
			}
			if want := "msg" + strconv.Itoa(i); string(env.Payload) != want {
				t.Fatalf("%s: payload = %q, want %q", raddr, env.Payload, want)
			}
		}
	}
}

func TestHost_DeferredTermination(t *testing.T) {
	d := newFakeDialer(nil)
	defer d.closeAll()
	var errs errLog

	c, err := Init(context.Background(), errs.record, nil, hostOpts(d)...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := c.ConnectedLinks(); got != 2 {
		t.Fatalf("ConnectedLinks = %d, want 2", got)
	}

	const n = 1000
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := c.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deinitDone := make(chan struct{})
	go func() {
		c.Deinit()
		close(deinitDone)
	}()

	// The count drops as soon as shutdown starts, while the sockets are
	// still open with unread output.
	waitFor(t, "connected count to drop", func() bool { return c.ConnectedLinks() == 0 })
	select {
	case <-deinitDone:
		t.Fatal("Deinit returned before buffered output was read")
	case <-time.After(20 * time.Millisecond):
	}
	if err := c.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send during shutdown: err = %v, want ErrClosed", err)
	}

	for _, raddr := range []string{ep0sw0, ep0sw1} {
		remote := d.remote(raddr)
		env := readFrame(t, remote)
		if len(env.Payload) != n {
			t.Fatalf("%s: got %d payload bytes, want %d", raddr, len(env.Payload), n)
		}
		remote.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := remote.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Fatalf("%s: read after drain: err = %v, want EOF", raddr, err)
		}
	}

	select {
	case <-deinitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Deinit did not return after links drained")
	}
	if got := errs.all(); len(got) != 0 {
		t.Fatalf("deferred close reported errors: %v", got)
	}
}

func TestHost_PeerFailureTerminatesOneLink(t *testing.T) {
	d := newFakeDialer(nil)
	defer d.closeAll()
	var errs errLog

	c, err := Init(context.Background(), errs.record, nil, hostOpts(d)...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		d.closeAll()
		c.Deinit()
	}()

	d.remote(ep0sw0).Close()
	waitFor(t, "link termination", func() bool { return c.ConnectedLinks() == 1 })
	waitFor(t, "error callback", func() bool { return errs.count(errEntry{0, 0, HostConnectTerminate}) == 1 })

	// The surviving link still gets traffic.
	if err := c.Send([]byte("still here")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env := readFrame(t, d.remote(ep0sw1))
	if string(env.Payload) != "still here" {
		t.Fatalf("payload = %q", env.Payload)
	}
}

func TestHost_EndpointProtocol(t *testing.T) {
	d := newFakeDialer(nil)
	defer d.closeAll()
	var errs errLog

	c, err := Init(context.Background(), errs.record, nil, hostOpts(d)...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		d.closeAll()
		c.Deinit()
	}()

	// Heartbeat replies are accepted silently.
	resp := AppendEnvelope(nil, Envelope{Type: MsgHeartbeatResp, Sequence: 1, Session: 2})
	if _, err := d.remote(ep0sw1).Write(resp); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "heartbeat reply", func() bool { return c.Metrics().HeartbeatsReceived.Load() == 1 })

	// DATA from an endpoint is a protocol violation.
	bogus := AppendEnvelope(nil, Envelope{Type: MsgData, Payload: []byte("nope")})
	if _, err := d.remote(ep0sw0).Write(bogus); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "link termination", func() bool { return errs.count(errEntry{0, 0, HostConnectTerminate}) == 1 })
	if got := c.ConnectedLinks(); got != 1 {
		t.Fatalf("ConnectedLinks = %d, want 1", got)
	}
	if got := c.Metrics().InvalidMessages.Load(); got != 1 {
		t.Fatalf("InvalidMessages = %d, want 1", got)
	}
}

func TestHost_LinkStatus(t *testing.T) {
	d := newFakeDialer(func(raddr string) bool { return raddr == ep0sw1 })
	defer d.closeAll()

	c, err := Init(context.Background(), nil, nil, hostOpts(d, WithMaxRetries(1))...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		d.closeAll()
		c.Deinit()
	}()

	st := c.Status()
	if st.Role != "host" || st.Connected != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Links) != 2 {
		t.Fatalf("got %d links, want 2", len(st.Links))
	}
	want := map[int]string{0: "connected", 1: "failed"}
	for _, l := range st.Links {
		if l.State != want[l.Switch] {
			t.Errorf("sw %d: state = %q, want %q", l.Switch, l.State, want[l.Switch])
		}
	}
}
