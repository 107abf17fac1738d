package ftcomm

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"
)

// testTopology returns one host (127.0.0.1/127.0.0.2) and eps endpoints
// (127.0.0.1N/127.0.0.2N), all on two switches.
func testTopology(eps int) Topology {
	topo := Topology{
		Switches: 2,
		Hosts: []Node{
			{Name: "host1", Addrs: []string{"127.0.0.1", "127.0.0.2"}},
		},
	}
	for i := 0; i < eps; i++ {
		topo.Endpoints = append(topo.Endpoints, Node{
			Name:  fmt.Sprintf("rpi%d", i+1),
			Addrs: []string{fmt.Sprintf("127.0.0.%d", 11+i), fmt.Sprintf("127.0.0.%d", 21+i)},
		})
	}
	return topo
}

type errEntry struct {
	peer, sw int
	reason   Reason
}

// errLog records error callbacks.
type errLog struct {
	mu      sync.Mutex
	entries []errEntry
}

func (l *errLog) record(peer, sw int, reason Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, errEntry{peer, sw, reason})
}

func (l *errLog) all() []errEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]errEntry(nil), l.entries...)
}

func (l *errLog) count(e errEntry) int {
	n := 0
	for _, got := range l.all() {
		if got == e {
			n++
		}
	}
	return n
}

// fakeDialer hands out net.Pipe connections and records every attempt.
type fakeDialer struct {
	refuse func(raddr string) bool
	hang   bool // block until the dial context ends

	mu       sync.Mutex
	attempts map[string]int
	inflight int
	remotes  map[string]net.Conn
}

func newFakeDialer(refuse func(raddr string) bool) *fakeDialer {
	if refuse == nil {
		refuse = func(string) bool { return false }
	}
	return &fakeDialer{
		refuse:   refuse,
		attempts: make(map[string]int),
		remotes:  make(map[string]net.Conn),
	}
}

func (d *fakeDialer) dial(ctx context.Context, network, laddr, raddr string) (net.Conn, error) {
	d.mu.Lock()
	d.attempts[raddr]++
	d.inflight++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
	}()

	if d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.refuse(raddr) {
		return nil, fmt.Errorf("dial %s: connection refused", raddr)
	}
	local, remote := net.Pipe()
	d.mu.Lock()
	d.remotes[raddr] = remote
	d.mu.Unlock()
	return local, nil
}

func (d *fakeDialer) attemptsTo(raddr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[raddr]
}

func (d *fakeDialer) inFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

func (d *fakeDialer) remote(raddr string) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotes[raddr]
}

func (d *fakeDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.remotes {
		c.Close()
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// requireLoopbackAliases skips tests that need 127.0.0.x addresses beyond
// 127.0.0.1 (available by default on Linux only).
func requireLoopbackAliases(t *testing.T) {
	t.Helper()
	for _, ip := range []string{"127.0.0.2", "127.0.0.11", "127.0.0.21"} {
		ln, err := net.Listen("tcp", ip+":0")
		if err != nil {
			t.Skipf("loopback alias %s unavailable: %v", ip, err)
		}
		ln.Close()
	}
}

// freePort returns a TCP port that was free on 127.0.0.1 a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func addrOn(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// openFDs counts this process's open file descriptors, or -1 if unknown.
func openFDs() int {
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(ents)
}
