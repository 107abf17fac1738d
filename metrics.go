package ftcomm

import (
	"expvar"
	"strconv"
	"sync"
	"sync/atomic"
)

// expvar names cannot be unpublished, so one "ftcomm" var is published per
// process and reports every live Comm keyed by its id. A Comm drops out of
// it when it is torn down.
var (
	metricsSeq     atomic.Int64
	publishMetrics sync.Once

	liveMu      sync.Mutex
	liveMetrics = make(map[int64]*Metrics)
)

// Metrics tracks operational counters for a Comm. All counters are atomic
// and visible under the "ftcomm" expvar via /debug/vars while the Comm is
// alive.
type Metrics struct {
	// Host side.
	MessagesQueued    atomic.Int64
	MessagesBroadcast atomic.Int64
	FramesQueued      atomic.Int64
	ConnectAttempts   atomic.Int64
	ConnectFailures   atomic.Int64
	LinksTerminated   atomic.Int64

	// Endpoint side.
	ConnsAccepted atomic.Int64
	ConnsRejected atomic.Int64
	ConnsDropped  atomic.Int64
	DataReceived  atomic.Int64

	// Both.
	HeartbeatsReceived atomic.Int64
	InvalidMessages    atomic.Int64

	// linksFn reports connected links (host) or live connections
	// (endpoint). Set by the connection manager.
	linksFn func() int

	id int64
}

func newMetrics() *Metrics {
	publishMetrics.Do(func() {
		expvar.Publish("ftcomm", expvar.Func(liveSnapshot))
	})

	m := &Metrics{id: metricsSeq.Add(1)}
	liveMu.Lock()
	liveMetrics[m.id] = m
	liveMu.Unlock()
	return m
}

// release removes m from the published "ftcomm" var. The counters stay
// readable through Snapshot.
func (m *Metrics) release() {
	liveMu.Lock()
	delete(liveMetrics, m.id)
	liveMu.Unlock()
}

func liveSnapshot() any {
	liveMu.Lock()
	defer liveMu.Unlock()
	out := make(map[string]map[string]int64, len(liveMetrics))
	for id, m := range liveMetrics {
		out[strconv.FormatInt(id, 10)] = m.Snapshot()
	}
	return out
}

func (m *Metrics) counters() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"messages_queued":     &m.MessagesQueued,
		"messages_broadcast":  &m.MessagesBroadcast,
		"frames_queued":       &m.FramesQueued,
		"connect_attempts":    &m.ConnectAttempts,
		"connect_failures":    &m.ConnectFailures,
		"links_terminated":    &m.LinksTerminated,
		"conns_accepted":      &m.ConnsAccepted,
		"conns_rejected":      &m.ConnsRejected,
		"conns_dropped":       &m.ConnsDropped,
		"data_received":       &m.DataReceived,
		"heartbeats_received": &m.HeartbeatsReceived,
		"invalid_messages":    &m.InvalidMessages,
	}
}

func (m *Metrics) links() int {
	if m.linksFn != nil {
		return m.linksFn()
	}
	return 0
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := make(map[string]int64)
	for name, v := range m.counters() {
		snap[name] = v.Load()
	}
	snap["links_connected"] = int64(m.links())
	return snap
}
