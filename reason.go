package ftcomm

import "strconv"

// Reason identifies why a link or connection failed. The numeric values are
// the codes printed by the driver programs and must stay stable.
type Reason int

const (
	HostConnectFail      Reason = 1 // host could not connect within the retry budget
	HostConnectTerminate Reason = 2 // an established host link dropped
	EpConnectTerminate   Reason = 4 // endpoint lost a connection from a host
	EpHeartbeatFail      Reason = 5 // endpoint could not queue a heartbeat reply
	EpInvalidMsg         Reason = 6 // endpoint received a malformed envelope
)

func (r Reason) String() string {
	switch r {
	case HostConnectFail:
		return "host_connect_fail"
	case HostConnectTerminate:
		return "host_connect_terminate"
	case EpConnectTerminate:
		return "ep_connect_terminate"
	case EpHeartbeatFail:
		return "ep_heartbeat_fail"
	case EpInvalidMsg:
		return "ep_invalid_msg"
	default:
		return "reason(" + strconv.Itoa(int(r)) + ")"
	}
}

// ErrorCallback receives link-level failures. peer is the endpoint index on a
// host and the host index on an endpoint; sw is the switch index.
type ErrorCallback func(peer, sw int, reason Reason)

// DataCallback receives every fully decoded DATA message on an endpoint.
// payload is owned by the callee.
type DataCallback func(host, sw int, session, sequence uint32, payload []byte)
