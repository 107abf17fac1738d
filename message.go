package ftcomm

import (
	"encoding/binary"
	"fmt"
)

// Wire format. Every envelope starts with a fixed header of four big-endian
// uint32 fields in this order, followed by length payload bytes:
//
//	[type][length][sequence][session][payload...]
//
// The field order is the wire contract shared by every node; there is no
// version field.
const HeaderSize = 16

// DefaultMaxDataLen is the largest DATA payload accepted by default.
const DefaultMaxDataLen = 4096

var ErrInvalidMessage = fmt.Errorf("ftcomm: invalid message")

// MsgType is the first header field.
type MsgType uint32

const (
	MsgInvalid       MsgType = 0
	MsgHeartbeatReq  MsgType = 1
	MsgHeartbeatResp MsgType = 2
	MsgData          MsgType = 3
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeatReq:
		return "heartbeat_req"
	case MsgHeartbeatResp:
		return "heartbeat_resp"
	case MsgData:
		return "data"
	default:
		return fmt.Sprintf("msgtype(%d)", uint32(t))
	}
}

// Envelope is one decoded message. Payload is only set for MsgData; the
// length field on the wire is always len(Payload).
type Envelope struct {
	Type     MsgType
	Sequence uint32
	Session  uint32
	Payload  []byte
}

type header struct {
	typ      MsgType
	length   uint32
	sequence uint32
	session  uint32
}

// AppendEnvelope encodes env onto dst and returns the extended slice.
func AppendEnvelope(dst []byte, env Envelope) []byte {
	var h [HeaderSize]byte
	putHeader(h[:], header{
		typ:      env.Type,
		length:   uint32(len(env.Payload)),
		sequence: env.Sequence,
		session:  env.Session,
	})
	dst = append(dst, h[:]...)
	return append(dst, env.Payload...)
}

func putHeader(b []byte, h header) {
	binary.BigEndian.PutUint32(b[0:4], uint32(h.typ))
	binary.BigEndian.PutUint32(b[4:8], h.length)
	binary.BigEndian.PutUint32(b[8:12], h.sequence)
	binary.BigEndian.PutUint32(b[12:16], h.session)
}

// parseHeader decodes and validates a complete header. DATA must carry
// 0 < length <= maxDataLen; the other types must carry length 0.
func parseHeader(b []byte, maxDataLen int) (header, error) {
	h := header{
		typ:      MsgType(binary.BigEndian.Uint32(b[0:4])),
		length:   binary.BigEndian.Uint32(b[4:8]),
		sequence: binary.BigEndian.Uint32(b[8:12]),
		session:  binary.BigEndian.Uint32(b[12:16]),
	}
	switch h.typ {
	case MsgData:
		if h.length == 0 || uint64(h.length) > uint64(maxDataLen) {
			return header{}, fmt.Errorf("%w: data length %d out of range (0, %d]",
				ErrInvalidMessage, h.length, maxDataLen)
		}
	case MsgHeartbeatReq, MsgHeartbeatResp:
		if h.length != 0 {
			return header{}, fmt.Errorf("%w: %s with length %d", ErrInvalidMessage, h.typ, h.length)
		}
	default:
		return header{}, fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, uint32(h.typ))
	}
	return h, nil
}
