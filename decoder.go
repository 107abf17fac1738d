package ftcomm

// Decoder reassembles envelopes from a byte stream that may be split at any
// point. It alternates between two phases:
//
//   - awaitingHeader: collect exactly HeaderSize bytes, then validate. A
//     non-DATA header completes a message on its own.
//   - awaitingPayload: collect exactly length bytes of a DATA message.
//
// A Decoder is owned by a single goroutine. After Feed returns an error the
// stream is unusable and the connection must be dropped.
type Decoder struct {
	maxDataLen int

	phase   readPhase
	hdrBuf  [HeaderSize]byte
	n       int // bytes collected in the current phase
	cur     header
	payload []byte
}

type readPhase uint8

const (
	awaitingHeader readPhase = iota
	awaitingPayload
)

func NewDecoder(maxDataLen int) *Decoder {
	if maxDataLen <= 0 {
		maxDataLen = DefaultMaxDataLen
	}
	return &Decoder{maxDataLen: maxDataLen}
}

// Feed consumes all of p and calls fn once per completed envelope, in
// stream order. It stops at the first decode error or the first error
// returned by fn.
func (d *Decoder) Feed(p []byte, fn func(Envelope) error) error {
	for len(p) > 0 {
		switch d.phase {
		case awaitingHeader:
			c := copy(d.hdrBuf[d.n:], p)
			d.n += c
			p = p[c:]
			if d.n < HeaderSize {
				return nil
			}
			d.n = 0
			h, err := parseHeader(d.hdrBuf[:], d.maxDataLen)
			if err != nil {
				return err
			}
			if h.typ != MsgData {
				if err := fn(Envelope{Type: h.typ, Sequence: h.sequence, Session: h.session}); err != nil {
					return err
				}
				continue
			}
			d.cur = h
			d.payload = make([]byte, h.length)
			d.phase = awaitingPayload

		case awaitingPayload:
			c := copy(d.payload[d.n:], p)
			d.n += c
			p = p[c:]
			if d.n < len(d.payload) {
				return nil
			}
			env := Envelope{
				Type:     MsgData,
				Sequence: d.cur.sequence,
				Session:  d.cur.session,
				Payload:  d.payload,
			}
			d.payload = nil
			d.n = 0
			d.phase = awaitingHeader
			if err := fn(env); err != nil {
				return err
			}
		}
	}
	return nil
}

// Partial reports whether the decoder holds an incomplete message.
func (d *Decoder) Partial() bool {
	return d.phase == awaitingPayload || d.n > 0
}
