package ftcomm

import (
	"bytes"
	"errors"
	"testing"
)

func testStream() ([]byte, []Envelope) {
	envs := []Envelope{
		{Type: MsgData, Sequence: 0, Session: 42, Payload: []byte("first message")},
		{Type: MsgHeartbeatReq, Sequence: 1, Session: 42},
		{Type: MsgData, Sequence: 1, Session: 42, Payload: bytes.Repeat([]byte{0xAB}, 300)},
		{Type: MsgHeartbeatResp, Sequence: 2, Session: 42},
		{Type: MsgData, Sequence: 2, Session: 42, Payload: []byte{0}},
	}
	var stream []byte
	for _, env := range envs {
		stream = AppendEnvelope(stream, env)
	}
	return stream, envs
}

func decodeChunks(t *testing.T, stream []byte, chunk int) []Envelope {
	t.Helper()
	d := NewDecoder(DefaultMaxDataLen)
	var got []Envelope
	for len(stream) > 0 {
		n := min(chunk, len(stream))
		err := d.Feed(stream[:n], func(env Envelope) error {
			got = append(got, env)
			return nil
		})
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		stream = stream[n:]
	}
	if d.Partial() {
		t.Fatal("decoder still holds a partial message")
	}
	return got
}

func assertEnvelopes(t *testing.T, got, want []Envelope) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d envelopes, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Type != w.Type || g.Sequence != w.Sequence || g.Session != w.Session {
			t.Errorf("envelope %d: got %v/%d/%d, want %v/%d/%d",
				i, g.Type, g.Sequence, g.Session, w.Type, w.Sequence, w.Session)
		}
		if !bytes.Equal(g.Payload, w.Payload) {
			t.Errorf("envelope %d: payload mismatch (%d bytes, want %d)", i, len(g.Payload), len(w.Payload))
		}
	}
}

func TestDecoder_SplitReadInvariance(t *testing.T) {
	stream, want := testStream()

	whole := decodeChunks(t, stream, len(stream))
	assertEnvelopes(t, whole, want)

	for _, chunk := range []int{1, 2, 3, 7, HeaderSize - 1, HeaderSize, HeaderSize + 1, 100} {
		got := decodeChunks(t, stream, chunk)
		assertEnvelopes(t, got, whole)
	}
}

func TestDecoder_PartialState(t *testing.T) {
	d := NewDecoder(DefaultMaxDataLen)
	frame := AppendEnvelope(nil, Envelope{Type: MsgData, Sequence: 3, Session: 4, Payload: []byte("abcdef")})

	calls := 0
	fn := func(Envelope) error { calls++; return nil }

	if err := d.Feed(frame[:5], fn); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !d.Partial() || calls != 0 {
		t.Fatalf("after partial header: partial=%v calls=%d", d.Partial(), calls)
	}
	if err := d.Feed(frame[5:HeaderSize+2], fn); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !d.Partial() || calls != 0 {
		t.Fatalf("after partial payload: partial=%v calls=%d", d.Partial(), calls)
	}
	if err := d.Feed(frame[HeaderSize+2:], fn); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if d.Partial() || calls != 1 {
		t.Fatalf("after full frame: partial=%v calls=%d", d.Partial(), calls)
	}
}

func TestDecoder_MalformedHeader(t *testing.T) {
	good := AppendEnvelope(nil, Envelope{Type: MsgData, Sequence: 1, Session: 1, Payload: []byte("ok")})

	var bad [HeaderSize]byte
	putHeader(bad[:], header{typ: MsgData, length: 0})

	stream := append(append([]byte{}, good...), bad[:]...)
	// Payload bytes after the bad header must never reach the callback.
	stream = append(stream, []byte("junk")...)

	d := NewDecoder(DefaultMaxDataLen)
	var got []Envelope
	err := d.Feed(stream, func(env Envelope) error {
		got = append(got, env)
		return nil
	})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
	if len(got) != 1 || string(got[0].Payload) != "ok" {
		t.Fatalf("got %d envelopes before the error, want only the valid one", len(got))
	}
}

func TestDecoder_UnknownTypeSplit(t *testing.T) {
	var bad [HeaderSize]byte
	putHeader(bad[:], header{typ: 7})

	d := NewDecoder(DefaultMaxDataLen)
	fn := func(Envelope) error {
		t.Fatal("callback fired for malformed header")
		return nil
	}
	for i := 0; i < HeaderSize-1; i++ {
		if err := d.Feed(bad[i:i+1], fn); err != nil {
			t.Fatalf("byte %d: premature error %v", i, err)
		}
	}
	if err := d.Feed(bad[HeaderSize-1:], fn); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestDecoder_CallbackErrorStops(t *testing.T) {
	stream, _ := testStream()
	stop := errors.New("stop")

	d := NewDecoder(DefaultMaxDataLen)
	calls := 0
	err := d.Feed(stream, func(Envelope) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDecoder_PayloadNotAliased(t *testing.T) {
	frame := AppendEnvelope(nil, Envelope{Type: MsgData, Payload: []byte("abc")})

	d := NewDecoder(DefaultMaxDataLen)
	var got []byte
	if err := d.Feed(frame, func(env Envelope) error {
		got = env.Payload
		return nil
	}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for i := range frame {
		frame[i] = 0
	}
	if string(got) != "abc" {
		t.Fatalf("payload = %q after input was overwritten, want %q", got, "abc")
	}
}
