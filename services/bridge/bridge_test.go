package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"audiocode-go/bus"
	"audiocode-go/services/audio"
	"audiocode-go/types"
)

func TestBridge_EstablishesUARTLinkAndReportsState(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	stateSub := conn.Subscribe(TopicState)
	defer conn.Unsubscribe(stateSub)

	first := nextState(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	// The UART dialler hands out one end of a pipe; the test keeps the other
	// to simulate link loss.
	prevDial := UARTDial
	defer func() { UARTDial = prevDial }()
	remotes := make(chan net.Conn, 4)
	UARTDial = func(ctx context.Context, _ UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		go drain(rc)
		remotes <- rc
		return lc, nil
	}

	cfg := `{"transport":{"type":"uart","uart":{"baud":115200,"rx_pin":1,"tx_pin":0}}}`
	conn.Publish(conn.NewMessage(TopicConfig, cfg, false))

	assertLevelStatus(t, nextState(t, stateSub, time.Second), "up", "link_established")

	select {
	case rc := <-remotes:
		_ = rc.Close()
	case <-time.After(time.Second):
		t.Fatal("dialler not called")
	}
	assertLevelStatus(t, nextState(t, stateSub, time.Second), "degraded", "link_lost_retrying")
}

func TestBridge_UnknownTransportYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("bridge_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	stateSub := conn.Subscribe(TopicState)
	defer conn.Unsubscribe(stateSub)

	_ = nextState(t, stateSub, 500*time.Millisecond)

	conn.Publish(conn.NewMessage(TopicConfig, `{"transport":{"type":"bogus"}}`, false))
	assertLevelStatus(t, nextState(t, stateSub, time.Second), "error", "transport_init_failed")

	conn.Publish(conn.NewMessage(TopicConfig, 42, false))
	assertLevelStatus(t, nextState(t, stateSub, time.Second), "error", "config_decode_failed")
}

// pipeTransport hands out the local end of a single pipe.
type pipeTransport struct{ c net.Conn }

func (p pipeTransport) Open(context.Context) (io.ReadWriteCloser, error) { return p.c, nil }
func (p pipeTransport) String() string                                     { return "pipe" }

func TestBridge_ForwardsTopicsAndRequests(t *testing.T) {
	b := bus.NewBus(16)
	local := b.NewConnection("local")

	// Fake audio service: retained state plus a control responder.
	local.Publish(local.NewMessage(audio.TopicState, types.Status{State: types.StateRunning}, true))
	ctl := local.Subscribe(audio.TopicControl.Append(bus.SingleWild))
	go func() {
		for m := range ctl.Channel() {
			if p, ok := m.Payload.(*types.SetMicGain); ok && p.DB == 20 {
				local.Reply(m, types.OKReply{OK: true}, false)
			} else {
				local.Reply(m, types.ErrorReply{Error: "invalid_payload"}, false)
			}
		}
	}()
	defer local.Unsubscribe(ctl)

	lc, rc := net.Pipe()
	RegisterTransport("pipe", func(TransportConfig) (Transport, error) { return pipeTransport{lc}, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, b.NewConnection("bridge"))
	local.Publish(local.NewMessage(TopicConfig, Config{Transport: TransportConfig{Type: "pipe"}}, true))

	frames := make(chan Frame, 64)
	go func() {
		rd := newFramedReader(rc)
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				close(frames)
				return
			}
			frames <- f
		}
	}()
	wr := newFramedWriter(rc)

	// Retained state is mirrored.
	pub := waitFrame(t, frames, framePub)
	var msg wireMsg
	if err := json.Unmarshal(pub.Payload, &msg); err != nil {
		t.Fatal(err)
	}
	var st map[string]any
	_ = json.Unmarshal(msg.Payload, &st)
	if msg.Topic != "audio/state" || !msg.Retained || st["state"] != "running" {
		t.Fatalf("pub = %s", pub.Payload)
	}

	// Control request goes through the bus and back.
	req := func(id uint32, topic, payload string) map[string]any {
		t.Helper()
		body, _ := json.Marshal(wireMsg{ID: id, Topic: topic, Payload: json.RawMessage(payload)})
		if err := wr.WriteFrame(Frame{Type: frameReq, Payload: body}); err != nil {
			t.Fatal(err)
		}
		f := waitFrame(t, frames, frameReply)
		var rep wireMsg
		if err := json.Unmarshal(f.Payload, &rep); err != nil || rep.ID != id {
			t.Fatalf("reply %s (err %v)", f.Payload, err)
		}
		var out map[string]any
		_ = json.Unmarshal(rep.Payload, &out)
		return out
	}

	if got := req(7, "audio/control/set_mic_gain", `{"db":20}`); got["ok"] != true {
		t.Fatalf("set_mic_gain reply = %v", got)
	}
	if got := req(8, "audio/control/set_mic_gain", `"loud"`); got["error"] != "invalid_payload" {
		t.Fatalf("bad payload reply = %v", got)
	}
	if got := req(9, "config/audio", `{}`); got["error"] != "invalid_topic" {
		t.Fatalf("outside prefix reply = %v", got)
	}

	// Ping is answered.
	if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
		t.Fatal(err)
	}
	waitFrame(t, frames, framePong)
}

func TestDecodeConfigForms(t *testing.T) {
	want := Config{Transport: TransportConfig{Type: "tcp", Addr: "localhost:7000"}}
	for _, p := range []any{
		want,
		&want,
		`{"transport":{"type":"tcp","addr":"localhost:7000"}}`,
		[]byte(`{"transport":{"type":"tcp","addr":"localhost:7000"}}`),
		map[string]any{"transport": map[string]any{"type": "tcp", "addr": "localhost:7000"}},
	} {
		got, err := decodeConfig(p)
		if err != nil || got.Transport != want.Transport {
			t.Fatalf("%T: got %+v err %v", p, got, err)
		}
	}
}

func TestBackoffDoublesToMax(t *testing.T) {
	next := backoffSeq(100*time.Millisecond, 350*time.Millisecond)
	for i, want := range []time.Duration{100, 200, 350, 350} {
		if got := next(); got != want*time.Millisecond {
			t.Fatalf("step %d = %s", i, got)
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func drain(r io.Reader) { _, _ = io.Copy(io.Discard, r) }

func nextState(t *testing.T, sub *bus.Subscription, timeout time.Duration) State {
	t.Helper()
	select {
	case m := <-sub.Channel():
		st, ok := m.Payload.(State)
		if !ok {
			t.Fatalf("state payload %T", m.Payload)
		}
		return st
	case <-time.After(timeout):
		t.Fatal("timeout waiting for bridge state")
	}
	return State{}
}

func assertLevelStatus(t *testing.T, st State, level, status string) {
	t.Helper()
	if st.Level != level || st.Status != status {
		t.Fatalf("state = %s/%s, want %s/%s (err %q)", st.Level, st.Status, level, status, st.Error)
	}
}

func waitFrame(t *testing.T, frames <-chan Frame, typ byte) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("link closed waiting for frame 0x%02x", typ)
			}
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("timeout waiting for frame 0x%02x", typ)
		}
	}
}
