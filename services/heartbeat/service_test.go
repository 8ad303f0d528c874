package heartbeat

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"audiocode-go/bus"
	"audiocode-go/services/audio"
	"audiocode-go/types"
)

type syncBuf struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuf) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuf) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestHeartbeatSummarisesAudioTopics(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("hb")
	conn.Publish(conn.NewMessage(audio.TopicState, types.Status{State: types.StateFaulted, Error: "bus_unresponsive"}, true))
	conn.Publish(conn.NewMessage(audio.TopicStats, types.Stats{CaptureFrames: 5, Underruns: 2}, true))
	conn.Publish(conn.NewMessage(audio.TopicVoice, types.VoiceActivity{Active: true}, true))

	var out syncBuf
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = New(&out, 20*time.Millisecond).Start(ctx, b.NewConnection("heartbeat"))

	want := "state=faulted frames=5 overflows=0 underruns=2 retries=0 vad=on error=bus_unresponsive"
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output = %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.HasPrefix(out.String(), "[hb] ") {
		t.Fatalf("prefix missing: %q", out.String())
	}
}

func TestIntervalOf(t *testing.T) {
	if d := intervalOf(Config{IntervalMS: 1500}); d != 1500*time.Millisecond {
		t.Fatalf("Config interval = %s", d)
	}
	if d := intervalOf(map[string]any{"interval": 2.0}); d != 2*time.Second {
		t.Fatalf("map interval = %s", d)
	}
	if d := intervalOf("soon"); d != 0 {
		t.Fatalf("bad payload interval = %s", d)
	}
	if New(nil, 0).interval != DefaultInterval {
		t.Fatal("zero interval should fall back to the default")
	}
}
