// Package heartbeat prints a periodic one-line summary of the audio
// pipeline, built from the retained audio topics.
package heartbeat

import (
	"context"
	"io"
	"time"

	"audiocode-go/bus"
	"audiocode-go/services/audio"
	"audiocode-go/types"
	"audiocode-go/x/fmtx"
	"audiocode-go/x/strconvx"
)

var TopicConfig = bus.T("config", "heartbeat")

const DefaultInterval = 10 * time.Second

// Config changes the print interval. A map payload with "interval" in
// seconds is also accepted.
type Config struct {
	IntervalMS int `json:"interval_ms"`
}

type Service struct {
	out      io.Writer
	interval time.Duration

	state types.Status
	stats types.Stats
	voice types.VoiceActivity
}

func New(out io.Writer, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{out: out, interval: interval}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(TopicConfig)
	stateSub := conn.Subscribe(audio.TopicState)
	statsSub := conn.Subscribe(audio.TopicStats)
	voiceSub := conn.Subscribe(audio.TopicVoice)
	defer conn.Unsubscribe(cfgSub)
	defer conn.Unsubscribe(stateSub)
	defer conn.Unsubscribe(statsSub)
	defer conn.Unsubscribe(voiceSub)

	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-tick.C:
			s.print(t)
		case m := <-stateSub.Channel():
			if st, ok := m.Payload.(types.Status); ok {
				s.state = st
			}
		case m := <-statsSub.Channel():
			if st, ok := m.Payload.(types.Stats); ok {
				s.stats = st
			}
		case m := <-voiceSub.Channel():
			if v, ok := m.Payload.(types.VoiceActivity); ok {
				s.voice = v
			}
		case m := <-cfgSub.Channel():
			if d := intervalOf(m.Payload); d > 0 {
				s.interval = d
				tick.Reset(d)
			}
		}
	}
}

func intervalOf(p any) time.Duration {
	switch v := p.(type) {
	case Config:
		return time.Duration(v.IntervalMS) * time.Millisecond
	case map[string]any:
		if f, ok := v["interval"].(float64); ok {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

func (s *Service) print(t time.Time) {
	vad := "off"
	if s.voice.Active {
		vad = "on"
	}
	line := fmtx.Sprintf("[hb] %s state=%s frames=%s overflows=%s underruns=%s retries=%s vad=%s",
		t.Format("15:04:05"), s.state.State.String(),
		u(s.stats.CaptureFrames), u(s.stats.CaptureOverflows+s.stats.PlaybackOverflows),
		u(s.stats.Underruns), u(s.stats.BusRetries), vad)
	if s.state.Error != "" {
		line += " error=" + s.state.Error
	}
	_, _ = fmtx.Fprintf(s.out, "%s\n", line)
}

func u(v uint64) string { return strconvx.FormatUint(v, 10) }

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
