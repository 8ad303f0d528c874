package audio

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"audiocode-go/bus"
	"audiocode-go/errcode"
	"audiocode-go/types"
)

var (
	TopicConfig       = bus.T("config", "audio")
	TopicState        = bus.T("audio", "state")
	TopicStats        = bus.T("audio", "stats")
	TopicVoice        = bus.T("audio", "vad")
	TopicCapabilities = bus.T("audio", "capabilities")
	TopicControl      = bus.T("audio", "control")
)

// Control verbs, the last token of "audio/control/<verb>".
const (
	VerbSetMicGain       = "set_mic_gain"
	VerbSetSpeakerVolume = "set_speaker_volume"
	VerbFadeVolume       = "fade_speaker_volume"
	VerbSetChannel       = "set_channel"
	VerbSetMute          = "set_mute"
	VerbStart            = "start"
	VerbStop             = "stop"
	VerbPause            = "pause"
	VerbResume           = "resume"
	VerbGetFormats       = "get_formats"
	VerbGetState         = "get_state"
	VerbGetStats         = "get_stats"
	VerbGetCapabilities  = "get_capabilities"
)

const (
	defaultStatsEvery = time.Second
	controlTimeout    = 2 * time.Second

	// MaxFadeMS bounds fade_speaker_volume durations.
	MaxFadeMS = 60_000
)

// Service connects a Controller to the bus. It applies the retained audio
// configuration, answers control requests and publishes state, stats and
// voice activity as retained messages.
type Service struct {
	c          *Controller
	log        *zap.Logger
	statsEvery time.Duration
	autoStart  bool

	conn atomic.Pointer[bus.Connection]

	// fadeCancel stops the fade in progress. Owned by the Run goroutine.
	fadeCancel context.CancelFunc
}

type ServiceOption func(*Service)

func WithServiceLogger(l *zap.Logger) ServiceOption { return func(s *Service) { s.log = l } }

// WithStatsInterval sets how often audio/stats is republished.
func WithStatsInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.statsEvery = d }
}

// WithAutoStart starts the pipeline after the first configuration is
// applied. Default on.
func WithAutoStart(on bool) ServiceOption { return func(s *Service) { s.autoStart = on } }

func NewService(c *Controller, opts ...ServiceOption) *Service {
	s := &Service{c: c, log: zap.NewNop(), statsEvery: defaultStatsEvery, autoStart: true}
	for _, o := range opts {
		o(s)
	}
	c.OnStatus(s.publishStatus)
	return s
}

func (s *Service) publishStatus(st types.Status) {
	if conn := s.conn.Load(); conn != nil {
		conn.Publish(conn.NewMessage(TopicState, st, true))
	}
}

// Run serves until ctx ends. It returns ctx.Err().
func (s *Service) Run(ctx context.Context, conn *bus.Connection) error {
	s.conn.Store(conn)
	defer s.conn.Store(nil)

	conn.Publish(conn.NewMessage(TopicCapabilities, s.c.caps.Describe(), true))
	conn.Publish(conn.NewMessage(TopicState, s.status(), true))

	cfgSub := conn.Subscribe(TopicConfig)
	ctlSub := conn.Subscribe(TopicControl.Append(bus.SingleWild))
	defer conn.Unsubscribe(cfgSub)
	defer conn.Unsubscribe(ctlSub)

	t := time.NewTicker(s.statsEvery)
	defer t.Stop()
	var lastVoice bool

	s.log.Info("audio service started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("audio service stopped")
			return ctx.Err()

		case m, ok := <-cfgSub.Channel():
			if !ok {
				return nil
			}
			s.applyConfig(ctx, m)

		case m, ok := <-ctlSub.Channel():
			if !ok {
				return nil
			}
			s.handleControl(ctx, conn, m)

		case <-t.C:
			conn.Publish(conn.NewMessage(TopicStats, s.c.Stats(), true))
			if v := s.c.VoiceActivity(); v.Active != lastVoice {
				lastVoice = v.Active
				conn.Publish(conn.NewMessage(TopicVoice, v, true))
			}
		}
	}
}

func (s *Service) status() types.Status {
	st := types.Status{State: s.c.State(), RunID: s.c.RunID(), TS: time.Now().UnixMilli()}
	st.Paused = st.State == types.StateRunning && s.c.Paused()
	if err := s.c.LastError(); err != nil && st.State == types.StateFaulted {
		st.Err = err
		st.Error = string(errcode.Of(err))
	}
	return st
}

// applyConfig configures a fresh pipeline or reconfigures a built one.
// Errors surface through logs and audio/state; config has no reply topic.
func (s *Service) applyConfig(ctx context.Context, m *bus.Message) {
	cfg, ok := payloadAs[types.AudioConfig](m.Payload)
	if !ok {
		s.log.Warn("ignoring config payload", zap.Stringer("topic", m.Topic))
		return
	}
	var err error
	switch s.c.State() {
	case types.StateUninitialized, types.StateFaulted:
		err = s.c.Configure(ctx, cfg.Pipeline, cfg.Codec)
		if err == nil && s.autoStart {
			err = s.c.Start(ctx)
		}
	default:
		err = s.c.Reconfigure(ctx, cfg.Pipeline, cfg.Codec)
	}
	if err != nil {
		s.log.Error("apply audio config", zap.String("code", string(errcode.Of(err))), zap.Error(err))
	}
}

func (s *Service) handleControl(ctx context.Context, conn *bus.Connection, m *bus.Message) {
	verb, _ := m.Topic[len(m.Topic)-1].(string)
	cctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	var reply any = types.OKReply{OK: true}
	var err error
	switch verb {
	case VerbSetMicGain:
		if p, ok := payloadAs[types.SetMicGain](m.Payload); ok {
			err = s.c.SetMicGain(cctx, p.DB)
		} else {
			err = errcode.InvalidPayload
		}
	case VerbSetSpeakerVolume:
		if p, ok := payloadAs[types.SetSpeakerVolume](m.Payload); ok {
			err = s.c.SetSpeakerVolume(cctx, p.Level)
		} else {
			err = errcode.InvalidPayload
		}
	case VerbFadeVolume:
		p, ok := payloadAs[types.FadeSpeakerVolume](m.Payload)
		switch {
		case !ok || p.DurationMS < 0:
			err = errcode.InvalidPayload
		case p.DurationMS > MaxFadeMS:
			err = errcode.New(errcode.OutOfRange, "audio.fade", "duration above limit")
		default:
			// The fade replies when it finishes; the loop keeps serving.
			s.startFade(ctx, conn, m, p)
			return
		}
	case VerbSetChannel:
		if p, ok := payloadAs[types.SetChannel](m.Payload); ok {
			err = s.c.SetChannelEnabled(cctx, p.Channel, p.On)
		} else {
			err = errcode.InvalidPayload
		}
	case VerbSetMute:
		if p, ok := payloadAs[types.SetMute](m.Payload); ok {
			err = s.c.SetMute(cctx, p.On)
		} else {
			err = errcode.InvalidPayload
		}
	case VerbStart:
		err = s.c.Start(cctx)
	case VerbStop:
		err = s.c.Stop(cctx)
	case VerbPause:
		err = s.c.Pause()
	case VerbResume:
		err = s.c.Resume()
	case VerbGetState:
		reply = s.status()
	case VerbGetStats:
		reply = s.c.Stats()
	case VerbGetCapabilities:
		reply = s.c.caps.Describe()
	case VerbGetFormats:
		reply = types.StreamFormats{Processed: s.c.CaptureFormat(), Raw: s.c.RawCaptureFormat()}
	default:
		err = errcode.InvalidTopic
	}
	s.reply(conn, m, verb, reply, err)
}

func (s *Service) reply(conn *bus.Connection, m *bus.Message, verb string, reply any, err error) {
	if err != nil {
		s.log.Debug("control failed", zap.String("verb", verb), zap.Error(err))
		reply = types.ErrorReply{OK: false, Error: string(errcode.Of(err))}
	}
	conn.Reply(m, reply, false)
}

// startFade runs a fade in its own goroutine. A newer fade cancels the one
// in progress, which then replies canceled.
func (s *Service) startFade(ctx context.Context, conn *bus.Connection, m *bus.Message, p types.FadeSpeakerVolume) {
	if s.fadeCancel != nil {
		s.fadeCancel()
	}
	d := time.Duration(p.DurationMS) * time.Millisecond
	fctx, cancel := context.WithTimeout(ctx, controlTimeout+d)
	s.fadeCancel = cancel
	go func() {
		defer cancel()
		err := s.c.FadeSpeakerVolume(fctx, p.Level, d)
		if err != nil && errcode.Of(err) == errcode.Error {
			err = errcode.Wrap(errcode.MapDriverErr(err), "audio.fade", err)
		}
		s.reply(conn, m, VerbFadeVolume, types.OKReply{OK: true}, err)
	}()
}

// payloadAs accepts a payload by value or by pointer.
func payloadAs[T any](p any) (T, bool) {
	switch v := p.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}
