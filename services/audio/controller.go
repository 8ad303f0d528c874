// Package audio runs the capture and playback pipeline around the ES8311
// codec: lifecycle, rings, echo cancellation and runtime control.
package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/drivers"

	"audiocode-go/drivers/es8311"
	"audiocode-go/errcode"
	"audiocode-go/services/audio/aec"
	"audiocode-go/services/audio/capability"
	"audiocode-go/types"
	"audiocode-go/x/shmring"
	"audiocode-go/x/timex"
)

// CaptureSource delivers microphone frames. ReadFrame fills f, which the
// caller has sized and stamped with the pipeline rate, and blocks until the
// frame is ready or ctx ends. A source that is absent returns an error
// carrying errcode.SourceDisconnected.
type CaptureSource interface {
	ReadFrame(ctx context.Context, f *types.CaptureFrame) error
}

// PlaybackSink accepts one frame of mono samples for the speaker.
type PlaybackSink interface {
	WriteFrame(ctx context.Context, samples []int16) error
}

// Deps is what the controller needs from the board. Reference and Sink may
// be nil. Capture may be nil, in which case capture is idle.
// CaptureChannels is how many channels Capture fills; 0 means mono.
// Multi-channel capture is averaged to mono before echo cancellation.
type Deps struct {
	Bus             drivers.I2C
	Capture         CaptureSource
	CaptureChannels int
	Reference       CaptureSource
	Sink            PlaybackSink
	Capabilities    *capability.Registry
}

func (d Deps) captureChannels() int {
	if d.CaptureChannels < 1 {
		return 1
	}
	return d.CaptureChannels
}

// Frames last 20 ms unless WithFrameSamples says otherwise.
const framesPerSecond = 50

// A reference source that failed is retried after this many frames.
const refRetryFrames = 50

// Stop gives the drain this long to push queued playback to the sink.
const drainTimeout = 250 * time.Millisecond

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option { return func(c *Controller) { c.log = l } }

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Controller) { c.mp = mp }
}

// WithStatusCallback registers fn for every state change. It is called
// outside the controller lock, in transition order.
func WithStatusCallback(fn func(types.Status)) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, fn) }
}

// WithFrameSamples fixes the frame length in samples.
func WithFrameSamples(n int) Option { return func(c *Controller) { c.frameSamples = n } }

func WithCanceller(cn aec.Canceller) Option { return func(c *Controller) { c.canceller = cn } }

func WithVADThreshold(db float64) Option { return func(c *Controller) { c.vad.threshold = db } }

func WithCodecRetry(p es8311.RetryPolicy) Option { return func(c *Controller) { c.retry = p } }

// run holds everything one configuration allocates. It is released as a
// whole by Stop.
type run struct {
	id    string
	pcfg  types.PipelineConfig
	codec *es8311.Device // nil when the codec is disabled

	capRing  *shmring.Ring
	rawRing  *shmring.Ring // microphone as read, before downmix and AEC
	playRing *shmring.Ring
	refRing  *shmring.Ring
	path     *aec.Path
	samples  int
	chans    int // capture channels
	period   time.Duration
	paused   atomic.Bool

	ctrl   chan controlReq
	cancel context.CancelFunc
	done   chan struct{} // closed once every loop has returned

	lastRetries uint64 // owned by whoever drives the codec
	primed      bool   // playback loop only
}

type Controller struct {
	deps         Deps
	caps         *capability.Registry
	log          *zap.Logger
	mp           metric.MeterProvider
	met          *metrics
	frameSamples int
	canceller    aec.Canceller
	retry        es8311.RetryPolicy
	vad          vadTracker

	mu         sync.Mutex
	state      types.State
	lastErr    error
	hasConfig  bool
	pcfg       types.PipelineConfig
	ccfg       types.CodecConfig
	run        *run
	gen        uint64
	abortInit  context.CancelFunc
	initDone   chan struct{} // closed once an in-flight Configure has released what it built
	onCapture  func(types.CaptureFrame)
	onPlayback func(dst []int16) int
	base       types.Stats // counters carried over from released runs

	cur atomic.Pointer[run]

	captureFrames  atomic.Uint64
	playbackFrames atomic.Uint64
	underruns      atomic.Uint64
	refDrops       atomic.Uint64
	rawDrops       atomic.Uint64

	// codecMu orders codec access outside the capture loop: control ops
	// while Configuring, the move to Running and the release in Stop.
	// Taken before mu.
	codecMu sync.Mutex

	notifyMu  sync.Mutex
	listeners []func(types.Status)
}

func New(deps Deps, opts ...Option) *Controller {
	c := &Controller{
		deps:  deps,
		caps:  deps.Capabilities,
		log:   zap.NewNop(),
		mp:    noop.NewMeterProvider(),
		retry: es8311.DefaultRetryPolicy(),
		vad:   vadTracker{threshold: DefaultVADThresholdDB},
	}
	for _, o := range opts {
		o(c)
	}
	if c.caps == nil {
		c.caps = capability.Default()
	}
	if c.canceller == nil {
		c.canceller = aec.NewNLMS(aec.DefaultTaps, aec.DefaultStep)
	}
	met, err := newMetrics(c.mp, c)
	if err != nil {
		c.log.Warn("metrics disabled", zap.Error(err))
		met, _ = newMetrics(noop.NewMeterProvider(), c)
	}
	c.met = met
	return c
}

// OnStatus adds a status listener. Listeners cannot be removed.
func (c *Controller) OnStatus(fn func(types.Status)) {
	c.notifyMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.notifyMu.Unlock()
}

// OnCapture sets the consumer of processed capture frames. The frame is
// only valid for the duration of the call. It takes effect at the next
// Start; while set, ReadCapture returns nothing.
func (c *Controller) OnCapture(fn func(types.CaptureFrame)) {
	c.mu.Lock()
	c.onCapture = fn
	c.mu.Unlock()
}

// OnPlayback sets the producer of playback samples. fn fills dst and
// returns how many samples it wrote; 0 means nothing is ready. It takes
// effect at the next Start; while set, WritePlayback accepts nothing.
func (c *Controller) OnPlayback(fn func(dst []int16) int) {
	c.mu.Lock()
	c.onPlayback = fn
	c.mu.Unlock()
}

// ------------------------
// Lifecycle
// ------------------------

// Configure validates the configuration, allocates the pipeline and
// initializes the codec. A rejected configuration leaves the state as it
// was. A codec failure leaves the pipeline Faulted.
func (c *Controller) Configure(ctx context.Context, p types.PipelineConfig, cc types.CodecConfig) error {
	if err := c.caps.Validate(p, cc); err != nil {
		c.log.Warn("configuration rejected", zap.Error(err))
		return err
	}
	if c.State() == types.StateFaulted {
		if err := c.Stop(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	switch c.state {
	case types.StateUninitialized, types.StateStopped:
	default:
		s := c.state
		c.mu.Unlock()
		return errcode.New(errcode.InvalidState, "audio.configure", "not allowed while "+s.String())
	}
	c.gen++
	gen := c.gen
	ictx, cancel := context.WithCancel(ctx)
	c.abortInit = cancel
	done := make(chan struct{})
	c.initDone = done
	c.pcfg, c.ccfg, c.hasConfig = p, cc, true
	id := uuid.NewString()
	st := c.setStateLocked(types.StateConfiguring, nil, id)
	c.mu.Unlock()
	c.emit(st)

	r, err := c.build(ictx, id, p, cc)
	cancel()
	if err != nil {
		// The codec is powered down before the fault is visible.
		c.release(r)
		r = nil
	}

	c.mu.Lock()
	if c.gen != gen {
		// Stopped while the codec was coming up. Stop waits on done.
		c.mu.Unlock()
		c.release(r)
		close(done)
		return errcode.New(errcode.Canceled, "audio.configure", "stopped during initialization")
	}
	c.abortInit = nil
	c.initDone = nil
	close(done)
	if err != nil {
		st := c.setStateLocked(types.StateFaulted, err, id)
		c.mu.Unlock()
		c.met.faults.Add(context.Background(), 1)
		c.log.Error("codec initialization failed", zap.String("run_id", id), zap.Error(err))
		c.emit(st)
		return err
	}
	c.run = r
	c.cur.Store(r)
	c.mu.Unlock()
	c.log.Info("pipeline configured",
		zap.String("run_id", id),
		zap.Uint32("sample_rate", p.SampleRateHz),
		zap.Int("buffer_size", p.BufferSizeBytes),
		zap.Bool("aec", p.EchoCancellationEnabled),
		zap.Bool("es8311", p.ES8311Enabled),
		zap.Int("frame_samples", r.samples))
	return nil
}

func (c *Controller) build(ctx context.Context, id string, p types.PipelineConfig, cc types.CodecConfig) (*run, error) {
	n := c.frameSamplesFor(p)
	chans := c.deps.captureChannels()
	r := &run{
		id:       id,
		pcfg:     p,
		capRing:  shmring.New(p.BufferSizeBytes),
		rawRing:  shmring.New(rawRingSize(p.BufferSizeBytes, chans)),
		playRing: shmring.New(p.BufferSizeBytes),
		refRing:  shmring.New(p.BufferSizeBytes),
		samples:  n,
		chans:    chans,
		period:   timex.FramePeriod(n, p.SampleRateHz),
	}
	c.canceller.Reset()
	r.path = aec.New(aec.Options{Canceller: c.canceller})
	r.path.SetEnabled(p.EchoCancellationEnabled)
	c.vad.reset()

	if !p.ES8311Enabled {
		return r, nil
	}
	r.codec = es8311.New(c.deps.Bus, es8311.Config{Address: cc.BusAddress, Retry: c.retry})
	err := r.codec.InitializeContext(ctx, cc)
	c.noteRetries(r)
	return r, err
}

// rawRingSize scales the processed ring size by the channel count, rounded
// up to a power of two, so both rings hold the same span of time.
func rawRingSize(size, chans int) int {
	for k := 1; k < chans; k *= 2 {
		size *= 2
	}
	return size
}

// frameSamplesFor keeps a frame to at most half a ring so the rings can
// always hold one frame in flight while another is being produced.
func (c *Controller) frameSamplesFor(p types.PipelineConfig) int {
	n := c.frameSamples
	if n <= 0 {
		n = int(p.SampleRateHz) / framesPerSecond
	}
	if limit := p.BufferSizeBytes / 4; n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Start launches the pipeline goroutines. From Stopped it first rebuilds
// the pipeline from the last accepted configuration.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	s, hasConfig := c.state, c.hasConfig
	p, cc := c.pcfg, c.ccfg
	c.mu.Unlock()
	if s == types.StateStopped {
		if !hasConfig {
			return errcode.New(errcode.InvalidState, "audio.start", "no configuration")
		}
		if err := c.Configure(ctx, p, cc); err != nil {
			return err
		}
	}

	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	c.mu.Lock()
	if c.state != types.StateConfiguring || c.run == nil {
		s := c.state
		c.mu.Unlock()
		return errcode.New(errcode.InvalidState, "audio.start", "not allowed while "+s.String())
	}

	r := c.run
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.ctrl = make(chan controlReq, 8)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.captureLoop(gctx, r) })
	g.Go(func() error { return c.playbackLoop(gctx, r) })
	if fn := c.onCapture; fn != nil {
		g.Go(func() error { return c.dispatchLoop(gctx, r, fn) })
	}
	if fn := c.onPlayback; fn != nil {
		g.Go(func() error { return c.feedLoop(gctx, r, fn) })
	}
	st := c.setStateLocked(types.StateRunning, nil, r.id)
	c.mu.Unlock()

	go func() {
		err := g.Wait()
		close(r.done)
		if err != nil {
			c.fault(r, err)
		}
	}()

	c.log.Info("pipeline running", zap.String("run_id", r.id))
	c.emit(st)
	return nil
}

// Stop tears the pipeline down from any state. It is idempotent. Queued
// playback is drained to the sink and queued capture to the consumer on a
// best-effort basis; codec shutdown errors are logged, not returned.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case types.StateUninitialized, types.StateStopped, types.StateStopping:
		c.mu.Unlock()
		return nil
	case types.StateConfiguring:
		if c.run == nil {
			// Initialization in flight: Configure sees the new generation,
			// shuts down what it built and closes done. Stopped is only
			// reported after that, so a following Configure cannot
			// interleave with the old codec's shutdown.
			c.gen++
			if c.abortInit != nil {
				c.abortInit()
				c.abortInit = nil
			}
			done := c.initDone
			c.initDone = nil
			st := c.setStateLocked(types.StateStopping, nil, "")
			c.mu.Unlock()
			c.emit(st)
			if done != nil {
				<-done
			}
			c.mu.Lock()
			st = c.setStateLocked(types.StateStopped, nil, "")
			c.mu.Unlock()
			c.emit(st)
			return nil
		}
	}
	r := c.run
	if r == nil {
		// Faulted during initialization; Configure already released it.
		st := c.setStateLocked(types.StateStopped, nil, "")
		c.mu.Unlock()
		c.emit(st)
		return nil
	}
	st := c.setStateLocked(types.StateStopping, nil, r.id)
	c.mu.Unlock()
	c.emit(st)

	if r.cancel != nil {
		r.cancel()
		<-r.done
		dctx, cancel := context.WithTimeout(ctx, drainTimeout)
		c.drain(dctx, r)
		cancel()
	}
	c.cur.Store(nil)
	c.codecMu.Lock()
	c.release(r)
	c.codecMu.Unlock()

	c.mu.Lock()
	c.run = nil
	st = c.setStateLocked(types.StateStopped, nil, r.id)
	c.mu.Unlock()
	c.log.Info("pipeline stopped", zap.String("run_id", r.id))
	c.emit(st)
	return nil
}

// Pause idles playback without tearing the pipeline down. The speaker
// gets silence, queued playback stays in the ring until Resume, and
// capture carries on. Only a Running pipeline can be paused; pausing
// twice is a no-op. Stop discards what a paused ring holds.
func (c *Controller) Pause() error { return c.setPaused("audio.pause", true) }

// Resume continues playback from where Pause left the ring.
func (c *Controller) Resume() error { return c.setPaused("audio.resume", false) }

// Paused reports whether the running pipeline is paused.
func (c *Controller) Paused() bool {
	r := c.cur.Load()
	return r != nil && r.paused.Load()
}

func (c *Controller) setPaused(op string, on bool) error {
	c.mu.Lock()
	r := c.run
	if r == nil || c.state != types.StateRunning {
		s := c.state
		c.mu.Unlock()
		return errcode.New(errcode.InvalidState, op, "not allowed while "+s.String())
	}
	if r.paused.Swap(on) == on {
		c.mu.Unlock()
		return nil
	}
	st := c.setStateLocked(types.StateRunning, nil, r.id)
	c.mu.Unlock()
	msg := "playback paused"
	if !on {
		msg = "playback resumed"
	}
	c.log.Info(msg, zap.String("run_id", r.id))
	c.emit(st)
	return nil
}

// Reconfigure swaps in a new configuration, restarting the pipeline if it
// was running. The new configuration is validated before anything stops.
func (c *Controller) Reconfigure(ctx context.Context, p types.PipelineConfig, cc types.CodecConfig) error {
	if err := c.caps.Validate(p, cc); err != nil {
		return err
	}
	wasRunning := c.State() == types.StateRunning
	if err := c.Stop(ctx); err != nil {
		return err
	}
	if err := c.Configure(ctx, p, cc); err != nil {
		return err
	}
	if wasRunning {
		return c.Start(ctx)
	}
	return nil
}

// fault moves a running pipeline to Faulted. The loops have already
// returned; resources stay allocated until Stop or Configure.
func (c *Controller) fault(r *run, err error) {
	c.mu.Lock()
	if c.run != r || c.state != types.StateRunning {
		c.mu.Unlock()
		return
	}
	st := c.setStateLocked(types.StateFaulted, err, r.id)
	c.mu.Unlock()
	c.met.faults.Add(context.Background(), 1)
	c.log.Error("pipeline fault", zap.String("run_id", r.id), zap.Error(err))
	c.emit(st)
}

// release shuts the codec down and folds the run's counters into base.
func (c *Controller) release(r *run) {
	if r == nil {
		return
	}
	if r.codec != nil {
		if err := r.codec.Shutdown(); err != nil {
			c.log.Warn("codec shutdown", zap.String("run_id", r.id), zap.Error(err))
		}
		c.noteRetries(r)
	}
	c.mu.Lock()
	c.base.CaptureOverflows += r.capRing.Overflows()
	c.base.PlaybackOverflows += r.playRing.Overflows()
	if r.codec != nil {
		c.base.BusRetries += r.codec.Retries()
	}
	c.mu.Unlock()
}

// drain runs after the loops have exited, so it owns every ring end.
func (c *Controller) drain(ctx context.Context, r *run) {
	buf := make([]byte, r.samples*2)
	frame := make([]int16, r.samples)
	if c.deps.Sink != nil && !r.paused.Load() {
		for r.playRing.AvailableToRead() > 0 && ctx.Err() == nil {
			n := r.playRing.Read(buf)
			k := types.DecodeSamples(frame, buf[:n])
			if err := c.deps.Sink.WriteFrame(ctx, frame[:k]); err != nil {
				break
			}
		}
	}
	c.mu.Lock()
	fn := c.onCapture
	c.mu.Unlock()
	if fn != nil {
		f := types.CaptureFrame{SampleRateHz: r.pcfg.SampleRateHz, Channels: [][]int16{frame}}
		for r.capRing.AvailableToRead() >= len(buf) {
			r.capRing.Read(buf)
			types.DecodeSamples(frame, buf)
			f.Timestamp = time.Now()
			fn(f)
		}
	}
}

// ------------------------
// Status
// ------------------------

func (c *Controller) setStateLocked(s types.State, err error, runID string) types.Status {
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	st := types.Status{State: s, Err: err, RunID: runID, TS: timex.NowMs()}
	if s == types.StateRunning && c.run != nil {
		st.Paused = c.run.paused.Load()
	}
	if err != nil {
		st.Error = string(errcode.Of(err))
	}
	return st
}

func (c *Controller) emit(st types.Status) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range c.listeners {
		fn(st)
	}
}

// ------------------------
// Queries
// ------------------------

func (c *Controller) State() types.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent failure that moved the pipeline to
// Faulted, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Config returns the last accepted configuration.
func (c *Controller) Config() (types.PipelineConfig, types.CodecConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pcfg, c.ccfg, c.hasConfig
}

// RunID identifies the current configuration, or "" when none is built.
func (c *Controller) RunID() string {
	if r := c.cur.Load(); r != nil {
		return r.id
	}
	return ""
}

func (c *Controller) Stats() types.Stats {
	c.mu.Lock()
	s := c.base
	c.mu.Unlock()
	s.CaptureFrames = c.captureFrames.Load()
	s.PlaybackFrames = c.playbackFrames.Load()
	s.Underruns = c.underruns.Load()
	s.ReferenceDrops = c.refDrops.Load()
	s.RawOverflows = c.rawDrops.Load()
	if r := c.cur.Load(); r != nil {
		s.CaptureOverflows += r.capRing.Overflows()
		s.PlaybackOverflows += r.playRing.Overflows()
		s.CaptureLevelPct = r.capRing.LevelPct()
		s.PlaybackLevelPct = r.playRing.LevelPct()
		if r.codec != nil {
			s.BusRetries += r.codec.Retries()
		}
	}
	return s
}

func (c *Controller) VoiceActivity() types.VoiceActivity { return c.vad.snapshot() }

// CodecState returns the register mirror of the current codec. ok is false
// when no codec is built.
func (c *Controller) CodecState() (es8311.RegisterState, bool) {
	r := c.cur.Load()
	if r == nil || r.codec == nil {
		return es8311.RegisterState{}, false
	}
	return r.codec.State(), true
}

// CodecDump lists the registers written to the current codec.
func (c *Controller) CodecDump() []es8311.RegisterValue {
	st, ok := c.CodecState()
	if !ok {
		return nil
	}
	return st.Dump()
}

// ------------------------
// Byte-stream access
// ------------------------

// WritePlayback queues little-endian s16 mono PCM for the speaker and
// returns the bytes accepted. It never blocks; what does not fit is
// dropped and counted. Call it from one goroutine only.
func (c *Controller) WritePlayback(p []byte) int {
	r := c.cur.Load()
	if r == nil || c.hasProducer() {
		return 0
	}
	p = p[:len(p)&^1]
	n := r.playRing.Writer().Write(p)
	if n < len(p) {
		c.met.overflows.Add(context.Background(), 1, attrPlayback)
	}
	return n
}

// ReadCapture copies processed capture PCM into p and returns the bytes
// read. It never blocks. Call it from one goroutine only.
func (c *Controller) ReadCapture(p []byte) int {
	r := c.cur.Load()
	if r == nil || c.hasConsumer() {
		return 0
	}
	return r.capRing.Reader().Read(p[:len(p)&^1])
}

// CaptureReadable signals when ReadCapture may return data. It returns nil
// when no pipeline is built.
func (c *Controller) CaptureReadable() <-chan struct{} {
	if r := c.cur.Load(); r != nil {
		return r.capRing.Readable()
	}
	return nil
}

// ReadRawCapture copies microphone PCM as captured, before downmix and
// echo cancellation, into p and returns the bytes read. Reads are whole
// sample frames across all channels. It never blocks and is independent
// of ReadCapture and OnCapture. Call it from one goroutine only.
func (c *Controller) ReadRawCapture(p []byte) int {
	r := c.cur.Load()
	if r == nil {
		return 0
	}
	fb := 2 * r.chans
	return r.rawRing.Reader().Read(p[:len(p)/fb*fb])
}

// RawCaptureReadable signals when ReadRawCapture may return data. It
// returns nil when no pipeline is built.
func (c *Controller) RawCaptureReadable() <-chan struct{} {
	if r := c.cur.Load(); r != nil {
		return r.rawRing.Readable()
	}
	return nil
}

// CaptureFormat describes what ReadCapture and OnCapture deliver: mono at
// the pipeline rate. The rate is 0 before the first configuration.
func (c *Controller) CaptureFormat() types.StreamFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.StreamFormat{SampleRateHz: c.pcfg.SampleRateHz, Channels: 1, BitDepth: 16}
}

// RawCaptureFormat describes what ReadRawCapture delivers.
func (c *Controller) RawCaptureFormat() types.StreamFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.StreamFormat{SampleRateHz: c.pcfg.SampleRateHz, Channels: c.deps.captureChannels(), BitDepth: 16}
}

func (c *Controller) hasProducer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onPlayback != nil && c.state == types.StateRunning
}

func (c *Controller) hasConsumer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onCapture != nil && c.state == types.StateRunning
}

// noteRetries forwards new codec retries to the metric.
func (c *Controller) noteRetries(r *run) {
	if r.codec == nil {
		return
	}
	n := r.codec.Retries()
	if d := n - r.lastRetries; d > 0 {
		c.met.busRetries.Add(context.Background(), int64(d))
		r.lastRetries = n
	}
}
