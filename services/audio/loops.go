package audio

import (
	"context"
	"time"

	"go.uber.org/zap"

	"audiocode-go/errcode"
	"audiocode-go/types"
)

// captureLoop owns the capture and raw ring writers, the AEC path, the
// reference ring reader and the control queue. Control operations are
// applied between frames.
func (c *Controller) captureLoop(ctx context.Context, r *run) error {
	defer c.rejectPending(r)

	n := r.samples
	rate := r.pcfg.SampleRateHz
	w := r.capRing.Writer()
	raw := r.rawRing.Writer()
	near := types.CaptureFrame{SampleRateHz: rate}
	mono := types.CaptureFrame{SampleRateHz: rate, Channels: [][]int16{make([]int16, n)}}
	ref := refReader{buf: make([]byte, n*2)}
	pcm := make([]byte, 0, n*2)
	rawPCM := make([]byte, 0, n*2*r.chans)

	var tick <-chan time.Time
	if c.deps.Capture == nil {
		t := time.NewTicker(r.period)
		defer t.Stop()
		tick = t.C
	}
	var disconnected bool

	for {
		if err := c.serviceControl(r); err != nil {
			return err
		}
		if tick != nil {
			// No microphone: keep servicing control and drain the loopback.
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
			r.refRing.Discard()
			continue
		}

		near.Resize(r.chans, n)
		near.SampleRateHz = rate
		if err := c.deps.Capture.ReadFrame(ctx, &near); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errcode.Of(err) != errcode.SourceDisconnected {
				return errcode.Wrap(errcode.Of(err), "audio.capture", err)
			}
			if !disconnected {
				c.log.Warn("capture source disconnected", zap.String("run_id", r.id))
				disconnected = true
			}
			if !sleepCtx(ctx, r.period) {
				return nil
			}
			continue
		}
		if disconnected {
			c.log.Info("capture source reconnected", zap.String("run_id", r.id))
			disconnected = false
		}

		// Raw frames go in whole or not at all so channels stay aligned.
		rawPCM = near.AppendPCM(rawPCM[:0])
		if raw.AvailableToWrite() >= len(rawPCM) {
			raw.Write(rawPCM)
		} else {
			c.rawDrops.Add(1)
			c.met.overflows.Add(ctx, 1, attrRaw)
		}

		in := near
		if r.chans > 1 {
			near.Downmix(mono.Channels[0])
			mono.Timestamp = near.Timestamp
			in = mono
		}
		out := r.path.Process(in, ref.next(ctx, c, r, in))
		samples := out.Mono()
		if c.vad.update(samples, out.Duration()) {
			c.met.vadActive.Add(ctx, 1)
		}

		pcm = pcm[:0]
		for _, s := range samples {
			pcm = types.AppendSample(pcm, s)
		}
		if k := w.Write(pcm); k < len(pcm) {
			c.met.overflows.Add(ctx, 1, attrCapture)
		}
		c.captureFrames.Add(1)
		c.met.frames.Add(ctx, 1, dirCapture)
	}
}

// refReader picks the echo reference for each capture frame: the second
// microphone when one is attached, otherwise what the playback loop sent to
// the speaker.
type refReader struct {
	frame    types.CaptureFrame
	buf      []byte
	n        uint64 // frames seen
	retryAt  uint64
	detached bool
}

func (rr *refReader) next(ctx context.Context, c *Controller, r *run, near types.CaptureFrame) *types.CaptureFrame {
	if !r.path.Enabled() {
		r.refRing.Discard()
		return nil
	}
	n := near.Len()
	rr.n++

	if src := c.deps.Reference; src != nil && rr.n >= rr.retryAt {
		rr.frame.Resize(1, n)
		rr.frame.SampleRateHz = near.SampleRateHz
		err := src.ReadFrame(ctx, &rr.frame)
		if err == nil {
			if rr.detached {
				c.log.Info("reference source attached", zap.String("run_id", r.id))
				rr.detached = false
			}
			r.refRing.Discard()
			return &rr.frame
		}
		if ctx.Err() != nil {
			return nil
		}
		if !rr.detached {
			c.log.Warn("reference source unavailable, using playback loopback",
				zap.String("run_id", r.id), zap.Error(err))
			rr.detached = true
		}
		rr.retryAt = rr.n + refRetryFrames
	}

	if r.refRing.AvailableToRead() < n*2 {
		c.refDrops.Add(1)
		c.met.refDrops.Add(ctx, 1)
		return nil
	}
	rr.frame.Resize(1, n)
	rr.frame.SampleRateHz = near.SampleRateHz
	r.refRing.Read(rr.buf[:n*2])
	types.DecodeSamples(rr.frame.Channels[0], rr.buf[:n*2])
	return &rr.frame
}

// playbackLoop owns the playback ring reader, the sink and the reference
// ring writer. It runs once per frame period and plays silence when the
// ring runs dry or playback is paused. A paused ring keeps its contents.
func (c *Controller) playbackLoop(ctx context.Context, r *run) error {
	rd := r.playRing.Reader()
	ref := r.refRing.Writer()
	buf := make([]byte, r.samples*2)
	frame := make([]int16, r.samples)
	t := time.NewTicker(r.period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		if r.paused.Load() {
			r.primed = false
			clear(buf)
		} else if got := rd.Read(buf); got < len(buf) {
			// One underrun per dry spell; an idle ring is not an underrun.
			if got > 0 || r.primed {
				c.underruns.Add(1)
				c.met.underruns.Add(ctx, 1)
			}
			r.primed = false
			clear(buf[got:])
		} else {
			r.primed = true
		}
		types.DecodeSamples(frame, buf)

		if c.deps.Sink != nil {
			if err := c.deps.Sink.WriteFrame(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errcode.Wrap(errcode.Of(err), "audio.playback", err)
			}
		}
		if r.path.Enabled() {
			if k := ref.Write(buf); k < len(buf) {
				c.met.overflows.Add(ctx, 1, attrReference)
			}
		}
		c.playbackFrames.Add(1)
		c.met.frames.Add(ctx, 1, dirPlayback)
	}
}

// dispatchLoop owns the capture ring reader when a consumer callback is set.
func (c *Controller) dispatchLoop(ctx context.Context, r *run, fn func(types.CaptureFrame)) error {
	rd := r.capRing.Reader()
	buf := make([]byte, r.samples*2)
	f := types.CaptureFrame{
		SampleRateHz: r.pcfg.SampleRateHz,
		Channels:     [][]int16{make([]int16, r.samples)},
	}
	for {
		for rd.AvailableToRead() >= len(buf) {
			rd.Read(buf)
			types.DecodeSamples(f.Channels[0], buf)
			f.Timestamp = time.Now()
			fn(f)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-rd.Readable():
		}
	}
}

// feedLoop owns the playback ring writer when a producer callback is set.
// It tops the ring up whenever the playback loop makes room, and polls
// once a frame when the producer has nothing ready.
func (c *Controller) feedLoop(ctx context.Context, r *run, fn func([]int16) int) error {
	w := r.playRing.Writer()
	samples := make([]int16, r.samples)
	buf := make([]byte, 0, r.samples*2)
	t := time.NewTicker(r.period)
	defer t.Stop()

	for {
		for w.AvailableToWrite() >= cap(buf) {
			k := fn(samples)
			if k <= 0 {
				break
			}
			if k > len(samples) {
				k = len(samples)
			}
			buf = buf[:0]
			for _, s := range samples[:k] {
				buf = types.AppendSample(buf, s)
			}
			w.Write(buf)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.Writable():
		case <-t.C:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
