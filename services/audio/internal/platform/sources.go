package platform

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"audiocode-go/errcode"
	"audiocode-go/types"
	"audiocode-go/x/conv"
	"audiocode-go/x/mathx"
	"audiocode-go/x/timex"
)

// Source produces capture frames.
type Source interface {
	ReadFrame(ctx context.Context, f *types.CaptureFrame) error
}

// Sink consumes playback frames.
type Sink interface {
	WriteFrame(ctx context.Context, samples []int16) error
}

// pacer releases one frame per period, like a DMA half-buffer interrupt.
type pacer struct {
	period time.Duration
	next   time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	if p.period <= 0 {
		return ctx.Err()
	}
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > p.period {
		p.next = now
	}
	if d := p.next.Sub(now); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	p.next = p.next.Add(p.period)
	return nil
}

// ToneSource generates a sine wave into the caller's frame. The frame
// shape and sample rate come from the caller; an empty frame gets one
// channel of 20 ms at 16 kHz.
type ToneSource struct {
	mu    sync.Mutex
	freq  float64
	amp   float64
	phase float64
	paced bool
	pace  pacer
}

// NewToneSource returns a generator paced in real time.
// A zero amplitude produces silence.
func NewToneSource(freqHz float64, amplitude int16) *ToneSource {
	return &ToneSource{freq: freqHz, amp: float64(amplitude), paced: true}
}

// SetPaced turns real-time pacing on or off.
func (s *ToneSource) SetPaced(on bool) {
	s.mu.Lock()
	s.paced = on
	s.pace = pacer{}
	s.mu.Unlock()
}

func (s *ToneSource) ReadFrame(ctx context.Context, f *types.CaptureFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Len() == 0 {
		f.Resize(1, 320)
	}
	if f.SampleRateHz == 0 {
		f.SampleRateHz = types.DefaultSampleRateHz
	}
	if s.paced {
		s.pace.period = timex.FramePeriod(f.Len(), f.SampleRateHz)
		if err := s.pace.wait(ctx); err != nil {
			return err
		}
	}
	f.Timestamp = time.Now()
	step := 2 * math.Pi * s.freq / float64(f.SampleRateHz)
	ch0 := f.Channels[0]
	for i := range ch0 {
		ch0[i] = mathx.SatInt16(s.amp * math.Sin(s.phase))
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	for _, ch := range f.Channels[1:] {
		copy(ch, ch0)
	}
	return nil
}

// Detachable models a hot-pluggable source such as a USB microphone.
type Detachable struct {
	src      Source
	attached atomic.Bool
}

func NewDetachable(src Source, attached bool) *Detachable {
	d := &Detachable{src: src}
	d.attached.Store(attached)
	return d
}

func (d *Detachable) Attach()        { d.attached.Store(true) }
func (d *Detachable) Detach()        { d.attached.Store(false) }
func (d *Detachable) Attached() bool { return d.attached.Load() }

func (d *Detachable) ReadFrame(ctx context.Context, f *types.CaptureFrame) error {
	if !d.attached.Load() {
		return errcode.New(errcode.SourceDisconnected, "usb_mic", "")
	}
	return d.src.ReadFrame(ctx, f)
}

// USB microphones deliver this format regardless of the pipeline rate.
const (
	USBRateHz   = 48000
	USBChannels = 2
)

// Downmix adapts a source with a fixed native rate and channel count to
// the caller's frame. Channels are averaged and every ratio-th sample is
// kept, where ratio is the native rate over the caller's rate and must be
// whole. The decimation phase carries across frames.
type Downmix struct {
	src      Source
	rate     uint32
	channels int

	mu      sync.Mutex
	scratch types.CaptureFrame
	phase   int
}

func NewDownmix(src Source, rateHz uint32, channels int) *Downmix {
	if channels < 1 {
		channels = 1
	}
	return &Downmix{src: src, rate: rateHz, channels: channels}
}

func (d *Downmix) ReadFrame(ctx context.Context, f *types.CaptureFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.Len() == 0 {
		f.Resize(1, 320)
	}
	if f.SampleRateHz == 0 {
		f.SampleRateHz = types.DefaultSampleRateHz
	}
	if d.rate < f.SampleRateHz || d.rate%f.SampleRateHz != 0 {
		var b [20]byte
		return errcode.New(errcode.UnsupportedRate, "downmix", string(conv.Utoa(b[:], uint64(f.SampleRateHz)))+" Hz")
	}
	ratio := int(d.rate / f.SampleRateHz)
	n := f.Len()
	d.scratch.Resize(d.channels, n*ratio)
	d.scratch.SampleRateHz = d.rate
	if err := d.src.ReadFrame(ctx, &d.scratch); err != nil {
		return err
	}

	out := f.Channels[0]
	k := 0
	div := int32(d.channels)
	for i := 0; i < n*ratio; i++ {
		var sum int32
		for _, ch := range d.scratch.Channels {
			sum += int32(ch[i])
		}
		d.phase++
		if d.phase >= ratio {
			d.phase = 0
			out[k] = int16(sum / div)
			k++
		}
	}
	for _, ch := range f.Channels[1:] {
		copy(ch, out)
	}
	f.Timestamp = d.scratch.Timestamp
	return nil
}

// DiscardSink accepts playback frames, optionally paced in real time,
// and keeps counters plus the last frame for inspection.
type DiscardSink struct {
	mu      sync.Mutex
	pace    pacer
	frames  uint64
	samples uint64
	last    []int16
}

// NewDiscardSink returns a sink; period 0 disables pacing.
func NewDiscardSink(period time.Duration) *DiscardSink {
	return &DiscardSink{pace: pacer{period: period}}
}

func (s *DiscardSink) WriteFrame(ctx context.Context, samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pace.wait(ctx); err != nil {
		return err
	}
	s.frames++
	s.samples += uint64(len(samples))
	s.last = append(s.last[:0], samples...)
	return nil
}

func (s *DiscardSink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *DiscardSink) Samples() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func (s *DiscardSink) Last() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int16(nil), s.last...)
}

// Room couples a playback sink to a capture source: whatever is played
// comes back into the microphone after a fixed delay, scaled by gain.
type Room struct {
	mu   sync.Mutex
	fifo []int16
	gain float64
}

func NewRoom(delaySamples int, gain float64) *Room {
	return &Room{fifo: make([]int16, delaySamples), gain: gain}
}

// Sink wraps next so every played frame is also fed into the room.
func (r *Room) Sink(next Sink) Sink { return roomSink{r: r, next: next} }

// Source wraps near so every captured frame has the room echo mixed in.
func (r *Room) Source(near Source) Source { return roomSource{r: r, near: near} }

type roomSink struct {
	r    *Room
	next Sink
}

func (s roomSink) WriteFrame(ctx context.Context, samples []int16) error {
	s.r.mu.Lock()
	s.r.fifo = append(s.r.fifo, samples...)
	// Bound the backlog to one second at 48 kHz.
	if over := len(s.r.fifo) - 48000; over > 0 {
		s.r.fifo = s.r.fifo[over:]
	}
	s.r.mu.Unlock()
	if s.next == nil {
		return nil
	}
	return s.next.WriteFrame(ctx, samples)
}

type roomSource struct {
	r    *Room
	near Source
}

func (s roomSource) ReadFrame(ctx context.Context, f *types.CaptureFrame) error {
	if err := s.near.ReadFrame(ctx, f); err != nil {
		return err
	}
	n := f.Len()
	s.r.mu.Lock()
	k := n
	if k > len(s.r.fifo) {
		k = len(s.r.fifo)
	}
	for _, ch := range f.Channels {
		for i := 0; i < k; i++ {
			ch[i] = mathx.SatInt16(float64(ch[i]) + s.r.gain*float64(s.r.fifo[i]))
		}
	}
	s.r.fifo = append(s.r.fifo[:0], s.r.fifo[k:]...)
	s.r.mu.Unlock()
	return nil
}
