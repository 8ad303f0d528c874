// Package aec is the capture-side echo cancellation path. It combines the
// near-end microphone with a reference signal (playback loopback or a
// second microphone), aligns the reference by a bulk delay estimate and
// removes the echo with a pluggable adaptive filter.
package aec

import (
	"sync/atomic"

	"audiocode-go/types"
)

// Canceller removes the part of near that is predictable from ref.
// near, ref and out have equal length; out may alias near.
type Canceller interface {
	Cancel(near, ref, out []int16)
	Reset()
}

type Options struct {
	// Canceller defaults to NewNLMS(DefaultTaps, DefaultStep).
	Canceller Canceller
	// MaxDelay bounds the bulk delay search in samples. Default 480.
	MaxDelay int
	// EstimateEvery is the number of frames between delay estimates. Default 25.
	EstimateEvery int
	// MinScore is the correlation needed to accept a new delay. Default 0.3.
	MinScore float64
	// Margin is subtracted from the estimated delay so the filter also sees
	// a little of the reference before the echo peak. Default 16.
	Margin int
}

// Path is owned by the capture goroutine. Only SetEnabled and Enabled may be
// called from elsewhere.
type Path struct {
	c        Canceller
	enabled  atomic.Bool
	maxDelay int
	every    int
	minScore float64
	margin   int

	hist   []int16 // reference history, newest last
	ref    []int16 // reference for the current frame, fitted to near
	window []int16 // delayed reference fed to the canceller
	out    []int16
	chans  [1][]int16
	lag    int
	frames int
}

func New(o Options) *Path {
	if o.Canceller == nil {
		o.Canceller = NewNLMS(DefaultTaps, DefaultStep)
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 480
	}
	if o.EstimateEvery <= 0 {
		o.EstimateEvery = 25
	}
	if o.MinScore <= 0 {
		o.MinScore = 0.3
	}
	if o.Margin <= 0 {
		o.Margin = 16
	}
	return &Path{
		c:        o.Canceller,
		maxDelay: o.MaxDelay,
		every:    o.EstimateEvery,
		minScore: o.MinScore,
		margin:   o.Margin,
	}
}

func (p *Path) SetEnabled(on bool) { p.enabled.Store(on) }
func (p *Path) Enabled() bool      { return p.enabled.Load() }

// Delay returns the current bulk delay estimate in samples.
func (p *Path) Delay() int { return p.lag }

// Reset forgets the reference history, the delay and the filter state.
func (p *Path) Reset() {
	p.c.Reset()
	p.hist = p.hist[:0]
	p.lag = 0
	p.frames = 0
}

// Process returns the echo-cancelled capture frame. When disabled, or when
// ref is nil, empty or at a different sample rate, near is returned as is.
// Otherwise the result is one channel with near's length; it is valid until
// the next call.
func (p *Path) Process(near types.CaptureFrame, ref *types.CaptureFrame) types.CaptureFrame {
	if !p.enabled.Load() || ref == nil {
		return near
	}
	n := near.Len()
	if n == 0 || ref.Len() == 0 {
		return near
	}
	if ref.SampleRateHz != 0 && near.SampleRateHz != 0 && ref.SampleRateHz != near.SampleRateHz {
		return near
	}

	// Fit the reference to the near length: truncate or zero-pad.
	p.ref = fit(p.ref, n)
	copy(p.ref, ref.Mono())
	if k := ref.Len(); k < n {
		clear(p.ref[k:])
	}
	p.push(p.ref, n)

	if p.frames%p.every == 0 {
		if lag, score := EstimateDelay(near.Mono(), p.hist, p.maxDelay); score >= p.minScore {
			p.lag = lag
		}
	}
	p.frames++

	bulk := p.lag - p.margin
	if bulk < 0 {
		bulk = 0
	}
	p.window = fit(p.window, n)
	end := len(p.hist) - bulk
	start := end - n
	if start < 0 {
		clear(p.window[:-start])
		copy(p.window[-start:], p.hist[:end])
	} else {
		copy(p.window, p.hist[start:end])
	}

	p.out = fit(p.out, n)
	p.c.Cancel(near.Mono(), p.window, p.out)
	p.chans[0] = p.out
	return types.CaptureFrame{
		Timestamp:    near.Timestamp,
		SampleRateHz: near.SampleRateHz,
		Channels:     p.chans[:],
	}
}

// push appends r to the history, keeping at most maxDelay+n samples.
func (p *Path) push(r []int16, n int) {
	p.hist = append(p.hist, r...)
	if over := len(p.hist) - (p.maxDelay + n); over > 0 {
		p.hist = append(p.hist[:0], p.hist[over:]...)
	}
}

func fit(s []int16, n int) []int16 {
	if cap(s) < n {
		return make([]int16, n)
	}
	return s[:n]
}
