package aec

import "audiocode-go/x/mathx"

const (
	// DefaultTaps is the NLMS filter length in samples: 8 ms at 16 kHz.
	// The filter covers residual delay and room response after the bulk delay.
	DefaultTaps = 128

	// DefaultStep is the NLMS step size mu (0 < mu < 2).
	DefaultStep = 0.5

	// Regularisation added to the reference power, in normalised units.
	defaultEps = 1e-6
)

// NLMS is a normalised least-mean-squares adaptive filter. Weights adapt
// on every sample; state carries across calls so frames may be any length.
// Not safe for concurrent use.
type NLMS struct {
	w    []float64 // coefficients, w[k] applies to the sample k steps ago
	x    []float64 // reference history, stored twice for a contiguous window
	pos  int
	pow  float64 // running sum of squares over the window
	step float64
	eps  float64
}

// NewNLMS returns a filter with taps coefficients and step size mu.
// Non-positive arguments select the defaults.
func NewNLMS(taps int, mu float64) *NLMS {
	if taps <= 0 {
		taps = DefaultTaps
	}
	if mu <= 0 || mu >= 2 {
		mu = DefaultStep
	}
	return &NLMS{
		w:    make([]float64, taps),
		x:    make([]float64, 2*taps),
		step: mu,
		eps:  defaultEps,
	}
}

func (n *NLMS) Taps() int { return len(n.w) }

// Cancel writes near minus the estimated echo of ref into out.
// All three slices must have the same length; out may alias near.
func (n *NLMS) Cancel(near, ref, out []int16) {
	taps := len(n.w)
	for i := range near {
		// Push the newest reference sample; window[0] is the newest.
		v := float64(ref[i]) / 32768
		n.pos--
		if n.pos < 0 {
			n.pos = taps - 1
		}
		old := n.x[n.pos]
		n.x[n.pos] = v
		n.x[n.pos+taps] = v
		n.pow += v*v - old*old
		if n.pow < 0 {
			n.pow = 0
		}
		win := n.x[n.pos : n.pos+taps]

		var y float64
		for k, wk := range n.w {
			y += wk * win[k]
		}
		e := float64(near[i])/32768 - y
		out[i] = mathx.SatInt16(e * 32768)

		g := n.step * e / (n.pow + n.eps)
		for k := range n.w {
			n.w[k] += g * win[k]
		}
	}
}

// Reset clears the coefficients and history.
func (n *NLMS) Reset() {
	clear(n.w)
	clear(n.x)
	n.pos = 0
	n.pow = 0
}

// Passthrough is a Canceller that copies near to out unchanged.
type Passthrough struct{}

func (Passthrough) Cancel(near, _ []int16, out []int16) { copy(out, near) }
func (Passthrough) Reset()                              {}
