package audio

import (
	"math"
	"sync"
	"time"

	"audiocode-go/types"
)

// DefaultVADThresholdDB is the frame energy above which voice is assumed.
const DefaultVADThresholdDB = -40.0

// silenceDB is reported for an empty frame.
const silenceDB = -96.0

// EnergyDB returns the RMS level of samples in dB relative to full scale.
func EnergyDB(samples []int16) float64 {
	if len(samples) == 0 {
		return silenceDB
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1 {
		rms = 1
	}
	return 20 * math.Log10(rms/32767)
}

// vadTracker is written by the capture goroutine and read by anyone.
type vadTracker struct {
	mu        sync.Mutex
	threshold float64
	act       types.VoiceActivity
}

// update feeds one frame and reports whether voice just started.
func (v *vadTracker) update(samples []int16, d time.Duration) (onset bool) {
	e := EnergyDB(samples)
	v.mu.Lock()
	defer v.mu.Unlock()
	was := v.act.Active
	v.act.EnergyDB = e
	v.act.Active = e > v.threshold
	switch {
	case v.act.Active && !was:
		v.act.Duration = 0
		onset = true
	case v.act.Active:
		v.act.Duration += d
	}
	return onset
}

func (v *vadTracker) snapshot() types.VoiceActivity {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.act
}

func (v *vadTracker) reset() {
	v.mu.Lock()
	v.act = types.VoiceActivity{EnergyDB: silenceDB}
	v.mu.Unlock()
}
