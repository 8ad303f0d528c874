package types

import "time"

// Channel selects a codec signal path.
type Channel uint8

const (
	ChannelDAC Channel = iota // playback
	ChannelADC                // capture
)

func (c Channel) String() string {
	switch c {
	case ChannelDAC:
		return "dac"
	case ChannelADC:
		return "adc"
	default:
		return "unknown"
	}
}

// ParseChannel accepts "dac"/"speaker" and "adc"/"mic".
func ParseChannel(s string) (Channel, bool) {
	switch s {
	case "dac", "speaker":
		return ChannelDAC, true
	case "adc", "mic":
		return ChannelADC, true
	}
	return 0, false
}

// CaptureFrame is one block of PCM samples, one slice per channel.
// All channels carry the same number of samples.
type CaptureFrame struct {
	Timestamp    time.Time
	SampleRateHz uint32
	Channels     [][]int16
}

// Len returns samples per channel.
func (f CaptureFrame) Len() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return len(f.Channels[0])
}

func (f CaptureFrame) NumChannels() int { return len(f.Channels) }

// Mono returns the frame as one channel: the first channel itself when
// there is only one, otherwise a new slice from Downmix. An empty frame
// gives nil.
func (f CaptureFrame) Mono() []int16 {
	switch len(f.Channels) {
	case 0:
		return nil
	case 1:
		return f.Channels[0]
	}
	return f.Downmix(make([]int16, f.Len()))
}

// Downmix writes the per-sample average of all channels into dst and
// returns dst[:Len]. dst must hold Len samples.
func (f CaptureFrame) Downmix(dst []int16) []int16 {
	n := f.Len()
	dst = dst[:n]
	if len(f.Channels) == 0 {
		return dst
	}
	k := int32(len(f.Channels))
	for i := 0; i < n; i++ {
		var sum int32
		for _, ch := range f.Channels {
			sum += int32(ch[i])
		}
		dst[i] = int16(sum / k)
	}
	return dst
}

// Duration is the playing time of the frame at its sample rate.
func (f CaptureFrame) Duration() time.Duration {
	if f.SampleRateHz == 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRateHz)
}

// Clone deep-copies the sample data.
func (f CaptureFrame) Clone() CaptureFrame {
	out := f
	out.Channels = make([][]int16, len(f.Channels))
	for i, ch := range f.Channels {
		out.Channels[i] = append([]int16(nil), ch...)
	}
	return out
}

// Resize makes f hold n channels of m samples, reusing storage where possible.
func (f *CaptureFrame) Resize(n, m int) {
	if cap(f.Channels) < n {
		f.Channels = make([][]int16, n)
	}
	f.Channels = f.Channels[:n]
	for i := range f.Channels {
		if cap(f.Channels[i]) < m {
			f.Channels[i] = make([]int16, m)
		}
		f.Channels[i] = f.Channels[i][:m]
	}
}

// StreamFormat describes a PCM byte stream of interleaved little-endian
// samples.
type StreamFormat struct {
	SampleRateHz uint32 `json:"sample_rate"`
	Channels     int    `json:"channels"`
	BitDepth     int    `json:"bit_depth"`
}

// FrameBytes is the size of one sample across all channels.
func (f StreamFormat) FrameBytes() int { return f.Channels * f.BitDepth / 8 }

// AppendPCM appends the frame to dst as interleaved little-endian s16.
func (f CaptureFrame) AppendPCM(dst []byte) []byte {
	n := f.Len()
	for i := 0; i < n; i++ {
		for _, ch := range f.Channels {
			dst = AppendSample(dst, ch[i])
		}
	}
	return dst
}

// AppendSample appends one little-endian s16 sample.
func AppendSample(dst []byte, s int16) []byte {
	return append(dst, byte(s), byte(uint16(s)>>8))
}

// DecodeSamples converts little-endian s16 bytes into dst and returns the
// number of samples written. A trailing odd byte is ignored.
func DecodeSamples(dst []int16, src []byte) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
	}
	return n
}
