package types

import "time"

// ------------------------
// Pipeline state (retained on "audio/state")
// ------------------------

type State uint8

const (
	StateUninitialized State = iota
	StateConfiguring
	StateRunning
	StateStopping
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Status struct {
	State State  `json:"state"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"` // machine-readable short code
	RunID string `json:"run_id,omitempty"`
	// Paused is set while a Running pipeline plays silence and holds its
	// playback queue.
	Paused bool  `json:"paused,omitempty"`
	TS     int64 `json:"ts_ms"`
}

// ------------------------
// Counters (retained on "audio/stats")
// ------------------------

type Stats struct {
	CaptureOverflows  uint64 `json:"capture_overflows"`
	PlaybackOverflows uint64 `json:"playback_overflows"`
	Underruns         uint64 `json:"underruns"`
	CaptureFrames     uint64 `json:"capture_frames"`
	PlaybackFrames    uint64 `json:"playback_frames"`
	BusRetries        uint64 `json:"bus_retries"`
	ReferenceDrops    uint64 `json:"reference_drops"`
	RawOverflows      uint64 `json:"raw_overflows"` // raw capture frames dropped whole
	CaptureLevelPct   uint8  `json:"capture_level_pct"`
	PlaybackLevelPct  uint8  `json:"playback_level_pct"`
}

type VoiceActivity struct {
	Active   bool          `json:"active"`
	EnergyDB float64       `json:"energy_db"`
	Duration time.Duration `json:"duration_ns"`
}

// Capabilities is the published description of what the device supports.
type Capabilities struct {
	CodecRates     []uint32 `json:"codec_rates"`
	PipelineRates  []uint32 `json:"pipeline_rates"`
	MicGainMinDB   int      `json:"mic_gain_min_db"`
	MicGainMaxDB   int      `json:"mic_gain_max_db"`
	VolumeMin      int      `json:"volume_min"`
	VolumeMax      int      `json:"volume_max"`
	BufferMinBytes int      `json:"buffer_min_bytes"`
	BufferMaxBytes int      `json:"buffer_max_bytes"`
	MaxBusAddress  uint16   `json:"max_bus_address"`
}

// StreamFormats answers get_formats: the processed stream read through
// ReadCapture and the raw microphone stream read through ReadRawCapture.
type StreamFormats struct {
	Processed StreamFormat `json:"processed"`
	Raw       StreamFormat `json:"raw"`
}

// ------------------------
// Control payloads ("audio/control/<verb>")
// ------------------------

type SetMicGain struct {
	DB int `json:"db"`
}

type SetSpeakerVolume struct {
	Level int `json:"level"`
}

// FadeSpeakerVolume ramps the DAC volume to Level over DurationMS.
type FadeSpeakerVolume struct {
	Level      int `json:"level"`
	DurationMS int `json:"duration_ms"`
}

type SetChannel struct {
	Channel Channel `json:"channel"`
	On      bool    `json:"on"`
}

type SetMute struct {
	On bool `json:"on"`
}

// ------------------------
// Generic replies
// ------------------------

type OKReply struct {
	OK bool `json:"ok"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
