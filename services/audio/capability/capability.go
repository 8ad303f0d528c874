// Package capability describes what the audio hardware supports and checks
// configurations against it before anything touches the bus.
package capability

import (
	"errors"
	"slices"

	"audiocode-go/drivers/es8311"
	"audiocode-go/errcode"
	"audiocode-go/types"
	"audiocode-go/x/conv"
	"audiocode-go/x/mathx"
	"audiocode-go/x/shmring"
)

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	codecRates    []uint32
	pipelineRates []uint32
	gainMin       int
	gainMax       int
	volumeMin     int
	volumeMax     int
	bufferMin     int
	bufferMax     int
	maxAddress    uint16
}

// Default returns the ES8311 on the ESP32-P4 style board: codec rates from
// the driver's clock table, pipeline rates from the board audio schema.
func Default() *Registry {
	return &Registry{
		codecRates:    es8311.SupportedRates(),
		pipelineRates: []uint32{8000, 16000, 22050, 44100, 48000},
		gainMin:       es8311.MicGainMinDB,
		gainMax:       es8311.MicGainMaxDB,
		volumeMin:     es8311.VolumeMin,
		volumeMax:     es8311.VolumeMax,
		bufferMin:     512,
		bufferMax:     32768,
		maxAddress:    0x7F,
	}
}

func (r *Registry) SupportsCodecRate(hz uint32) bool    { return slices.Contains(r.codecRates, hz) }
func (r *Registry) SupportsPipelineRate(hz uint32) bool { return slices.Contains(r.pipelineRates, hz) }

// ClockDivider returns the codec clock divider for a supported rate.
func (r *Registry) ClockDivider(hz uint32) (byte, bool) {
	if !r.SupportsCodecRate(hz) {
		return 0, false
	}
	return es8311.ClockDivider(hz)
}

func (r *Registry) MicGainInRange(db int) bool { return mathx.Between(db, r.gainMin, r.gainMax) }
func (r *Registry) VolumeInRange(v int) bool   { return mathx.Between(v, r.volumeMin, r.volumeMax) }

// ValidateCodec checks every codec field and reports all violations.
func (r *Registry) ValidateCodec(c types.CodecConfig) error {
	var errs []error
	if !r.SupportsCodecRate(c.SampleRateHz) {
		errs = append(errs, reject("es8311.sample_rate", "unsupported "+utoa(uint64(c.SampleRateHz))))
	}
	if !r.MicGainInRange(c.MicGainDB) {
		errs = append(errs, reject("es8311.mic_gain", itoa(c.MicGainDB)+" outside "+itoa(r.gainMin)+".."+itoa(r.gainMax)))
	}
	if !r.VolumeInRange(c.SpeakerVolume) {
		errs = append(errs, reject("es8311.speaker_volume", itoa(c.SpeakerVolume)+" outside "+itoa(r.volumeMin)+".."+itoa(r.volumeMax)))
	}
	if c.BusAddress > r.maxAddress {
		errs = append(errs, reject("es8311.address", conv.U8Hex(byte(c.BusAddress))+" is not a 7-bit address"))
	}
	return errors.Join(errs...)
}

// ValidatePipeline checks every pipeline field and reports all violations.
func (r *Registry) ValidatePipeline(p types.PipelineConfig) error {
	var errs []error
	if !r.SupportsPipelineRate(p.SampleRateHz) {
		errs = append(errs, reject("audio.sample_rate", "unsupported "+utoa(uint64(p.SampleRateHz))))
	}
	if p.BufferSizeBytes < r.bufferMin || p.BufferSizeBytes > r.bufferMax {
		errs = append(errs, reject("audio.buffer_size", itoa(p.BufferSizeBytes)+" outside "+itoa(r.bufferMin)+".."+itoa(r.bufferMax)))
	} else if !shmring.IsPow2(p.BufferSizeBytes) {
		errs = append(errs, reject("audio.buffer_size", itoa(p.BufferSizeBytes)+" is not a power of two"))
	}
	return errors.Join(errs...)
}

// Validate checks both sections and their consistency. The codec section
// is only checked when the codec is enabled.
func (r *Registry) Validate(p types.PipelineConfig, c types.CodecConfig) error {
	errs := []error{r.ValidatePipeline(p)}
	if p.ES8311Enabled {
		errs = append(errs, r.ValidateCodec(c))
		if c.SampleRateHz != p.SampleRateHz {
			errs = append(errs, reject("es8311.sample_rate", "codec rate "+utoa(uint64(c.SampleRateHz))+" differs from pipeline rate "+utoa(uint64(p.SampleRateHz))))
		}
	}
	return errors.Join(errs...)
}

// Describe returns a snapshot for publication.
func (r *Registry) Describe() types.Capabilities {
	return types.Capabilities{
		CodecRates:     slices.Clone(r.codecRates),
		PipelineRates:  slices.Clone(r.pipelineRates),
		MicGainMinDB:   r.gainMin,
		MicGainMaxDB:   r.gainMax,
		VolumeMin:      r.volumeMin,
		VolumeMax:      r.volumeMax,
		BufferMinBytes: r.bufferMin,
		BufferMaxBytes: r.bufferMax,
		MaxBusAddress:  r.maxAddress,
	}
}

func reject(field, msg string) error {
	return &errcode.E{C: errcode.ConfigRejected, Op: "capability", Msg: field + ": " + msg}
}

func itoa(v int) string {
	var b [20]byte
	return string(conv.Itoa(b[:], int64(v)))
}

func utoa(v uint64) string {
	var b [20]byte
	return string(conv.Utoa(b[:], v))
}
