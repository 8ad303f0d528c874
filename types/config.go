package types

// Audio configuration supplied on topic "config/audio".

const (
	DefaultSampleRateHz  uint32 = 16000
	DefaultMicGainDB            = 24
	DefaultSpeakerVolume        = 200
	DefaultBusAddress    uint16 = 0x18
	DefaultBufferBytes          = 4096
)

// CodecConfig is the ES8311 section. It is fixed while the pipeline runs;
// changes go through a reconfigure.
type CodecConfig struct {
	SampleRateHz  uint32 `yaml:"sample_rate" json:"sample_rate"`
	MicGainDB     int    `yaml:"mic_gain" json:"mic_gain"`
	SpeakerVolume int    `yaml:"speaker_volume" json:"speaker_volume"`
	DACEnabled    bool   `yaml:"dac_enabled" json:"dac_enabled"`
	ADCEnabled    bool   `yaml:"adc_enabled" json:"adc_enabled"`
	BusAddress    uint16 `yaml:"address" json:"address"`
}

// PipelineConfig is the board audio section.
type PipelineConfig struct {
	ES8311Enabled           bool   `yaml:"es8311" json:"es8311"`
	EchoCancellationEnabled bool   `yaml:"echo_cancellation" json:"echo_cancellation"`
	BufferSizeBytes         int    `yaml:"buffer_size" json:"buffer_size"`
	SampleRateHz            uint32 `yaml:"sample_rate" json:"sample_rate"`
}

type AudioConfig struct {
	Codec    CodecConfig    `yaml:"es8311" json:"es8311"`
	Pipeline PipelineConfig `yaml:"audio" json:"audio"`
}

func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		SampleRateHz:  DefaultSampleRateHz,
		MicGainDB:     DefaultMicGainDB,
		SpeakerVolume: DefaultSpeakerVolume,
		DACEnabled:    true,
		ADCEnabled:    true,
		BusAddress:    DefaultBusAddress,
	}
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ES8311Enabled:   true,
		BufferSizeBytes: DefaultBufferBytes,
		SampleRateHz:    DefaultSampleRateHz,
	}
}

func DefaultAudioConfig() AudioConfig {
	return AudioConfig{Codec: DefaultCodecConfig(), Pipeline: DefaultPipelineConfig()}
}
