package es8311

const (
	// 7-bit I2C address with CE pin low (0011_000b).
	AddressDefault = 0x18

	// --- Register sub-addresses (8-bit registers) ---

	RegReset       = 0x00
	RegClkManager1 = 0x01 // MCLK source / clock enables
	RegClkManager2 = 0x02 // MCLK pre-divider and multiplier
	RegClkManager3 = 0x03
	RegClkManager4 = 0x04
	RegClkManager5 = 0x05
	RegClkManager6 = 0x06
	RegClkManager7 = 0x07
	RegClkManager8 = 0x08
	RegSDPIn       = 0x09 // serial data port in
	RegSDPOut      = 0x0A // serial data port out
	RegSystem      = 0x0B
	RegSystem2     = 0x0C
	RegSDPMisc     = 0x0D
	RegADCCtrl1    = 0x0E
	RegADCCtrl2    = 0x0F
	RegDACCtrl1    = 0x10
	RegDACCtrl2    = 0x11
	RegDACCtrl3    = 0x12
	RegADCVol      = 0x13
	RegDACVol      = 0x14
	RegGPIO        = 0x15
	RegGP          = 0x16
	RegADCRampRate = 0x17
	RegDACRampRate = 0x18

	// RegCount is the size of the mirrored register window.
	RegCount = RegDACRampRate + 1
)

// Bitfields and fixed values.
const (
	resetAll     = 0x3F // assert reset on every block
	resetRelease = 0x00

	clk1EnableAll = 0x3F // MCLK input + all clock gates on
	clk1Off       = 0x00

	systemNormal = 0x00

	sdpI2S16 = 0x0C // I2S, 16-bit word length
	sdpMute  = 0x40 // serial port mute

	ctrlPowerUp   = 0x00
	ctrlPowerDown = 0x40 // analog power-down on ADC_CTRL1/DAC_CTRL1

	gainZeroDB = 192 // ADC_VOL code for 0 dB; 0.5 dB per step
)

// Documented limits.
const (
	MicGainMinDB = 0
	MicGainMaxDB = 42
	VolumeMin    = 0
	VolumeMax    = 255
)

var regNames = [RegCount]string{
	"RESET", "CLK_MANAGER1", "CLK_MANAGER2", "CLK_MANAGER3", "CLK_MANAGER4",
	"CLK_MANAGER5", "CLK_MANAGER6", "CLK_MANAGER7", "CLK_MANAGER8",
	"SDPIN", "SDPOUT", "SYSTEM", "SYSTEM2", "SDP_MISC",
	"ADC_CTRL1", "ADC_CTRL2", "DAC_CTRL1", "DAC_CTRL2", "DAC_CTRL3",
	"ADC_VOL", "DAC_VOL", "GPIO", "GP", "ADC_RAMPRATE", "DAC_RAMPRATE",
}

// RegisterName returns the datasheet name for reg, or "" if outside the map.
func RegisterName(reg byte) string {
	if int(reg) >= RegCount {
		return ""
	}
	return regNames[reg]
}

// Clock divider (CLK_MANAGER2) per sample rate, assuming MCLK = 256*Fs.
var clockDividers = [...]struct {
	rate uint32
	div  byte
}{
	{8000, 0x02},
	{11025, 0x01},
	{12000, 0x01},
	{16000, 0x01},
	{22050, 0x01},
	{24000, 0x01},
	{32000, 0x01},
	{44100, 0x00},
	{48000, 0x00},
	{88200, 0x00},
	{96000, 0x00},
}

// ClockDivider returns the CLK_MANAGER2 value for rate.
func ClockDivider(rate uint32) (byte, bool) {
	for _, e := range clockDividers {
		if e.rate == rate {
			return e.div, true
		}
	}
	return 0, false
}

// SupportedRates lists the sample rates with a divider entry, ascending.
func SupportedRates() []uint32 {
	out := make([]uint32, len(clockDividers))
	for i, e := range clockDividers {
		out[i] = e.rate
	}
	return out
}

// GainCode converts a microphone gain in dB to the ADC_VOL register value.
func GainCode(db int) byte {
	v := gainZeroDB + 2*db
	if v > 255 {
		v = 255
	}
	if v < 0 {
		v = 0
	}
	return byte(v)
}
