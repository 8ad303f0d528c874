package es8311

// RegisterState mirrors the register file as last written by the driver,
// plus the settings derived from it. It is a plain value and comparable.
type RegisterState struct {
	Regs    [RegCount]byte
	Written [RegCount]bool

	SampleRateHz  uint32
	MicGainDB     int
	SpeakerVolume int
	ClocksOn      bool
	ADCOn         bool
	DACOn         bool
	Muted         bool
	Ready         bool
}

// Reg returns the mirrored value of reg and whether the driver has written it.
func (s RegisterState) Reg(reg byte) (byte, bool) {
	if int(reg) >= RegCount {
		return 0, false
	}
	return s.Regs[reg], s.Written[reg]
}

type RegisterValue struct {
	Reg   byte
	Name  string
	Value byte
}

// Dump lists every written register in address order.
func (s RegisterState) Dump() []RegisterValue {
	out := make([]RegisterValue, 0, RegCount)
	for i := 0; i < RegCount; i++ {
		if !s.Written[i] {
			continue
		}
		out = append(out, RegisterValue{Reg: byte(i), Name: regNames[i], Value: s.Regs[i]})
	}
	return out
}

// Dump is shorthand for d.State().Dump().
func (d *Device) Dump() []RegisterValue { return d.State().Dump() }
