package es8311

import (
	"context"
	"errors"
	"testing"
	"time"

	"audiocode-go/errcode"
	"audiocode-go/types"
)

var errNack = errors.New("fake: nack")

// fakeBus is a register file behind an I2C address.
type fakeBus struct {
	addr     uint16
	regs     [256]byte
	stuck    map[byte]bool // writes ignored
	failNext int
	offline  bool
	tx       int
	writes   []regWrite
}

func newFakeBus() *fakeBus { return &fakeBus{addr: AddressDefault, stuck: map[byte]bool{}} }

func (f *fakeBus) Tx(addr uint16, w, r []byte) error {
	f.tx++
	if addr != f.addr || f.offline {
		return errNack
	}
	if f.failNext > 0 {
		f.failNext--
		return errNack
	}
	if len(w) >= 2 {
		f.writes = append(f.writes, regWrite{reg: w[0], val: w[1]})
		if !f.stuck[w[0]] {
			f.regs[w[0]] = w[1]
		}
	}
	if len(w) >= 1 && len(r) > 0 {
		r[0] = f.regs[w[0]]
	}
	return nil
}

func noSleep(time.Duration) {}

func newDev(b *fakeBus) *Device { return New(b, Config{Sleep: noSleep}) }

func defaultCfg() types.CodecConfig { return types.DefaultCodecConfig() }

func TestInitializeWritesPowerUpSequence(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := []regWrite{
		{reg: RegReset, val: 0x3F},
		{reg: RegReset, val: 0x00},
		{reg: RegClkManager1, val: 0x3F},
		{reg: RegClkManager2, val: 0x01},
		{reg: RegSystem, val: 0x00},
		{reg: RegADCCtrl1, val: 0x00},
		{reg: RegADCCtrl2, val: 0x00},
		{reg: RegADCVol, val: 240},
		{reg: RegSDPIn, val: 0x0C},
		{reg: RegDACCtrl1, val: 0x00},
		{reg: RegDACCtrl2, val: 0x00},
		{reg: RegDACCtrl3, val: 0x00},
		{reg: RegDACVol, val: 200},
		{reg: RegSDPOut, val: 0x0C},
	}
	if len(b.writes) != len(want) {
		t.Fatalf("writes = %d, want %d: %+v", len(b.writes), len(want), b.writes)
	}
	for i := range want {
		if b.writes[i] != want[i] {
			t.Fatalf("write %d = %+v, want %+v", i, b.writes[i], want[i])
		}
	}
	st := d.State()
	if !st.Ready || !st.ADCOn || !st.DACOn || st.SampleRateHz != 16000 {
		t.Fatalf("state = %+v", st)
	}
	if v, ok := st.Reg(RegADCVol); !ok || v != 240 {
		t.Fatalf("mirror ADC_VOL = %d,%v", v, ok)
	}
}

func TestInitializeRejectsUnsupportedRateWithoutBusTraffic(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	cfg := defaultCfg()
	cfg.SampleRateHz = 192000
	err := d.Initialize(cfg)
	if errcode.Of(err) != errcode.UnsupportedRate {
		t.Fatalf("err = %v", err)
	}
	if b.tx != 0 {
		t.Fatalf("bus touched %d times", b.tx)
	}
	if d.Ready() {
		t.Fatal("device should not be ready")
	}
}

func TestInitializeSkipsDisabledPaths(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	cfg := defaultCfg()
	cfg.DACEnabled = false
	cfg.SampleRateHz = 8000
	if err := d.Initialize(cfg); err != nil {
		t.Fatal(err)
	}
	for _, w := range b.writes {
		if w.reg == RegDACVol || w.reg == RegDACCtrl1 {
			t.Fatalf("DAC register written while disabled: %+v", w)
		}
	}
	if v, _ := d.State().Reg(RegClkManager2); v != 0x02 {
		t.Fatalf("8 kHz divider = %#x", v)
	}
}

func TestSetMicGainOutOfRangeLeavesStateUnchanged(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	before := d.State()
	tx := b.tx
	err := d.SetMicGain(50)
	if !errors.Is(err, errcode.OutOfRange) {
		t.Fatalf("err = %v", err)
	}
	if d.State() != before {
		t.Fatal("state changed after rejected gain")
	}
	if b.tx != tx {
		t.Fatal("bus touched for rejected gain")
	}
}

func TestSetMicGainWritesGainCode(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	if err := d.SetMicGain(10); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegADCVol] != 212 || d.State().MicGainDB != 10 {
		t.Fatalf("ADC_VOL=%d gain=%d", b.regs[RegADCVol], d.State().MicGainDB)
	}
	if err := d.SetMicGain(42); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegADCVol] != 255 {
		t.Fatalf("42 dB should saturate, got %d", b.regs[RegADCVol])
	}
}

func TestControlBeforeInitializeIsInvalidState(t *testing.T) {
	d := newDev(newFakeBus())
	if errcode.Of(d.SetSpeakerVolume(10)) != errcode.InvalidState {
		t.Fatal("expected invalid_state")
	}
	if !errors.Is(d.SetMute(true), ErrNotReady) {
		t.Fatal("expected ErrNotReady cause")
	}
}

func TestRetryRecoversTransientFailures(t *testing.T) {
	b := newFakeBus()
	var slept []time.Duration
	d := New(b, Config{Sleep: func(d time.Duration) { slept = append(slept, d) }})
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	slept = nil
	b.failNext = 2
	if err := d.SetSpeakerVolume(100); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if d.Retries() != 2 {
		t.Fatalf("retries = %d", d.Retries())
	}
	if len(slept) != 2 || slept[0] != 2*time.Millisecond || slept[1] != 4*time.Millisecond {
		t.Fatalf("backoff = %v", slept)
	}
	if b.regs[RegDACVol] != 100 {
		t.Fatalf("DAC_VOL = %d", b.regs[RegDACVol])
	}
}

func TestRetryExhaustedIsBusUnresponsive(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	before := d.State()
	b.offline = true
	tx := b.tx
	err := d.SetMicGain(12)
	if errcode.Of(err) != errcode.BusUnresponsive {
		t.Fatalf("err = %v", err)
	}
	if b.tx-tx != 3 {
		t.Fatalf("attempts = %d, want 3", b.tx-tx)
	}
	if d.State() != before {
		t.Fatal("failed write changed the state")
	}
}

func TestReadbackMismatchIsRetriedThenReported(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	b.stuck[RegDACVol] = true
	err := d.SetSpeakerVolume(10)
	if !errors.Is(err, ErrReadback) || errcode.Of(err) != errcode.BusUnresponsive {
		t.Fatalf("err = %v", err)
	}
}

func TestMuteKeepsVolume(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	if err := d.SetMute(true); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegDACVol] != 0 {
		t.Fatalf("muted DAC_VOL = %d", b.regs[RegDACVol])
	}
	if err := d.SetSpeakerVolume(100); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegDACVol] != 0 {
		t.Fatal("volume change leaked through mute")
	}
	if err := d.SetMute(false); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegDACVol] != 100 {
		t.Fatalf("unmuted DAC_VOL = %d", b.regs[RegDACVol])
	}
}

func TestChannelDisableAndEnable(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	if err := d.SetChannelEnabled(types.ChannelADC, false); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegADCVol] != 0 || b.regs[RegADCCtrl1] != 0x40 || b.regs[RegSDPIn] != 0x4C {
		t.Fatalf("ADC off regs: vol=%#x ctrl1=%#x sdpin=%#x", b.regs[RegADCVol], b.regs[RegADCCtrl1], b.regs[RegSDPIn])
	}
	if d.State().ADCOn {
		t.Fatal("ADC still marked on")
	}
	// Gain set while off is applied on enable.
	if err := d.SetMicGain(6); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegADCVol] != 0 {
		t.Fatal("gain written while ADC off")
	}
	if err := d.SetChannelEnabled(types.ChannelADC, true); err != nil {
		t.Fatal(err)
	}
	if b.regs[RegADCVol] != GainCode(6) || b.regs[RegADCCtrl1] != 0 {
		t.Fatalf("ADC on regs: vol=%d ctrl1=%#x", b.regs[RegADCVol], b.regs[RegADCCtrl1])
	}
}

func TestShutdownAttemptsEveryStep(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	b.writes = nil
	if err := d.Shutdown(); err != nil {
		t.Fatal(err)
	}
	want := []byte{RegDACVol, RegDACCtrl1, RegSDPOut, RegADCVol, RegADCCtrl1, RegSDPIn, RegClkManager1, RegReset}
	if len(b.writes) != len(want) {
		t.Fatalf("writes = %+v", b.writes)
	}
	for i, reg := range want {
		if b.writes[i].reg != reg {
			t.Fatalf("step %d wrote %#x, want %#x", i, b.writes[i].reg, reg)
		}
	}
	if d.Ready() {
		t.Fatal("ready after shutdown")
	}

	// Unresponsive bus: still attempts all steps and reports the failure.
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	b.offline = true
	tx := b.tx
	if err := d.Shutdown(); errcode.Of(err) != errcode.BusUnresponsive {
		t.Fatalf("err = %v", err)
	}
	if b.tx-tx != len(want)*3 {
		t.Fatalf("tx = %d, want %d", b.tx-tx, len(want)*3)
	}
}

func TestInitializeShutdownAcrossConfigurations(t *testing.T) {
	rates := []uint32{8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000, 88200, 96000}
	if got := SupportedRates(); len(got) != len(rates) {
		t.Fatalf("SupportedRates = %v", got)
	}
	for _, rate := range rates {
		for _, gain := range []int{0, MicGainMaxDB} {
			for _, vol := range []int{0, 255} {
				for mask := 0; mask < 4; mask++ {
					cfg := defaultCfg()
					cfg.SampleRateHz = rate
					cfg.MicGainDB = gain
					cfg.SpeakerVolume = vol
					cfg.DACEnabled = mask&1 != 0
					cfg.ADCEnabled = mask&2 != 0

					b := newFakeBus()
					d := newDev(b)
					if err := d.Initialize(cfg); err != nil {
						t.Fatalf("%d Hz gain %d vol %d dac %v adc %v: Initialize: %v",
							rate, gain, vol, cfg.DACEnabled, cfg.ADCEnabled, err)
					}
					div, _ := ClockDivider(rate)
					st := d.State()
					if !st.Ready || st.SampleRateHz != rate || b.regs[RegClkManager2] != div {
						t.Fatalf("%d Hz: ready %v rate %d div %#x", rate, st.Ready, st.SampleRateHz, b.regs[RegClkManager2])
					}
					if st.DACOn != cfg.DACEnabled || st.ADCOn != cfg.ADCEnabled {
						t.Fatalf("%d Hz mask %d: dac %v adc %v", rate, mask, st.DACOn, st.ADCOn)
					}
					if err := d.Shutdown(); err != nil {
						t.Fatalf("%d Hz gain %d vol %d mask %d: Shutdown: %v", rate, gain, vol, mask, err)
					}
					if d.Ready() {
						t.Fatalf("%d Hz mask %d: ready after shutdown", rate, mask)
					}
				}
			}
		}
	}
}

func TestInitializeContextCanceled(t *testing.T) {
	b := newFakeBus()
	d := newDev(b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.InitializeContext(ctx, defaultCfg())
	if errcode.Of(err) != errcode.Canceled {
		t.Fatalf("err = %v", err)
	}
	if b.tx != 0 || d.Ready() {
		t.Fatal("canceled initialize should not touch the bus")
	}
}

func TestDumpListsWrittenRegisters(t *testing.T) {
	d := newDev(newFakeBus())
	if err := d.Initialize(defaultCfg()); err != nil {
		t.Fatal(err)
	}
	dump := d.Dump()
	if len(dump) == 0 || dump[0].Name != "RESET" {
		t.Fatalf("dump = %+v", dump)
	}
	for i := 1; i < len(dump); i++ {
		if dump[i].Reg <= dump[i-1].Reg {
			t.Fatal("dump not in address order")
		}
	}
}

func TestAddressOverride(t *testing.T) {
	b := newFakeBus()
	b.addr = 0x19
	d := newDev(b)
	cfg := defaultCfg()
	cfg.BusAddress = 0x19
	if err := d.Initialize(cfg); err != nil {
		t.Fatal(err)
	}
	if d.Address() != 0x19 {
		t.Fatalf("address = %#x", d.Address())
	}
}
