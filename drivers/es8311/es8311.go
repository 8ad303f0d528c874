// Package es8311 is a TinyGo driver for the Everest ES8311 mono audio codec.
//
// Design notes:
//   - I2C, 8-bit register address, 8-bit data. Default 7-bit address 0x18.
//   - Every register write is read back and compared; a mismatch is treated
//     like a bus error and retried.
//   - The driver keeps a mirror of every register it has written
//     (RegisterState). Callers get copies; only the driver mutates it.
//   - Power-up order: reset, clocks, ADC, DAC. Power-down is the reverse and
//     always runs every step.
package es8311

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"audiocode-go/errcode"
	"audiocode-go/types"
	"audiocode-go/x/conv"

	"tinygo.org/x/drivers"
)

var (
	ErrNotReady = errors.New("es8311: not initialized")
	ErrReadback = errors.New("es8311: readback mismatch")
)

// RetryPolicy bounds retries of a single register transaction.
// Backoff doubles after each failed attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 2 * time.Millisecond}
}

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// Address defaults to 0x18 if zero.
	Address uint16
	// Retry defaults to DefaultRetryPolicy if Attempts is zero.
	Retry RetryPolicy
	// SkipVerify disables readback after writes.
	SkipVerify bool
	// Sleep is used for reset settling and retry backoff. Default time.Sleep.
	Sleep func(time.Duration)
}

// Reset settle time after asserting and releasing reset.
const resetSettle = 10 * time.Millisecond

// Device wraps an I2C connection to an ES8311.
type Device struct {
	i2c    drivers.I2C
	addr   uint16
	retry  RetryPolicy
	verify bool
	sleep  func(time.Duration)

	mu      sync.Mutex
	st      RegisterState
	retries atomic.Uint64

	// Fixed buffers to avoid per-call heap allocations.
	w [2]byte
	r [1]byte
}

// New returns a Device. It does not touch the bus.
func New(i2c drivers.I2C, cfg Config) *Device {
	addr := cfg.Address
	if addr == 0 {
		addr = AddressDefault
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Device{
		i2c:    i2c,
		addr:   addr,
		retry:  retry,
		verify: !cfg.SkipVerify,
		sleep:  sleep,
	}
}

// Address returns the 7-bit bus address in use.
func (d *Device) Address() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Retries counts retried transactions since New.
func (d *Device) Retries() uint64 { return d.retries.Load() }

// State returns a copy of the register mirror and derived settings.
func (d *Device) State() RegisterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}

// Ready reports whether Initialize has completed and Shutdown has not run since.
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.Ready
}

// Initialize runs the power-up sequence for cfg.
func (d *Device) Initialize(cfg types.CodecConfig) error {
	return d.InitializeContext(context.Background(), cfg)
}

// InitializeContext is Initialize with cancellation checked between
// register writes. On cancellation the codec is left partially configured
// and not Ready; callers should Shutdown.
func (d *Device) InitializeContext(ctx context.Context, cfg types.CodecConfig) error {
	const op = "es8311.initialize"
	div, ok := ClockDivider(cfg.SampleRateHz)
	if !ok {
		var b [20]byte
		return errcode.New(errcode.UnsupportedRate, op, string(conv.Utoa(b[:], uint64(cfg.SampleRateHz)))+" Hz")
	}
	if err := checkGain(op, cfg.MicGainDB); err != nil {
		return err
	}
	if err := checkVolume(op, cfg.SpeakerVolume); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.BusAddress != 0 {
		d.addr = cfg.BusAddress
	}
	d.st = RegisterState{}

	seq := make([]regWrite, 0, 16)
	seq = append(seq, resetSeq...)
	seq = append(seq, clocksOn(div)...)
	if cfg.ADCEnabled {
		seq = append(seq, adcOn(GainCode(cfg.MicGainDB))...)
	}
	if cfg.DACEnabled {
		seq = append(seq, dacOn(byte(cfg.SpeakerVolume))...)
	}
	for _, s := range seq {
		if err := ctx.Err(); err != nil {
			return errcode.Wrap(errcode.MapDriverErr(err), op, err)
		}
		if err := d.apply(s); err != nil {
			return err
		}
	}

	d.st.SampleRateHz = cfg.SampleRateHz
	d.st.MicGainDB = cfg.MicGainDB
	d.st.SpeakerVolume = cfg.SpeakerVolume
	d.st.ClocksOn = true
	d.st.ADCOn = cfg.ADCEnabled
	d.st.DACOn = cfg.DACEnabled
	d.st.Muted = false
	d.st.Ready = true
	return nil
}

// SetMicGain sets the ADC gain in dB (0..42). Values above 31 saturate the
// register at its maximum code. While the ADC is powered down the value is
// stored and applied when it is enabled.
func (d *Device) SetMicGain(db int) error {
	const op = "es8311.set_mic_gain"
	if err := checkGain(op, db); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.st.Ready {
		return errcode.Wrap(errcode.InvalidState, op, ErrNotReady)
	}
	if d.st.ADCOn {
		if err := d.apply(regWrite{reg: RegADCVol, val: GainCode(db)}); err != nil {
			return err
		}
	}
	d.st.MicGainDB = db
	return nil
}

// SetSpeakerVolume sets the DAC volume (0..255). While muted or with the DAC
// powered down the level is stored and applied later.
func (d *Device) SetSpeakerVolume(level int) error {
	const op = "es8311.set_speaker_volume"
	if err := checkVolume(op, level); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.st.Ready {
		return errcode.Wrap(errcode.InvalidState, op, ErrNotReady)
	}
	if d.st.DACOn && !d.st.Muted {
		if err := d.apply(regWrite{reg: RegDACVol, val: byte(level)}); err != nil {
			return err
		}
	}
	d.st.SpeakerVolume = level
	return nil
}

// SetMute silences the DAC by zeroing its volume; unmute restores the stored level.
func (d *Device) SetMute(on bool) error {
	const op = "es8311.set_mute"
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.st.Ready {
		return errcode.Wrap(errcode.InvalidState, op, ErrNotReady)
	}
	if d.st.DACOn {
		if err := d.apply(regWrite{reg: RegDACVol, val: d.dacLevel(on)}); err != nil {
			return err
		}
	}
	d.st.Muted = on
	return nil
}

// SetChannelEnabled powers a signal path up or down.
func (d *Device) SetChannelEnabled(ch types.Channel, on bool) error {
	const op = "es8311.set_channel"
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.st.Ready {
		return errcode.Wrap(errcode.InvalidState, op, ErrNotReady)
	}
	var seq []regWrite
	var flag *bool
	switch ch {
	case types.ChannelADC:
		flag = &d.st.ADCOn
		if on {
			seq = adcOn(GainCode(d.st.MicGainDB))
		} else {
			seq = adcOff
		}
	case types.ChannelDAC:
		flag = &d.st.DACOn
		if on {
			seq = dacOn(d.dacLevel(d.st.Muted))
		} else {
			seq = dacOff
		}
	default:
		return errcode.New(errcode.InvalidParams, op, "channel "+ch.String())
	}
	if *flag == on {
		return nil
	}
	for _, s := range seq {
		if err := d.apply(s); err != nil {
			return err
		}
	}
	*flag = on
	return nil
}

// Shutdown powers the codec down in reverse order: DAC, ADC, clocks, then
// holds reset. Every step is attempted; the joined error is returned.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, seq := range [][]regWrite{dacOff, adcOff, clocksOff, resetHold} {
		for _, s := range seq {
			if err := d.apply(s); err != nil {
				errs = append(errs, err)
			}
		}
	}
	d.st.Ready = false
	d.st.ADCOn = false
	d.st.DACOn = false
	d.st.ClocksOn = false
	return errors.Join(errs...)
}

func (d *Device) dacLevel(muted bool) byte {
	if muted {
		return 0
	}
	return byte(d.st.SpeakerVolume)
}

func checkGain(op string, db int) error {
	if db < MicGainMinDB || db > MicGainMaxDB {
		var b [20]byte
		return errcode.New(errcode.OutOfRange, op, "mic gain "+string(conv.Itoa(b[:], int64(db)))+" dB")
	}
	return nil
}

func checkVolume(op string, level int) error {
	if level < VolumeMin || level > VolumeMax {
		var b [20]byte
		return errcode.New(errcode.OutOfRange, op, "volume "+string(conv.Itoa(b[:], int64(level))))
	}
	return nil
}
