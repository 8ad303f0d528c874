package audio

import (
	"context"
	"time"

	"audiocode-go/drivers/es8311"
	"audiocode-go/errcode"
	"audiocode-go/types"
	"audiocode-go/x/conv"
	"audiocode-go/x/mathx"
	"audiocode-go/x/ramp"
)

// controlReq is a codec operation for the capture goroutine, which applies
// it at the next frame boundary and replies on done (buffered, size 1).
type controlReq struct {
	apply func(*es8311.Device) error
	done  chan error
}

// SetMicGain sets the ADC gain in dB.
func (c *Controller) SetMicGain(ctx context.Context, db int) error {
	const op = "audio.set_mic_gain"
	if !c.caps.MicGainInRange(db) {
		return errcode.New(errcode.OutOfRange, op, itoa(db)+" dB")
	}
	return c.control(ctx, op,
		func(d *es8311.Device) error { return d.SetMicGain(db) },
		func(cc *types.CodecConfig) { cc.MicGainDB = db })
}

// SetSpeakerVolume sets the DAC volume, 0..255.
func (c *Controller) SetSpeakerVolume(ctx context.Context, level int) error {
	const op = "audio.set_speaker_volume"
	if !c.caps.VolumeInRange(level) {
		return errcode.New(errcode.OutOfRange, op, itoa(level))
	}
	return c.control(ctx, op,
		func(d *es8311.Device) error { return d.SetSpeakerVolume(level) },
		func(cc *types.CodecConfig) { cc.SpeakerVolume = level })
}

// FadeSpeakerVolume moves the DAC volume to level over d, one step per
// frame. Outside Running, or with d <= 0, it is SetSpeakerVolume.
func (c *Controller) FadeSpeakerVolume(ctx context.Context, level int, d time.Duration) error {
	const op = "audio.fade_speaker_volume"
	if !c.caps.VolumeInRange(level) {
		return errcode.New(errcode.OutOfRange, op, itoa(level))
	}
	r := c.cur.Load()
	st, ok := c.CodecState()
	if r == nil || !ok || d <= 0 || c.State() != types.StateRunning {
		return c.SetSpeakerVolume(ctx, level)
	}
	steps := int(mathx.CeilDiv(uint64(d), uint64(r.period)))
	return ramp.Linear(ctx, st.SpeakerVolume, level, steps, r.period, func(l int) error {
		return c.SetSpeakerVolume(ctx, l)
	})
}

// SetChannelEnabled powers the DAC or ADC path up or down.
func (c *Controller) SetChannelEnabled(ctx context.Context, ch types.Channel, on bool) error {
	const op = "audio.set_channel"
	if ch != types.ChannelDAC && ch != types.ChannelADC {
		return errcode.New(errcode.InvalidParams, op, "unknown channel")
	}
	return c.control(ctx, op,
		func(d *es8311.Device) error { return d.SetChannelEnabled(ch, on) },
		func(cc *types.CodecConfig) {
			if ch == types.ChannelDAC {
				cc.DACEnabled = on
			} else {
				cc.ADCEnabled = on
			}
		})
}

// SetMute mutes or unmutes the DAC without losing the volume setting.
// Mute is runtime-only and does not survive a Reconfigure.
func (c *Controller) SetMute(ctx context.Context, on bool) error {
	return c.control(ctx, "audio.set_mute",
		func(d *es8311.Device) error { return d.SetMute(on) },
		nil)
}

// control routes a codec operation by state. While Running it goes through
// the capture goroutine; while Configuring it is applied by the caller
// under codecMu; while Stopped it only updates the stored configuration.
func (c *Controller) control(ctx context.Context, op string, apply func(*es8311.Device) error, store func(*types.CodecConfig)) error {
	c.mu.Lock()
	r := c.run
	switch {
	case r != nil && c.state == types.StateRunning:
		if r.codec == nil {
			c.mu.Unlock()
			return errcode.New(errcode.Unsupported, op, "codec disabled")
		}
		c.mu.Unlock()
		return c.enqueue(ctx, op, r, apply, store)

	case r != nil && c.state == types.StateConfiguring:
		c.mu.Unlock()
		if r.codec == nil {
			return errcode.New(errcode.Unsupported, op, "codec disabled")
		}
		return c.applyConfiguring(op, r, apply, store)

	case c.state == types.StateStopped && c.hasConfig:
		defer c.mu.Unlock()
		if !c.pcfg.ES8311Enabled {
			return errcode.New(errcode.Unsupported, op, "codec disabled")
		}
		if store != nil {
			store(&c.ccfg)
		}
		return nil

	default:
		s := c.state
		c.mu.Unlock()
		return errcode.New(errcode.InvalidState, op, "not allowed while "+s.String())
	}
}

func (c *Controller) enqueue(ctx context.Context, op string, r *run, apply func(*es8311.Device) error, store func(*types.CodecConfig)) error {
	req := controlReq{apply: apply, done: make(chan error, 1)}
	select {
	case r.ctrl <- req:
	case <-r.done:
		return errcode.New(errcode.InvalidState, op, "pipeline stopped")
	default:
		return errcode.New(errcode.Busy, op, "control queue full")
	}

	select {
	case err := <-req.done:
		if err == nil && store != nil {
			c.mu.Lock()
			store(&c.ccfg)
			c.mu.Unlock()
		}
		return err
	case <-r.done:
		// The loop rejects what it has not applied before exiting.
		select {
		case err := <-req.done:
			return err
		default:
			return errcode.New(errcode.InvalidState, op, "pipeline stopped")
		}
	case <-ctx.Done():
		return errcode.Wrap(errcode.MapDriverErr(ctx.Err()), op, ctx.Err())
	}
}

// serviceControl applies queued operations. It runs on the capture
// goroutine between frames. A bus failure is returned so the pipeline
// faults; the caller gets the same error.
func (c *Controller) serviceControl(r *run) error {
	for {
		select {
		case req := <-r.ctrl:
			err := req.apply(r.codec)
			c.noteRetries(r)
			req.done <- err
			if errcode.Of(err) == errcode.BusUnresponsive {
				return err
			}
		default:
			return nil
		}
	}
}

// rejectPending answers everything left in the queue once the capture
// goroutine stops consuming it.
func (c *Controller) rejectPending(r *run) {
	for {
		select {
		case req := <-r.ctrl:
			req.done <- errcode.New(errcode.InvalidState, "audio.control", "pipeline stopped")
		default:
			return
		}
	}
}

func itoa(v int) string {
	var b [20]byte
	return string(conv.Itoa(b[:], int64(v)))
}

// applyConfiguring drives the codec of a built but not yet started run.
// The bus transaction runs without c.mu so queries are not held up by
// retries; codecMu keeps Start and Stop from moving on underneath it.
func (c *Controller) applyConfiguring(op string, r *run, apply func(*es8311.Device) error, store func(*types.CodecConfig)) error {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()

	c.mu.Lock()
	if c.run != r || c.state != types.StateConfiguring {
		s := c.state
		c.mu.Unlock()
		return errcode.New(errcode.InvalidState, op, "not allowed while "+s.String())
	}
	c.mu.Unlock()

	err := apply(r.codec)
	c.noteRetries(r)
	if err == nil && store != nil {
		c.mu.Lock()
		store(&c.ccfg)
		c.mu.Unlock()
	}
	return err
}
