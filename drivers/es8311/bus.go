package es8311

import (
	"audiocode-go/errcode"
	"audiocode-go/x/conv"
)

type regWrite struct {
	reg, val byte
	flags    uint8
}

const (
	fNoVerify uint8 = 1 << iota // register does not read back what was written
	fSettle                     // sleep resetSettle after the write
)

var (
	resetSeq = []regWrite{
		{reg: RegReset, val: resetAll, flags: fNoVerify | fSettle},
		{reg: RegReset, val: resetRelease, flags: fNoVerify | fSettle},
	}
	adcOff = []regWrite{
		{reg: RegADCVol, val: 0},
		{reg: RegADCCtrl1, val: ctrlPowerDown},
		{reg: RegSDPIn, val: sdpI2S16 | sdpMute},
	}
	dacOff = []regWrite{
		{reg: RegDACVol, val: 0},
		{reg: RegDACCtrl1, val: ctrlPowerDown},
		{reg: RegSDPOut, val: sdpI2S16 | sdpMute},
	}
	clocksOff = []regWrite{{reg: RegClkManager1, val: clk1Off}}
	resetHold = []regWrite{{reg: RegReset, val: resetAll, flags: fNoVerify}}
)

func clocksOn(div byte) []regWrite {
	return []regWrite{
		{reg: RegClkManager1, val: clk1EnableAll},
		{reg: RegClkManager2, val: div},
		{reg: RegSystem, val: systemNormal},
	}
}

func adcOn(gain byte) []regWrite {
	return []regWrite{
		{reg: RegADCCtrl1, val: ctrlPowerUp},
		{reg: RegADCCtrl2, val: 0x00},
		{reg: RegADCVol, val: gain},
		{reg: RegSDPIn, val: sdpI2S16},
	}
}

func dacOn(vol byte) []regWrite {
	return []regWrite{
		{reg: RegDACCtrl1, val: ctrlPowerUp},
		{reg: RegDACCtrl2, val: 0x00},
		{reg: RegDACCtrl3, val: 0x00},
		{reg: RegDACVol, val: vol},
		{reg: RegSDPOut, val: sdpI2S16},
	}
}

// apply writes one register with retry and records it in the mirror.
// Caller holds d.mu.
func (d *Device) apply(s regWrite) error {
	var err error
	backoff := d.retry.Backoff
	for attempt := 0; attempt < d.retry.Attempts; attempt++ {
		if attempt > 0 {
			d.retries.Add(1)
			d.sleep(backoff)
			backoff *= 2
		}
		if err = d.writeReg(s.reg, s.val, d.verify && s.flags&fNoVerify == 0); err == nil {
			break
		}
	}
	if err != nil {
		return &errcode.E{C: errcode.BusUnresponsive, Op: "es8311.write", Msg: "reg " + conv.U8Hex(s.reg), Err: err}
	}
	d.st.Regs[s.reg] = s.val
	d.st.Written[s.reg] = true
	if s.flags&fSettle != 0 {
		d.sleep(resetSettle)
	}
	return nil
}

func (d *Device) writeReg(reg, val byte, verify bool) error {
	d.w[0] = reg
	d.w[1] = val
	if err := d.i2c.Tx(d.addr, d.w[:2], nil); err != nil {
		return err
	}
	if !verify {
		return nil
	}
	v, err := d.readReg(reg)
	if err != nil {
		return err
	}
	if v != val {
		return ErrReadback
	}
	return nil
}

func (d *Device) readReg(reg byte) (byte, error) {
	d.w[0] = reg
	if err := d.i2c.Tx(d.addr, d.w[:1], d.r[:1]); err != nil {
		return 0, err
	}
	return d.r[0], nil
}

// ReadRegister reads reg from the chip with the device retry policy.
func (d *Device) ReadRegister(reg byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		v   byte
		err error
	)
	backoff := d.retry.Backoff
	for attempt := 0; attempt < d.retry.Attempts; attempt++ {
		if attempt > 0 {
			d.retries.Add(1)
			d.sleep(backoff)
			backoff *= 2
		}
		if v, err = d.readReg(reg); err == nil {
			return v, nil
		}
	}
	return 0, &errcode.E{C: errcode.BusUnresponsive, Op: "es8311.read", Msg: "reg " + conv.U8Hex(reg), Err: err}
}
