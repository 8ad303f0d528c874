package platform

import (
	"errors"
	"sync"
)

var ErrNack = errors.New("i2c: address not acknowledged")

// RegWrite is one register write seen by HostI2C.
type RegWrite struct {
	Addr     uint16
	Reg, Val byte
}

// HostI2C emulates an 8-bit register file at one 7-bit address, enough to
// run the ES8311 driver on a host. Faults can be injected for tests.
type HostI2C struct {
	mu       sync.Mutex
	addr     uint16
	regs     [256]byte
	stuck    [256]bool
	failNext int
	offline  bool
	tx       int
	writes   []RegWrite
}

func NewHostI2C(addr uint16) *HostI2C { return &HostI2C{addr: addr} }

func (h *HostI2C) Tx(addr uint16, w, r []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tx++
	if addr != h.addr || h.offline {
		return ErrNack
	}
	if h.failNext > 0 {
		h.failNext--
		return ErrNack
	}
	if len(w) == 0 {
		return nil
	}
	reg := w[0]
	// Auto-increment on multi-byte writes and reads.
	for i, v := range w[1:] {
		rr := reg + byte(i)
		h.writes = append(h.writes, RegWrite{Addr: addr, Reg: rr, Val: v})
		if !h.stuck[rr] {
			h.regs[rr] = v
		}
	}
	for i := range r {
		r[i] = h.regs[reg+byte(i)]
	}
	return nil
}

// FailNext makes the next n transactions fail.
func (h *HostI2C) FailNext(n int) {
	h.mu.Lock()
	h.failNext = n
	h.mu.Unlock()
}

// SetOffline makes every transaction fail until cleared.
func (h *HostI2C) SetOffline(v bool) {
	h.mu.Lock()
	h.offline = v
	h.mu.Unlock()
}

// Stick makes writes to reg silently ignored, so readback disagrees.
func (h *HostI2C) Stick(reg byte, v bool) {
	h.mu.Lock()
	h.stuck[reg] = v
	h.mu.Unlock()
}

func (h *HostI2C) Reg(reg byte) byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.regs[reg]
}

// Writes returns a copy of the write log.
func (h *HostI2C) Writes() []RegWrite {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RegWrite(nil), h.writes...)
}

// TxCount returns the number of transactions attempted.
func (h *HostI2C) TxCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tx
}

func (h *HostI2C) ClearLog() {
	h.mu.Lock()
	h.writes = nil
	h.mu.Unlock()
}
