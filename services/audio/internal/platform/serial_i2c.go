package platform

import (
	"sync"
	"time"

	"audiocode-go/errcode"

	"tinygo.org/x/drivers"
)

// request posted to the bus worker
type i2cReq struct {
	addr uint16
	w, r []byte
	done chan error // buffered(1); worker replies best-effort
}

// SerialI2C owns one bus and runs every transaction on a single worker
// goroutine. Tx enforces a per-call timeout on both enqueue and completion.
// Buffers are copied so a timed-out caller may reuse its slices at once.
type SerialI2C struct {
	hw      drivers.I2C
	timeout time.Duration // 0 => no deadline
	reqs    chan i2cReq
	quit    chan struct{}
	once    sync.Once
}

// Ensure compile-time conformance with drivers.I2C
var _ drivers.I2C = (*SerialI2C)(nil)

func NewSerialI2C(hw drivers.I2C, timeout time.Duration) *SerialI2C {
	s := &SerialI2C{
		hw:      hw,
		timeout: timeout,
		reqs:    make(chan i2cReq, 16),
		quit:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *SerialI2C) loop() {
	for {
		select {
		case req := <-s.reqs:
			err := s.hw.Tx(req.addr, req.w, req.r)
			// best-effort reply; do not block the worker
			select {
			case req.done <- err:
			default:
			}
		case <-s.quit:
			return
		}
	}
}

// Close stops the worker. Pending and later transactions fail with Unavailable.
func (s *SerialI2C) Close() { s.once.Do(func() { close(s.quit) }) }

func (s *SerialI2C) Tx(addr uint16, w, r []byte) error {
	req := i2cReq{addr: addr, done: make(chan error, 1)}
	if len(w) > 0 {
		req.w = append([]byte(nil), w...)
	}
	if len(r) > 0 {
		req.r = make([]byte, len(r))
	}

	var tc <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		tc = t.C
	}

	select {
	case s.reqs <- req:
	case <-tc:
		return errcode.Busy
	case <-s.quit:
		return errcode.Unavailable
	}

	select {
	case err := <-req.done:
		if err == nil {
			copy(r, req.r)
		}
		return err
	case <-tc:
		return errcode.Timeout
	case <-s.quit:
		return errcode.Unavailable
	}
}
