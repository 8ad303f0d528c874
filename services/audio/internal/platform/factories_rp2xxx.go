//go:build rp2040 || rp2350

package platform

import (
	"context"
	"machine"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
)

// Pico wiring: codec on i2c0 (GP12/GP13), console on uart0 (GP0/GP1).
const (
	i2cSDA  = machine.GP12
	i2cSCL  = machine.GP13
	i2cHz   = 400_000
	uartTX  = machine.GP0
	uartRX  = machine.GP1
	uartBps = 115200
)

// uartConsole adapts uartx to io.ReadWriter.
type uartConsole struct{ u *uartx.UART }

func (c uartConsole) Write(p []byte) (int, error) { return c.u.Write(p) }
func (c uartConsole) Read(p []byte) (int, error) {
	return c.u.RecvSomeContext(context.Background(), p)
}

// Open configures the on-board bus and console. The codec address comes
// from configuration, so addr is not needed here.
func Open(addr uint16) (*Board, error) {
	i2cSDA.Configure(machine.PinConfig{Mode: machine.PinI2C})
	i2cSCL.Configure(machine.PinConfig{Mode: machine.PinI2C})
	if err := machine.I2C0.Configure(machine.I2CConfig{
		SCL:       i2cSCL,
		SDA:       i2cSDA,
		Frequency: i2cHz,
	}); err != nil {
		return nil, err
	}
	bus := NewSerialI2C(machine.I2C0, i2cTimeout)

	u := uartx.UART0
	if err := u.Configure(uartx.UARTConfig{BaudRate: uartBps, TX: uartTX, RX: uartRX}); err != nil {
		bus.Close()
		return nil, err
	}

	// TODO: replace the silent generator and discard sink with PIO I2S
	// capture/playback once the DMA transport exists.
	return &Board{
		Name:    "pico",
		Bus:     bus,
		Capture: NewToneSource(0, 0),
		Sink:    NewDiscardSink(0),
		Console: uartConsole{u},
		closers: []func(){bus.Close},
	}, nil
}
