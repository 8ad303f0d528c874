//go:build !rp2040 && !rp2350

package platform

import (
	"os"

	"audiocode-go/types"
)

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// Open builds the host board: an emulated codec on a serialised bus, a
// stereo tone microphone inside a simulated room that echoes the speaker,
// and a detachable 48 kHz stereo USB microphone mixed down to the
// pipeline rate.
func Open(addr uint16) (*Board, error) {
	if addr == 0 {
		addr = types.DefaultBusAddress
	}
	hb := NewHostI2C(addr)
	bus := NewSerialI2C(hb, i2cTimeout)

	room := NewRoom(160, 0.5)
	mic := room.Source(NewToneSource(440, 6000))
	usb := NewDetachable(NewDownmix(NewToneSource(440, 3000), USBRateHz, USBChannels), true)
	sink := room.Sink(NewDiscardSink(0))

	return &Board{
		Name:            "host",
		Bus:             bus,
		Capture:         mic,
		CaptureChannels: 2,
		Reference:       usb,
		Sink:            sink,
		Console:         stdio{},
		HostBus:         hb,
		USB:             usb,
		closers:         []func(){bus.Close},
	}, nil
}
