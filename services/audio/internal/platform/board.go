package platform

import (
	"io"
	"time"

	"tinygo.org/x/drivers"
)

// Per-transaction bound applied by SerialI2C on every board.
const i2cTimeout = 50 * time.Millisecond

// Board is the hardware, or emulated hardware, the pipeline runs on.
type Board struct {
	Name            string
	Bus             drivers.I2C
	Capture         Source
	CaptureChannels int    // channels Capture delivers; 0 means mono
	Reference       Source // optional second microphone; nil if absent
	Sink            Sink
	Console         io.ReadWriter

	// Host-only handles for fault injection; nil on hardware.
	HostBus *HostI2C
	USB     *Detachable

	closers []func()
}

// Close releases board resources in reverse order of acquisition.
func (b *Board) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
