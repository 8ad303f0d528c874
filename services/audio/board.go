package audio

import (
	"audiocode-go/services/audio/capability"
	"audiocode-go/services/audio/internal/platform"
)

// Board is the hardware the pipeline runs on: host emulation or an RP2
// board, chosen by build tags.
type Board = platform.Board

// OpenBoard opens the board for this build. addr is the codec's 7-bit
// address; 0 means the default.
func OpenBoard(addr uint16) (*Board, error) { return platform.Open(addr) }

// DepsFor wires a board into controller dependencies.
func DepsFor(b *Board) Deps {
	d := Deps{Bus: b.Bus, CaptureChannels: b.CaptureChannels, Capabilities: capability.Default()}
	if b.Capture != nil {
		d.Capture = b.Capture
	}
	if b.Reference != nil {
		d.Reference = b.Reference
	}
	if b.Sink != nil {
		d.Sink = b.Sink
	}
	return d
}
