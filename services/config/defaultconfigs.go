package config

import "embed"

// -----------------------------------------------------------------------------
// Embedded configuration
//
// One YAML file per device under devices/, named <device>.yaml. The device
// ID is the value placed in the context with WithDevice.
// -----------------------------------------------------------------------------

//go:embed devices/*.yaml
var embeddedConfigs embed.FS

func embeddedLookup(device string) ([]byte, bool) {
	b, err := embeddedConfigs.ReadFile("devices/" + device + ".yaml")
	if err != nil {
		return nil, false
	}
	return b, true
}
