package bridge

import (
	"encoding/json"
	"errors"

	"audiocode-go/services/audio"
	"audiocode-go/types"
)

var errNoPayload = errors.New("bridge: empty payload")

// requestPayloads maps a control verb to the type its JSON body decodes
// into. Verbs not listed carry no payload.
var requestPayloads = map[string]func() any{
	audio.VerbSetMicGain:       func() any { return new(types.SetMicGain) },
	audio.VerbSetSpeakerVolume: func() any { return new(types.SetSpeakerVolume) },
	audio.VerbFadeVolume:       func() any { return new(types.FadeSpeakerVolume) },
	audio.VerbSetChannel:       func() any { return new(types.SetChannel) },
	audio.VerbSetMute:          func() any { return new(types.SetMute) },
}

func decodePayload(verb string, raw json.RawMessage) (any, error) {
	mk, ok := requestPayloads[verb]
	if !ok {
		return nil, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errNoPayload
	}
	v := mk()
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}
