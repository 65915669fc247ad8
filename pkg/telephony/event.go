// Package telephony parses the control messages of the telephony
// media-streaming WebSocket.
//
// The telephony leg carries two kinds of messages: binary frames of raw PCM16
// audio and JSON control events tagged by an "event" field. Only the events
// the bridge acts on are modelled here.
package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Event types sent by the telephony platform.
const (
	EventConnected = "websocket:connected"
	EventDTMF      = "websocket:dtmf"
)

// ErrNoEventType is returned by [Parse] for JSON that carries no "event" tag.
var ErrNoEventType = errors.New("telephony: missing event type")

// Event is a parsed control message. Fields not relevant to Type are empty.
type Event struct {
	// Type is the discriminator, e.g. [EventConnected].
	Type string `json:"event"`

	// ContentType is the audio descriptor of a connected event,
	// e.g. "audio/L16;rate=8000".
	ContentType string `json:"content-type,omitempty"`

	// Digit is the key pressed in a DTMF event.
	Digit string `json:"digit,omitempty"`
}

// Parse decodes a textual control message.
func Parse(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("telephony: decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, ErrNoEventType
	}
	return evt, nil
}

var rateParam = regexp.MustCompile(`rate=(\d+)`)

// SampleRate extracts the sample rate from a content-type descriptor. The
// result is [audio.SampleRate8k] only when the descriptor declares exactly
// rate=8000; any other rate, a missing parameter, or an empty descriptor
// yields [audio.SampleRate16k].
func SampleRate(contentType string) int {
	m := rateParam.FindStringSubmatch(contentType)
	if m != nil && m[1] == "8000" {
		return audio.SampleRate8k
	}
	return audio.SampleRate16k
}

// Format returns the mono PCM16 stream format declared by a connected event.
func (e Event) Format() audio.Format {
	return audio.Mono(SampleRate(e.ContentType))
}
