// Package audio holds the PCM framing primitives shared by both legs of a
// call: stream formats, the fixed 20 ms frame size, and the frame chunker.
//
// All audio handled here is mono, 16-bit little-endian linear PCM.
package audio

import (
	"fmt"
	"time"
)

// FrameDuration is the time quantum carried by a single frame on the
// telephony leg.
const FrameDuration = 20 * time.Millisecond

// Supported sample rates.
const (
	SampleRate8k  = 8000
	SampleRate16k = 16000
)

// Frame sizes in bytes for one FrameDuration of mono PCM16.
const (
	FrameBytes8k  = 320
	FrameBytes16k = 640
)

// bytesPerSample is the width of one PCM16 sample.
const bytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel Format at the given rate.
func Mono(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1}
}

// FrameBytes returns the byte length of one FrameDuration of PCM16 in f.
func (f Format) FrameBytes() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	samples := f.SampleRate * int(FrameDuration/time.Millisecond) / 1000
	return samples * ch * bytesPerSample
}

// String returns a human-readable form such as "8000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FrameBytes maps a telephony sample rate to its frame size. Only 8 kHz gets
// the small frame; every other value, including zero, gets the 16 kHz frame.
func FrameBytes(sampleRate int) int {
	if sampleRate == SampleRate8k {
		return FrameBytes8k
	}
	return FrameBytes16k
}
