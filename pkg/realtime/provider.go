// Package realtime defines the Provider interface for realtime voice-AI
// backends that the call bridge talks to on its AI leg.
//
// A realtime provider accepts raw caller audio and streams back synthesised
// audio over one stateful connection. The central abstraction is
// SessionHandle: audio goes in through SendAudio and comes out on the Audio
// channel. A session is opened once per call and lives as long as the call.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// TurnDetection configures how the model decides the caller finished
// speaking.
type TurnDetection struct {
	// Type is the detection strategy, e.g. "server_vad".
	Type string

	// CreateResponse makes the model answer automatically at the end of a
	// detected turn.
	CreateResponse bool
}

// SessionConfig is the initial configuration sent when a session opens.
type SessionConfig struct {
	// Voice selects the synthetic voice, e.g. "alloy".
	Voice string

	// InputAudioFormat names the encoding of audio sent with SendAudio,
	// e.g. "pcm16".
	InputAudioFormat string

	// TurnDetection enables voice-activity-triggered responses.
	TurnDetection TurnDetection

	// Instructions is the system prompt for the whole call.
	Instructions string

	// Greeting is the script for the first response, requested as soon as
	// the session is configured. Empty disables the greeting.
	Greeting string

	// Modalities lists the output modalities of the greeting response.
	// Defaults to audio only.
	Modalities []string
}

// SessionHandle represents an open realtime session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one chunk of raw caller audio to the model.
	SendAudio(chunk []byte) error

	// Audio returns the channel on which decoded model audio arrives, one
	// element per upstream message, in receipt order. The channel is closed
	// when the session ends; call Err afterwards to learn why.
	Audio() <-chan []byte

	// Err returns the error that ended the session, or nil if it was closed
	// locally.
	Err() error

	// OnError registers a callback for error events reported by the
	// provider that do not end the session.
	OnError(handler func(error))

	// Interrupt asks the model to cancel the response in progress.
	Interrupt() error

	// Close terminates the session and closes the Audio channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	// Connect opens the upstream connection and sends the initial
	// configuration. It returns once the configuration has been written; it
	// does not wait for the provider to acknowledge it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
