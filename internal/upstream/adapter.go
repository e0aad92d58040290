// Package upstream translates between the relay and the conversational
// speech service.
//
// The relay only ever sees [Event]s from the closed internal set below and
// calls the outbound operations of [Adapter]. Two adapters are provided:
// [NewSDK] drives an SDK-style [realtime.Session] that delivers audio on two
// parallel channels, and [NewRaw] drives a bare [realtime.Conn]. [Dialer]
// picks one by mode and guards connects with a circuit breaker.
//
// All adapters are safe for concurrent use.
package upstream

import (
	"context"
	"time"
)

// Kind tags an [Event].
type Kind int

const (
	// KindSessionReady: the upstream acknowledged the session configuration.
	KindSessionReady Kind = iota + 1
	// KindSpeechStarted: upstream VAD detected user speech (barge-in trigger).
	KindSpeechStarted
	// KindSpeechStopped: upstream VAD detected the end of user speech.
	KindSpeechStopped
	// KindUserTranscript: final transcript of the user's utterance.
	KindUserTranscript
	// KindTranscriptDelta: fragment of the assistant transcript.
	KindTranscriptDelta
	// KindTranscriptDone: complete assistant transcript for one output item.
	KindTranscriptDone
	// KindResponseCreated: the upstream started a new response.
	KindResponseCreated
	// KindAudioDelta: decoded assistant PCM16 audio.
	KindAudioDelta
	// KindTurnDone: the response finished (completed, cancelled or failed).
	KindTurnDone
	// KindError: an upstream error event.
	KindError
)

// String returns the event kind's wire-style name.
func (k Kind) String() string {
	switch k {
	case KindSessionReady:
		return "session_ready"
	case KindSpeechStarted:
		return "speech_started"
	case KindSpeechStopped:
		return "speech_stopped"
	case KindUserTranscript:
		return "user_transcript"
	case KindTranscriptDelta:
		return "transcript_delta"
	case KindTranscriptDone:
		return "transcript_done"
	case KindResponseCreated:
		return "response_created"
	case KindAudioDelta:
		return "audio_delta"
	case KindTurnDone:
		return "turn_done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one internal upstream event. Only the fields meaningful for Kind
// are set.
type Event struct {
	Kind Kind

	// ResponseID identifies the response an output event belongs to.
	ResponseID string
	// ItemID identifies the conversation item.
	ItemID string

	// Audio holds PCM16 LE mono at 24 kHz for KindAudioDelta.
	Audio []byte
	// Text holds the transcript fragment or full transcript.
	Text string
	// Status is the response status for KindTurnDone.
	Status string

	// Session is set for KindSessionReady.
	Session SessionInfo
	// Err is set for KindError.
	Err *ErrorInfo
}

// SessionInfo describes the upstream session.
type SessionInfo struct {
	ID        string
	Model     string
	Voice     string
	ExpiresAt time.Time
}

// ErrorInfo is an upstream error payload relayed verbatim to the client.
type ErrorInfo struct {
	Type    string
	Code    string
	Message string
}

// Error implements error.
func (e *ErrorInfo) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Adapter is a live upstream session.
type Adapter interface {
	// Events returns the internal event stream. It is closed when the
	// upstream connection ends; Err then reports why.
	Events() <-chan Event

	// AppendAudio forwards pcm to the upstream input buffer and commits it
	// when commit is set. Empty pcm with commit=false is a no-op.
	AppendAudio(ctx context.Context, pcm []byte, commit bool) error

	// Interrupt is the best-effort barge-in cancel. A "no active response"
	// rejection caused by it is swallowed instead of surfacing as KindError.
	Interrupt(ctx context.Context) error

	// CancelResponse is an explicit cancel requested by the client; its
	// errors are relayed.
	CancelResponse(ctx context.Context) error

	// CreateResponse asks for a new response, optionally with per-response
	// instructions.
	CreateResponse(ctx context.Context, instructions string) error

	// Info returns the latest session description.
	Info() SessionInfo

	// Err returns the transport error that ended the session, if any.
	Err() error

	// Close tears the upstream session down. Idempotent.
	Close() error
}
