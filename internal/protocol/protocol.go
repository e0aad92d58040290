// Package protocol defines the JSON control messages exchanged between the
// relay and its clients over the client WebSocket. Audio travels separately
// as binary frames of PCM16 LE mono at 24 kHz.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types sent by clients.
const (
	TypeStartConversation = "start_conversation"
	TypeStopConversation  = "stop_conversation"
	TypeAudio             = "audio"
	TypeMuteState         = "mute_state"
	TypeCancelResponse    = "cancel_response"
	TypeCreateResponse    = "create_response"
)

// Message types sent by the relay.
const (
	TypeSession             = "session"
	TypeConversationStarted = "conversation_started"
	TypeConversationStopped = "conversation_stopped"
	TypeSpeechStarted       = "speech_started"
	TypeSpeechStopped       = "speech_stopped"
	TypeUserTranscript      = "user_transcript"
	TypeAITranscriptDelta   = "ai_transcript_delta"
	TypeAITranscriptDone    = "ai_transcript_done"
	TypeResponseDone        = "response_done"
)

// TypeError is used in both directions.
const TypeError = "error"

// ErrMalformed is wrapped by [Parse] for frames that are not a JSON object
// with a type.
var ErrMalformed = errors.New("protocol: malformed message")

// Message is one control message. Only the fields relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	// Audio is base64 PCM16 for TypeAudio.
	Audio string `json:"audio,omitempty"`
	// Muted is set for TypeMuteState.
	Muted *bool `json:"muted,omitempty"`
	// Instructions optionally overrides instructions for TypeCreateResponse.
	Instructions string `json:"instructions,omitempty"`

	Transcript string       `json:"transcript,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Data       *SessionData `json:"data,omitempty"`
	Error      *ErrorBody   `json:"error,omitempty"`
}

// SessionData is the payload of a TypeSession message.
type SessionData struct {
	Model     string `json:"model"`
	SessionID string `json:"session_id"`
	Voice     string `json:"voice"`
	// ExpiresAt is a Unix timestamp in milliseconds.
	ExpiresAt int64 `json:"expires_at"`
}

// ErrorBody is the error payload. Clients may send a bare string, which is
// decoded into Message.
type ErrorBody struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts both {"message":...} and a plain string.
func (e *ErrorBody) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = ErrorBody{Message: s}
		return nil
	}
	type plain ErrorBody
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = ErrorBody(p)
	return nil
}

// Parse decodes a text frame. Unknown types are returned as-is; callers
// decide whether to ignore them.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

// Encode marshals m for a text frame.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type, err)
	}
	return data, nil
}

// IsClientType reports whether t is a message type clients may send.
func IsClientType(t string) bool {
	switch t {
	case TypeStartConversation, TypeStopConversation, TypeAudio, TypeMuteState,
		TypeCancelResponse, TypeCreateResponse, TypeError:
		return true
	}
	return false
}

// AudioBytes decodes the base64 payload of a TypeAudio message.
func (m Message) AudioBytes() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("%w: audio payload: %w", ErrMalformed, err)
	}
	return pcm, nil
}

// ── Constructors ──────────────────────────────────────────────────────────────

// Simple returns a message that carries only its type.
func Simple(t string) Message { return Message{Type: t} }

// Session returns the session announcement sent once the upstream is ready.
func Session(model, sessionID, voice string, expiresAt time.Time) Message {
	return Message{Type: TypeSession, Data: &SessionData{
		Model:     model,
		SessionID: sessionID,
		Voice:     voice,
		ExpiresAt: expiresAt.UnixMilli(),
	}}
}

// UserTranscript returns a transcript of the user's utterance.
func UserTranscript(text string) Message {
	return Message{Type: TypeUserTranscript, Transcript: text}
}

// TranscriptDelta returns one fragment of the assistant transcript.
func TranscriptDelta(delta string) Message {
	return Message{Type: TypeAITranscriptDelta, Delta: delta}
}

// TranscriptDone returns the assembled assistant transcript.
func TranscriptDone(text string) Message {
	return Message{Type: TypeAITranscriptDone, Transcript: text}
}

// Error returns an error message.
func Error(typ, code, msg string) Message {
	return Message{Type: TypeError, Error: &ErrorBody{Type: typ, Code: code, Message: msg}}
}

// Audio returns a TypeAudio message carrying pcm.
func Audio(pcm []byte) Message {
	return Message{Type: TypeAudio, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

// MuteState returns a TypeMuteState message.
func MuteState(muted bool) Message {
	return Message{Type: TypeMuteState, Muted: &muted}
}

// CreateResponse returns a TypeCreateResponse message.
func CreateResponse(instructions string) Message {
	return Message{Type: TypeCreateResponse, Instructions: instructions}
}
