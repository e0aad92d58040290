package realtime

import "encoding/json"

// ── Client events (outgoing) ──────────────────────────────────────────────────

// SessionParams configures the upstream session via session.update.
type SessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
}

// TranscriptionParams selects the model used to transcribe user audio.
type TranscriptionParams struct {
	Model string `json:"model"`
}

// TurnDetection configures upstream voice activity detection. Nil numeric
// fields are left to the upstream's defaults.
type TurnDetection struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   *int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs *int     `json:"silence_duration_ms,omitempty"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// ── Server events (incoming) ──────────────────────────────────────────────────

// EventType names a server event. The set below is closed; anything else is
// surfaced with its raw type and left for callers to log and ignore.
type EventType string

const (
	EventError                      EventType = "error"
	EventSessionCreated             EventType = "session.created"
	EventSessionUpdated             EventType = "session.updated"
	EventSpeechStarted              EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped              EventType = "input_audio_buffer.speech_stopped"
	EventInputCommitted             EventType = "input_audio_buffer.committed"
	EventInputCleared               EventType = "input_audio_buffer.cleared"
	EventItemCreated                EventType = "conversation.item.created"
	EventInputTranscriptionDone     EventType = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionFailed   EventType = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated            EventType = "response.created"
	EventResponseDone               EventType = "response.done"
	EventOutputItemAdded            EventType = "response.output_item.added"
	EventOutputItemDone             EventType = "response.output_item.done"
	EventContentPartAdded           EventType = "response.content_part.added"
	EventContentPartDone            EventType = "response.content_part.done"
	EventAudioDelta                 EventType = "response.audio.delta"
	EventAudioDone                  EventType = "response.audio.done"
	EventAudioTranscriptDelta       EventType = "response.audio_transcript.delta"
	EventAudioTranscriptDone        EventType = "response.audio_transcript.done"
	EventTextDelta                  EventType = "response.text.delta"
	EventTextDone                   EventType = "response.text.done"
	EventRateLimitsUpdated          EventType = "rate_limits.updated"
	EventOutputAudioBufferCleared   EventType = "output_audio_buffer.cleared"
	EventFunctionCallArgumentsDelta EventType = "response.function_call_arguments.delta"
	EventFunctionCallArgumentsDone  EventType = "response.function_call_arguments.done"
)

// ErrCodeCancelNotActive is the error code the upstream returns when a
// response.cancel arrives while no response is in progress.
const ErrCodeCancelNotActive = "response_cancel_not_active"

// SessionInfo describes the upstream session as reported by
// session.created / session.updated.
type SessionInfo struct {
	ID        string `json:"id"`
	Model     string `json:"model"`
	Voice     string `json:"voice"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// ResponseInfo is the response object carried by response.created and
// response.done.
type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorDetail is the nested error object of an error event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ServerEvent is one decoded upstream event. Only the fields relevant to the
// event's type are populated; Raw always holds the original JSON.
type ServerEvent struct {
	Type         EventType     `json:"type"`
	EventID      string        `json:"event_id,omitempty"`
	ResponseID   string        `json:"response_id,omitempty"`
	ItemID       string        `json:"item_id,omitempty"`
	OutputIndex  int           `json:"output_index,omitempty"`
	ContentIndex int           `json:"content_index,omitempty"`
	Delta        string        `json:"delta,omitempty"`
	Transcript   string        `json:"transcript,omitempty"`
	AudioStartMs int           `json:"audio_start_ms,omitempty"`
	AudioEndMs   int           `json:"audio_end_ms,omitempty"`
	Session      *SessionInfo  `json:"session,omitempty"`
	Response     *ResponseInfo `json:"response,omitempty"`
	Error        *ErrorDetail  `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeServerEvent parses one upstream JSON frame.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ServerEvent{}, err
	}
	evt.Raw = append(json.RawMessage(nil), data...)
	return evt, nil
}
