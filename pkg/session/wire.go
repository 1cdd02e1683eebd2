package session

import "encoding/json"

// Server event tags. Inbound events outside this set are discarded with a
// logged warning.
const (
	evSessionCreated     = "session.created"
	evSessionUpdated     = "session.updated"
	evSpeechStarted      = "input_audio_buffer.speech_started"
	evSpeechStopped      = "input_audio_buffer.speech_stopped"
	evResponseCreated    = "response.created"
	evAudioDelta         = "response.audio.delta"
	evAudioDone          = "response.audio.done"
	evTranscriptDelta    = "response.audio_transcript.delta"
	evFunctionCallDone   = "response.function_call_arguments.done"
	evResponseDone       = "response.done"
	evUserTranscriptDone = "conversation.item.input_audio_transcription.completed"
	evError              = "error"
)

// serverEvent is the envelope of every inbound event-channel message.
// Per-tag payload fields are flattened into it; only the ones the
// dispatcher routes on are decoded.
type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// response.done
	Response json.RawMessage `json:"response,omitempty"`

	// error
	Error *serverError `json:"error,omitempty"`
}

// serverError is the payload of an inbound error event.
type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// sessionPayload is the body of an outbound session.update.
type sessionPayload struct {
	Modalities              []string        `json:"modalities,omitempty"`
	Instructions            string          `json:"instructions,omitempty"`
	Voice                   string          `json:"voice,omitempty"`
	InputAudioFormat        string          `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string          `json:"output_audio_format,omitempty"`
	InputAudioTranscription map[string]any  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection  `json:"turn_detection,omitempty"`
	Tools                   []any           `json:"tools,omitempty"`
	ToolChoice              string          `json:"tool_choice,omitempty"`
}

// Outbound client events.

type sessionUpdateEvent struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreateEvent struct {
	Type string `json:"type"`
	Item any    `json:"item"`
}

type functionCallOutputItem struct {
	Type   string `json:"type"` // "function_call_output"
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type messageItem struct {
	Type    string           `json:"type"` // "message"
	Role    string           `json:"role"`
	Content []messageContent `json:"content"`
}

type messageContent struct {
	Type string `json:"type"` // "input_text"
	Text string `json:"text"`
}

type bareEvent struct {
	Type string `json:"type"` // response.create / response.cancel
}
