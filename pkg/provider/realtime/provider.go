// Package realtime defines the provider interface for upstream bidirectional
// realtime-LLM sessions.
//
// Each call owns two independent sessions: the outbound translator (user →
// recipient) and the inbound translator (recipient → user). A Session is one
// WebSocket to the upstream service: JSON messages out, JSON events in, with
// per-event-type handler fan-out. The concrete protocol lives in the openai
// subpackage; the mock subpackage provides a scriptable double for tests.
package realtime

import "context"

// Event type names emitted by the upstream service and consumed by the
// session handlers.
const (
	EventSessionCreated       = "session.created"
	EventSessionUpdated       = "session.updated"
	EventAudioDelta           = "response.audio.delta"
	EventAudioTranscriptDelta = "response.audio_transcript.delta"
	EventAudioTranscriptDone  = "response.audio_transcript.done"
	EventTextDelta            = "response.text.delta"
	EventTextDone             = "response.text.done"
	EventResponseDone         = "response.done"
	EventSpeechStarted        = "input_audio_buffer.speech_started"
	EventSpeechStopped        = "input_audio_buffer.speech_stopped"
	EventInputCommitted       = "input_audio_buffer.committed"
	EventInputTranscription   = "conversation.item.input_audio_transcription.completed"
	EventFunctionCallDelta    = "response.function_call_arguments.delta"
	EventFunctionCallDone     = "response.function_call_arguments.done"
	EventError                = "error"
)

// Audio format identifiers used in session configuration.
const (
	FormatPCM16    = "pcm16"
	FormatG711Ulaw = "g711_ulaw"
)

// harmlessErrorCodes are upstream error codes caused by benign timing races:
// cancelling a response that already finished, creating a response while one
// is still active, or committing an empty input buffer. They are logged at
// debug level and never trigger session recovery.
var harmlessErrorCodes = map[string]bool{
	"response_cancel_not_active":               true,
	"conversation_already_has_active_response": true,
	"input_audio_buffer_commit_empty":          true,
}

// IsHarmlessErrorCode reports whether code is a known benign timing race.
func IsHarmlessErrorCode(code string) bool { return harmlessErrorCodes[code] }

// TurnDetection configures upstream server-side VAD. A nil TurnDetection in
// [SessionConfig] disables upstream turn detection entirely, leaving commits
// to the relay's own voice activity detector.
type TurnDetection struct {
	// Type is the upstream detector type, normally "server_vad".
	Type string `json:"type"`

	// Threshold is the speech probability threshold in [0, 1].
	Threshold float64 `json:"threshold,omitempty"`

	// SilenceDurationMS is how long silence must persist before the upstream
	// considers the utterance finished.
	SilenceDurationMS int `json:"silence_duration_ms,omitempty"`

	// PrefixPaddingMS is audio retained from before the detected speech start.
	PrefixPaddingMS int `json:"prefix_padding_ms,omitempty"`
}

// ToolDefinition describes one function-calling tool registered with a session.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig describes one session's full configuration, sent as the
// session-update message immediately after the socket opens.
type SessionConfig struct {
	// Label identifies the session in logs and recovery events ("A" or "B").
	Label string

	// Modalities the session may produce: {"text"} or {"text", "audio"}.
	Modalities []string

	// Instructions is the system prompt.
	Instructions string

	// Voice selects the TTS voice for audio output.
	Voice string

	// InputAudioFormat / OutputAudioFormat are wire formats, one of the
	// Format* constants.
	InputAudioFormat  string
	OutputAudioFormat string

	// TurnDetection configures upstream VAD; nil disables it.
	TurnDetection *TurnDetection

	// InputTranscriptionModel, when non-empty, enables transcription of the
	// raw input audio so the original utterance is available independently of
	// the translation.
	InputTranscriptionModel string

	// Tools is the function-calling tool set, if any.
	Tools []ToolDefinition
}

// ErrorDetail is the nested error object of an upstream error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Usage carries the token counters attached to a response.done event.
type Usage struct {
	TotalTokens        int          `json:"total_tokens"`
	InputTokens        int          `json:"input_tokens"`
	OutputTokens       int          `json:"output_tokens"`
	InputTokenDetails  TokenDetails `json:"input_token_details"`
	OutputTokenDetails TokenDetails `json:"output_token_details"`
}

// TokenDetails splits a token count by modality.
type TokenDetails struct {
	AudioTokens  int `json:"audio_tokens"`
	TextTokens   int `json:"text_tokens"`
	CachedTokens int `json:"cached_tokens"`
}

// ResponseInfo is the response object embedded in response.done events.
type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Usage  *Usage `json:"usage,omitempty"`
}

// Event is one parsed upstream event. Only the fields relevant to the event's
// Type are populated.
type Event struct {
	Type string `json:"type"`

	// Delta carries streamed content: base64 audio for audio deltas, text for
	// transcript/text/function-argument deltas.
	Delta string `json:"delta,omitempty"`

	// Transcript carries the final text of transcript-done and
	// input-transcription events.
	Transcript string `json:"transcript,omitempty"`

	// Text carries the final text of response.text.done events.
	Text string `json:"text,omitempty"`

	// ItemID identifies the conversation item an event belongs to.
	ItemID string `json:"item_id,omitempty"`

	// Function-call fields.
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// Session ID, present on session.created.
	Session *SessionInfo `json:"session,omitempty"`

	// Response carries status and usage on response.done.
	Response *ResponseInfo `json:"response,omitempty"`

	// Error is present on error events.
	Error *ErrorDetail `json:"error,omitempty"`
}

// SessionInfo is the session object embedded in session.created events.
type SessionInfo struct {
	ID string `json:"id"`
}

// Handler processes one upstream event. Handlers run on the session's read
// goroutine and must not block.
type Handler func(Event)

// Session is one live connection to the upstream realtime service.
type Session interface {
	// ID returns the upstream session id, empty until session.created arrives.
	ID() string

	// On registers a handler for the given event type. Registering the same
	// function twice for one type is a no-op.
	On(eventType string, h Handler)

	// OnConnectionLost registers a callback invoked once when the socket
	// closes for any reason other than an explicit Close.
	OnConnectionLost(func(err error))

	// SendAudio appends base64 audio to the upstream input buffer.
	SendAudio(b64 string) error

	// SendTextItem creates a user text conversation item. It never issues
	// response.create; callers decide separately when to request a response.
	SendTextItem(text string) error

	// CommitAudio commits the input audio buffer.
	CommitAudio() error

	// ClearInputBuffer discards all uncommitted input audio.
	ClearInputBuffer() error

	// CreateResponse requests a model response. A non-empty instructions
	// string overrides the session instructions for this response only.
	CreateResponse(instructions string) error

	// CancelResponse cancels the in-flight response, if any.
	CancelResponse() error

	// SendFunctionCallOutput returns a tool result to the model.
	SendFunctionCallOutput(callID, output string) error

	// Listen runs the read loop until the socket closes or ctx is cancelled.
	Listen(ctx context.Context) error

	// Closed reports whether the session has been closed or lost.
	Closed() bool

	// Close terminates the session. Idempotent.
	Close() error
}

// Provider dials new sessions.
type Provider interface {
	// Connect opens a socket, sends the session configuration, and returns a
	// session ready for Listen.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
