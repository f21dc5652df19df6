// Package transport carries the two per-call WebSocket edges: the client
// application socket and the telephony carrier's media stream. Both wrap an
// accepted connection with typed JSON framing and a closed flag so sends
// after teardown are silent no-ops.
package transport

import "encoding/json"

// ── Client socket, inbound ─────────────────────────────────────────────────────

// ClientMessage is the envelope of every client → relay message.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound client message types.
const (
	TypeAudioChunk  = "audio_chunk"
	TypeVADState    = "vad_state"
	TypeTextInput   = "text_input"
	TypeTypingState = "typing_state"
	TypeEndCall     = "end_call"
)

// AudioChunkData is the payload of an audio_chunk message. Codec is "pcm16"
// (default when empty) or "opus" for the compressed uplink; opus chunks are
// decoded before they reach the pipeline.
type AudioChunkData struct {
	Audio string `json:"audio"`
	Codec string `json:"codec,omitempty"`
}

// VADStateData is the payload of a vad_state message. The only state the
// relay acts on is "committed", the client-side end of utterance.
type VADStateData struct {
	State string `json:"state"`
}

// TextInputData is the payload of a text_input message.
type TextInputData struct {
	Text string `json:"text"`
}

// ── Client socket, outbound ────────────────────────────────────────────────────

// ServerMessage is the envelope of every relay → client message.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// CaptionData carries streamed caption text.
type CaptionData struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Direction string `json:"direction"`
	Stage     int    `json:"stage,omitempty"`
	Language  string `json:"language,omitempty"`
}

// CallStatusData reports call lifecycle transitions.
type CallStatusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RecipientAudioData carries translated audio for client playback.
type RecipientAudioData struct {
	Audio string `json:"audio"`
}

// InterruptAlertData tells the client who is speaking over whom.
type InterruptAlertData struct {
	Speaking string `json:"speaking"`
}

// RecoveryData reports session-recovery progress.
type RecoveryData struct {
	Status  string `json:"status"`
	Session string `json:"session"`
	GapMS   int    `json:"gap_ms"`
	Message string `json:"message,omitempty"`
}

// GuardrailData reports a guardrail trigger.
type GuardrailData struct {
	Level            int     `json:"level"`
	Original         string  `json:"original"`
	Corrected        string  `json:"corrected,omitempty"`
	CorrectionTimeMS float64 `json:"correction_time_ms,omitempty"`
}

// TranslationStateData reports translation progress per direction.
type TranslationStateData struct {
	State     string `json:"state"`
	Direction string `json:"direction,omitempty"`
}

// MetricsData is the periodic latency/counter snapshot.
type MetricsData struct {
	TurnCount             int     `json:"turn_count"`
	AvgTurnLatencyMS      float64 `json:"avg_turn_latency_ms"`
	FirstMessageLatencyMS float64 `json:"first_message_latency_ms"`
	EchoSuppressions      int     `json:"echo_suppressions"`
	EchoBreakthroughs     int     `json:"echo_breakthroughs"`
	GuardrailTriggers     int     `json:"guardrail_triggers"`
	VADFalseTriggers      int     `json:"vad_false_triggers"`
	RecoveryCount         int     `json:"recovery_count"`
}

// ErrorData carries a user-facing error message.
type ErrorData struct {
	Message string `json:"message"`
}

// ── Telephony media stream ─────────────────────────────────────────────────────

// CarrierMessage is the envelope of carrier ↔ relay media-stream messages.
type CarrierMessage struct {
	Event     string            `json:"event"`
	StreamSid string            `json:"streamSid,omitempty"`
	Start     *CarrierStartData `json:"start,omitempty"`
	Media     *CarrierMediaData `json:"media,omitempty"`
	Stop      *CarrierStopData  `json:"stop,omitempty"`
}

// Carrier event names.
const (
	CarrierEventConnected = "connected"
	CarrierEventStart     = "start"
	CarrierEventMedia     = "media"
	CarrierEventStop      = "stop"
	CarrierEventClear     = "clear"
)

// CarrierStartData identifies the stream and the underlying call.
type CarrierStartData struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

// CarrierMediaData carries one base64 μ-law frame.
type CarrierMediaData struct {
	Payload string `json:"payload"`
}

// CarrierStopData closes the stream.
type CarrierStopData struct {
	CallSid string `json:"callSid,omitempty"`
}
