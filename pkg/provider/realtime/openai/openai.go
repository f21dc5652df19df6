// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded chunks in the format declared by the
// session configuration (PCM16 on the client leg, G.711 μ-law on the
// telephone leg). Incoming events are fanned out to handlers registered per
// event type.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"

	"github.com/coder/websocket"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Realtime session with the given configuration.
// The returned session is ready to accept audio as soon as the session.update
// message has been written; callers must run Listen to receive events.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial session %s: %w", cfg.Label, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		label:    cfg.Label,
		log:      slog.Default().With("component", "realtime", "session", cfg.Label),
		handlers: make(map[string][]realtime.Handler),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string                `json:"modalities,omitempty"`
	Voice              string                  `json:"voice,omitempty"`
	Instructions       string                  `json:"instructions,omitempty"`
	Tools              []oaiTool               `json:"tools,omitempty"`
	ToolChoice         string                  `json:"tool_choice,omitempty"`
	InputAudioFormat   string                  `json:"input_audio_format,omitempty"`
	OutputAudioFormat  string                  `json:"output_audio_format,omitempty"`
	TurnDetection      *realtime.TurnDetection `json:"turn_detection"`
	InputTranscription *transcriptionParams    `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type createResponseMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn  *websocket.Conn
	label string
	log   *slog.Logger

	writeMu sync.Mutex // serialises socket writes across goroutines

	mu        sync.Mutex
	id        string
	handlers  map[string][]realtime.Handler
	connLost  func(error)
	closed    bool
	lostFired bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends the session.update event describing modalities,
// instructions, audio formats, turn detection, transcription and tools.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		Modalities:        cfg.Modalities,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
		TurnDetection:     cfg.TurnDetection,
	}
	if cfg.InputTranscriptionModel != "" {
		params.InputTranscription = &transcriptionParams{Model: cfg.InputTranscriptionModel}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
		params.ToolChoice = "auto"
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// Listen reads events from the WebSocket and dispatches them to registered
// handlers until the socket closes or ctx is cancelled. It returns nil after
// an explicit Close and the read error otherwise.
func (s *session) Listen(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if s.ctx.Err() != nil || ctx.Err() != nil {
				return nil
			}
			s.notifyConnectionLost(err)
			return fmt.Errorf("openai: read session %s: %w", s.label, err)
		}

		var evt realtime.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("discarding unparseable event", "error", err)
			continue
		}

		s.dispatch(evt)
	}
}

func (s *session) dispatch(evt realtime.Event) {
	if evt.Type == realtime.EventSessionCreated && evt.Session != nil {
		s.mu.Lock()
		s.id = evt.Session.ID
		s.mu.Unlock()
	}

	if evt.Type == realtime.EventError && evt.Error != nil {
		if realtime.IsHarmlessErrorCode(evt.Error.Code) {
			s.log.Debug("ignoring harmless upstream error", "code", evt.Error.Code)
		} else {
			s.log.Error("upstream error event", "code", evt.Error.Code, "message", evt.Error.Message)
		}
	}

	s.mu.Lock()
	handlers := append([]realtime.Handler(nil), s.handlers[evt.Type]...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// notifyConnectionLost invokes the connection-lost callback at most once.
func (s *session) notifyConnectionLost(err error) {
	s.mu.Lock()
	cb := s.connLost
	fired := s.lostFired
	s.lostFired = true
	s.closed = true
	s.mu.Unlock()

	if cb != nil && !fired {
		cb(err)
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// ID returns the upstream session id recorded from session.created.
func (s *session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// On registers a handler for eventType. Registering the same function twice
// for one event type has no effect.
func (s *session) On(eventType string, h realtime.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptr := reflect.ValueOf(h).Pointer()
	for _, existing := range s.handlers[eventType] {
		if reflect.ValueOf(existing).Pointer() == ptr {
			return
		}
	}
	s.handlers[eventType] = append(s.handlers[eventType], h)
}

// OnConnectionLost registers the connection-lost callback.
func (s *session) OnConnectionLost(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connLost = cb
}

// SendAudio appends base64 audio to the input buffer.
func (s *session) SendAudio(b64 string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: b64})
}

// SendTextItem creates a user text conversation item without requesting a
// response.
func (s *session) SendTextItem(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// CommitAudio commits the input audio buffer.
func (s *session) CommitAudio() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// ClearInputBuffer discards uncommitted input audio.
func (s *session) ClearInputBuffer() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// CreateResponse requests a model response, optionally overriding the session
// instructions for this response only.
func (s *session) CreateResponse(instructions string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := createResponseMessage{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	return s.writeJSON(msg)
}

// CancelResponse cancels the in-flight response.
func (s *session) CancelResponse() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// SendFunctionCallOutput returns a tool result to the model.
func (s *session) SendFunctionCallOutput(callID, output string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// Closed reports whether the session has been closed or lost.
func (s *session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("openai: session %s closed", s.label)
	}
	return nil
}

// toOAITools converts realtime.ToolDefinition values to the wire tool format.
func toOAITools(tools []realtime.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}
