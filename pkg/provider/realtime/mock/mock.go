// Package mock provides test doubles for the realtime package interfaces.
//
// Session records every outgoing operation in order and lets tests inject
// upstream events with Emit, which fans out to handlers exactly like a live
// session's read loop.
package mock

import (
	"context"
	"reflect"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// Op is one recorded outgoing operation.
type Op struct {
	// Kind is the operation name: "send_audio", "send_text_item",
	// "commit_audio", "clear_input", "create_response", "cancel_response",
	// "function_call_output".
	Kind string

	// Payload holds the operation argument: base64 audio, item text, or
	// response instructions. For function_call_output it is the output JSON.
	Payload string

	// CallID is set for function_call_output operations.
	CallID string
}

// Provider is a mock realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned from Connect. If nil, a fresh Session is created
	// per Connect call and appended to Sessions.
	Session *Session

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// Configs records the SessionConfig of every Connect call.
	Configs []realtime.SessionConfig

	// Sessions records every session handed out.
	Sessions []*Session
}

var _ realtime.Provider = (*Provider)(nil)

// Connect records the config and returns the scripted session.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Session is a mock realtime.Session.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned from every outgoing operation.
	SendErr error

	ops      []Op
	id       string
	handlers map[string][]realtime.Handler
	connLost func(error)
	closed   bool

	listenStop chan struct{}
	stopOnce   sync.Once
}

var _ realtime.Session = (*Session)(nil)

// NewSession returns a ready-to-use mock session.
func NewSession() *Session {
	return &Session{
		handlers:   make(map[string][]realtime.Handler),
		listenStop: make(chan struct{}),
	}
}

// Emit dispatches an event to all handlers registered for its type,
// synchronously on the caller's goroutine.
func (s *Session) Emit(evt realtime.Event) {
	s.mu.Lock()
	handlers := append([]realtime.Handler(nil), s.handlers[evt.Type]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Ops returns a copy of all recorded operations in order.
func (s *Session) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// OpsOf returns recorded operations of the given kind, in order.
func (s *Session) OpsOf(kind string) []Op {
	var out []Op
	for _, op := range s.Ops() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// ClearOps discards all recorded operations.
func (s *Session) ClearOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

// SetID sets the value returned by ID.
func (s *Session) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// LoseConnection simulates an unexpected socket drop: it marks the session
// closed, fires the connection-lost callback, and unblocks Listen.
func (s *Session) LoseConnection(err error) {
	s.mu.Lock()
	cb := s.connLost
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.listenStop) })
	if cb != nil {
		cb(err)
	}
}

func (s *Session) record(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return s.SendErr
}

// ID returns the scripted session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// On registers a handler, deduplicated by function identity.
func (s *Session) On(eventType string, h realtime.Handler) {
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
func (s *Session) OnConnectionLost(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connLost = cb
}

// SendAudio records the operation.
func (s *Session) SendAudio(b64 string) error {
	return s.record(Op{Kind: "send_audio", Payload: b64})
}

// SendTextItem records the operation.
func (s *Session) SendTextItem(text string) error {
	return s.record(Op{Kind: "send_text_item", Payload: text})
}

// CommitAudio records the operation.
func (s *Session) CommitAudio() error {
	return s.record(Op{Kind: "commit_audio"})
}

// ClearInputBuffer records the operation.
func (s *Session) ClearInputBuffer() error {
	return s.record(Op{Kind: "clear_input"})
}

// CreateResponse records the operation with its instruction override.
func (s *Session) CreateResponse(instructions string) error {
	return s.record(Op{Kind: "create_response", Payload: instructions})
}

// CancelResponse records the operation.
func (s *Session) CancelResponse() error {
	return s.record(Op{Kind: "cancel_response"})
}

// SendFunctionCallOutput records the operation.
func (s *Session) SendFunctionCallOutput(callID, output string) error {
	return s.record(Op{Kind: "function_call_output", Payload: output, CallID: callID})
}

// Listen blocks until Close or LoseConnection.
func (s *Session) Listen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.listenStop:
		return nil
	}
}

// Closed reports whether Close or LoseConnection was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the session closed and unblocks Listen. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.listenStop) })
	return nil
}
