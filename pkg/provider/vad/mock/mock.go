// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame probabilities and inspect the frames that
// were submitted for scoring.
//
// Example:
//
//	sess := &mock.Session{Probabilities: []float64{0.1, 0.9, 0.9}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.SessionHandle. The zero value
// returns probability 0 for every frame.
type Session struct {
	mu sync.Mutex

	// Probabilities is returned one value per Probability call, in order.
	// Once exhausted, the last value repeats.
	Probabilities []float64

	// Err, if non-nil, is returned from every Probability call.
	Err error

	// Frames records every frame submitted for scoring.
	Frames [][]float32

	// ResetCalls counts ResetState invocations.
	ResetCalls int

	// Closed reports whether Close was called.
	Closed bool

	cursor int
}

var _ vad.SessionHandle = (*Session)(nil)

// Probability records the frame and returns the next scripted value.
func (s *Session) Probability(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.Err != nil {
		return 0, s.Err
	}
	if len(s.Probabilities) == 0 {
		return 0, nil
	}
	p := s.Probabilities[s.cursor]
	if s.cursor < len(s.Probabilities)-1 {
		s.cursor++
	}
	return p, nil
}

// ResetState rewinds the scripted probabilities and counts the reset.
func (s *Session) ResetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.ResetCalls++
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
