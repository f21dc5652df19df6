// Package session contains the per-call upstream session handlers: the
// outbound translator (Session A), the inbound translator (Session B), the
// dual-session coordinator, the sliding context window, and session recovery.
package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// Context window sizing. Six turns at 100 characters each keeps the injected
// item small enough not to perturb translation latency while giving the
// model the referents it needs for pronouns and ellipsis.
const (
	defaultMaxTurns   = 6
	defaultMaxTurnLen = 100
)

// Turn is one remembered utterance.
type Turn struct {
	// Role is call.RoleUser or call.RoleRecipient.
	Role string

	// Text is the utterance, truncated to the per-turn cap.
	Text string
}

// ContextWindow is a fixed-size ordered list of recent turns shared by both
// sessions. All methods are safe for concurrent use.
type ContextWindow struct {
	mu       sync.Mutex
	maxTurns int
	maxLen   int
	turns    []Turn
}

// NewContextWindow creates a window with the default capacity of six turns
// and 100 characters per turn.
func NewContextWindow() *ContextWindow {
	return &ContextWindow{maxTurns: defaultMaxTurns, maxLen: defaultMaxTurnLen}
}

// AddTurn trims text to the per-turn cap and appends it, evicting the oldest
// turn when the window is full. Empty text is ignored.
func (w *ContextWindow) AddTurn(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	runes := []rune(text)
	if len(runes) > w.maxLen {
		text = string(runes[:w.maxLen])
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = append(w.turns, Turn{Role: role, Text: text})
	if len(w.turns) > w.maxTurns {
		w.turns = w.turns[len(w.turns)-w.maxTurns:]
	}
}

// Turns returns a copy of the current window, oldest first.
func (w *ContextWindow) Turns() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Turn(nil), w.turns...)
}

// Len returns the number of remembered turns.
func (w *ContextWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// Clear empties the window.
func (w *ContextWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = nil
}

// format renders the window as role-prefixed lines with the framing the
// upstream is instructed to treat as background, not as input to translate.
func (w *ContextWindow) format() string {
	turns := w.Turns()
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Previous conversation for context]\n")
	for _, t := range turns {
		switch t.Role {
		case "recipient":
			b.WriteString("Recipient: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(t.Text)
		b.WriteByte('\n')
	}
	b.WriteString("[End context — now translate the next utterance]")
	return b.String()
}

// Inject sends the window to sess as one conversation item. It deliberately
// uses conversation-item-create, never session-update: a session.update with
// new instructions resets upstream conversation state. A no-op when the
// window is empty.
func (w *ContextWindow) Inject(sess realtime.Session) error {
	text := w.format()
	if text == "" {
		return nil
	}
	if err := sess.SendTextItem(text); err != nil {
		return fmt.Errorf("session: inject context: %w", err)
	}
	return nil
}
