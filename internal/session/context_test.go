package session

import (
	"strings"
	"testing"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/realtime/mock"
)

func TestContextWindowEvictsOldest(t *testing.T) {
	t.Parallel()
	w := NewContextWindow()
	for i := 0; i < 10; i++ {
		w.AddTurn(call.RoleUser, string(rune('a'+i)))
	}
	turns := w.Turns()
	if len(turns) != defaultMaxTurns {
		t.Fatalf("len = %d, want %d", len(turns), defaultMaxTurns)
	}
	if turns[0].Text != "e" || turns[len(turns)-1].Text != "j" {
		t.Errorf("window = %+v, want e..j", turns)
	}
}

func TestContextWindowTruncatesLongTurns(t *testing.T) {
	t.Parallel()
	w := NewContextWindow()
	w.AddTurn(call.RoleUser, strings.Repeat("é", 250))
	got := w.Turns()[0].Text
	if n := len([]rune(got)); n != defaultMaxTurnLen {
		t.Errorf("rune length = %d, want %d", n, defaultMaxTurnLen)
	}
}

func TestContextWindowIgnoresEmptyText(t *testing.T) {
	t.Parallel()
	w := NewContextWindow()
	w.AddTurn(call.RoleUser, "   ")
	w.AddTurn(call.RoleUser, "")
	if w.Len() != 0 {
		t.Errorf("Len = %d, want 0", w.Len())
	}
}

func TestContextWindowInject(t *testing.T) {
	t.Parallel()
	w := NewContextWindow()
	w.AddTurn(call.RoleUser, "hello")
	w.AddTurn(call.RoleRecipient, "hola")

	sess := mock.NewSession()
	if err := w.Inject(sess); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	items := sess.OpsOf("send_text_item")
	if len(items) != 1 {
		t.Fatalf("sent %d items, want 1", len(items))
	}
	text := items[0].Payload
	for _, want := range []string{
		"[Previous conversation for context]",
		"User: hello",
		"Recipient: hola",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("injected item missing %q:\n%s", want, text)
		}
	}
}

func TestContextWindowInjectEmptyIsNoop(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	if err := NewContextWindow().Inject(sess); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if n := len(sess.Ops()); n != 0 {
		t.Errorf("sent %d ops, want 0", n)
	}
}

func TestContextWindowClear(t *testing.T) {
	t.Parallel()
	w := NewContextWindow()
	w.AddTurn(call.RoleUser, "x")
	w.Clear()
	if w.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", w.Len())
	}
}
