package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/realtime/mock"
)

func newDual(comm call.CommMode, p *mock.Provider) *DualManager {
	return NewDualManager(DualConfig{
		Provider:           p,
		Comm:               comm,
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
	})
}

func configByLabel(t *testing.T, configs []realtime.SessionConfig, label string) realtime.SessionConfig {
	t.Helper()
	for _, c := range configs {
		if c.Label == label {
			return c
		}
	}
	t.Fatalf("no config with label %q", label)
	return realtime.SessionConfig{}
}

func TestDualConnectBuildsBothConfigs(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	m := newDual(call.CommVoiceToVoice, p)

	if err := m.Connect(context.Background(), "prompt a", "prompt b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(p.Configs) != 2 {
		t.Fatalf("connected %d sessions, want 2", len(p.Configs))
	}

	a := configByLabel(t, p.Configs, "A")
	if a.InputAudioFormat != realtime.FormatPCM16 || a.OutputAudioFormat != realtime.FormatG711Ulaw {
		t.Errorf("A formats = %q/%q", a.InputAudioFormat, a.OutputAudioFormat)
	}
	if a.Instructions != "prompt a" {
		t.Errorf("A instructions = %q", a.Instructions)
	}

	b := configByLabel(t, p.Configs, "B")
	if b.InputAudioFormat != realtime.FormatG711Ulaw {
		t.Errorf("B input format = %q", b.InputAudioFormat)
	}
	if b.TurnDetection != nil {
		t.Error("B turn detection must be off")
	}
	if b.InputTranscriptionModel != "whisper-1" {
		t.Errorf("B transcription model = %q", b.InputTranscriptionModel)
	}
	if len(b.Modalities) != 2 {
		t.Errorf("B modalities = %v, want text+audio for voice_to_voice", b.Modalities)
	}

	if m.A() == nil || m.B() == nil || m.A() == m.B() {
		t.Error("expected two distinct live sessions")
	}
}

func TestDualTextModesDropAudioModalityOnB(t *testing.T) {
	t.Parallel()
	for _, comm := range []call.CommMode{call.CommTextToVoice, call.CommFullAgent} {
		p := &mock.Provider{}
		m := newDual(comm, p)
		if err := m.Connect(context.Background(), "a", "b"); err != nil {
			t.Fatalf("Connect(%s): %v", comm, err)
		}
		b := configByLabel(t, p.Configs, "B")
		if len(b.Modalities) != 1 || b.Modalities[0] != "text" {
			t.Errorf("%s: B modalities = %v, want [text]", comm, b.Modalities)
		}
	}
}

func TestDualConnectFailureClosesBoth(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{ConnectErr: errors.New("dial refused")}
	m := newDual(call.CommVoiceToVoice, p)

	if err := m.Connect(context.Background(), "a", "b"); err == nil {
		t.Fatal("expected connect error")
	}
	if m.A() != nil || m.B() != nil {
		t.Error("sessions must not be retained after a failed connect")
	}
}

func TestDualListenAllReturnsAfterClose(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	m := newDual(call.CommVoiceToVoice, p)
	if err := m.Connect(context.Background(), "a", "b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.ListenAll(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAll: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAll never returned")
	}
}

func TestDualListenBeforeConnect(t *testing.T) {
	t.Parallel()
	m := newDual(call.CommVoiceToVoice, &mock.Provider{})
	if err := m.ListenAll(context.Background()); err == nil {
		t.Fatal("expected error listening before connect")
	}
}

func TestDualSwapClosesOldSession(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	m := newDual(call.CommVoiceToVoice, p)
	if err := m.Connect(context.Background(), "a", "b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	old := m.B().(*mock.Session)
	repl := mock.NewSession()
	m.SwapB(repl)

	if !old.Closed() {
		t.Error("old session not closed by swap")
	}
	if m.B() != repl {
		t.Error("replacement not installed")
	}
}
