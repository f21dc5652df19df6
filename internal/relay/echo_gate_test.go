package relay

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/audio"
)

func TestEchoGateInactivePassesThrough(t *testing.T) {
	t.Parallel()
	g := NewEchoGate(EchoGateConfig{})
	frame := loudFrame()
	if got := g.Filter(frame); !bytes.Equal(got, frame) {
		t.Error("inactive gate modified the frame")
	}
}

func TestEchoGateSuppressesEchoWithSilence(t *testing.T) {
	t.Parallel()
	var suppressed int
	g := NewEchoGate(EchoGateConfig{OnSuppressed: func() { suppressed++ }})

	g.Activate(1600)
	if !g.Active() {
		t.Fatal("gate not active after TTS chunk")
	}

	got := g.Filter(silentFrame())
	if len(got) != audio.UlawFrameBytes {
		t.Fatalf("filtered length = %d", len(got))
	}
	for _, b := range got {
		if b != audio.UlawSilenceByte {
			t.Fatal("suppressed frame is not μ-law silence")
		}
	}
	if suppressed != 1 {
		t.Errorf("suppressions = %d, want 1", suppressed)
	}
	if !g.Active() {
		t.Error("suppression closed the window")
	}
}

func TestEchoGateBreakthrough(t *testing.T) {
	t.Parallel()
	var breakthroughs int
	g := NewEchoGate(EchoGateConfig{
		BreakthroughRMS: 400,
		OnBreakthrough:  func() { breakthroughs++ },
	})

	g.Activate(1600)
	frame := loudFrame() // max-amplitude μ-law, far above the threshold
	if got := g.Filter(frame); !bytes.Equal(got, frame) {
		t.Error("breakthrough frame was modified")
	}
	if g.Active() {
		t.Error("window still open after breakthrough")
	}
	if breakthroughs != 1 {
		t.Errorf("breakthroughs = %d, want 1", breakthroughs)
	}
}

func TestEchoGateCooldownCloses(t *testing.T) {
	t.Parallel()
	g := NewEchoGate(EchoGateConfig{
		CooldownMargin: 10 * time.Millisecond,
		CooldownCap:    20 * time.Millisecond,
	})

	g.Activate(160) // 20 ms of playback, long since elapsed by cooldown time
	g.StartCooldown()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !g.Active() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cooldown never closed the window")
}

func TestEchoGateCooldownCapped(t *testing.T) {
	t.Parallel()
	g := NewEchoGate(EchoGateConfig{
		CooldownMargin: time.Hour, // absurd margin, must be clipped
		CooldownCap:    20 * time.Millisecond,
	})
	g.Activate(160)
	g.StartCooldown()

	time.Sleep(200 * time.Millisecond)
	if g.Active() {
		t.Error("cooldown exceeded its cap")
	}
}

func TestEchoGateNewTTSCancelsCooldown(t *testing.T) {
	t.Parallel()
	g := NewEchoGate(EchoGateConfig{
		CooldownMargin: 10 * time.Millisecond,
		CooldownCap:    15 * time.Millisecond,
	})
	g.Activate(160)
	g.StartCooldown()
	g.Activate(160) // more TTS: the pending deactivation must not fire

	time.Sleep(100 * time.Millisecond)
	if !g.Active() {
		t.Error("cancelled cooldown still closed the window")
	}
}

func TestEchoGateDeactivateImmediate(t *testing.T) {
	t.Parallel()
	g := NewEchoGate(EchoGateConfig{})
	g.Activate(160)
	g.Deactivate()
	if g.Active() {
		t.Error("Deactivate left the window open")
	}
}

func TestEchoGateReleaseFiresOncePerWindow(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	releases := 0
	g := NewEchoGate(EchoGateConfig{
		CooldownMargin: 10 * time.Millisecond,
		CooldownCap:    20 * time.Millisecond,
		OnRelease: func() {
			mu.Lock()
			releases++
			mu.Unlock()
		},
	})

	// Immediate close.
	g.Activate(160)
	g.Deactivate()
	g.Deactivate() // already closed, must not fire again
	mu.Lock()
	if releases != 1 {
		t.Fatalf("releases after Deactivate = %d, want 1", releases)
	}
	mu.Unlock()

	// Cooldown close.
	g.Activate(160)
	g.StartCooldown()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := releases
		mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cooldown expiry never fired the release hook")
}

func TestEchoGateCooldownWithoutWindowIsNoop(t *testing.T) {
	t.Parallel()
	g := NewEchoGate(EchoGateConfig{})
	g.StartCooldown()
	if g.Active() {
		t.Error("StartCooldown opened the window")
	}
}
