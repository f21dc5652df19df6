package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

func newTestCall(id string) *Call {
	return New(id, ModeRelay, CommVoiceToVoice, "en", "ko")
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(newTestCall("c1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(newTestCall("c1")); err == nil {
		t.Fatal("expected error for duplicate id")
	}
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}

func TestCleanupRunsHooksInOrderOnce(t *testing.T) {
	m := NewManager(nil)
	c := newTestCall("c1")
	if err := m.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var mu sync.Mutex
	var order []string
	step := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	err := m.UpdateResources("c1", func(r *Resources) {
		r.HangupCarrier = func(context.Context) error { step("hangup"); return nil }
		r.StopPipeline = func(context.Context) error { step("pipeline"); return nil }
		r.CancelListeners = func() { step("listeners") }
		r.CloseSessions = func() error { step("sessions"); return nil }
		r.NotifyClient = func(reason string) { step("notify:" + reason) }
		r.Persist = func(_ context.Context, snap Snapshot) error {
			step("persist")
			if snap.Status != StatusEnded {
				t.Errorf("persisted status = %v, want ended", snap.Status)
			}
			return nil
		}
	})
	if err != nil {
		t.Fatalf("UpdateResources: %v", err)
	}

	if err := m.Cleanup(context.Background(), "c1", "user_hangup"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	want := []string{"hangup", "pipeline", "listeners", "sessions", "notify:user_hangup", "persist"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after cleanup", m.ActiveCount())
	}
	if c.Status() != StatusEnded {
		t.Errorf("status = %v, want ended", c.Status())
	}
}

func TestCleanupIdempotentUnderConcurrency(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(newTestCall("c1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var mu sync.Mutex
	closes := 0
	m.UpdateResources("c1", func(r *Resources) {
		r.CloseSessions = func() error {
			mu.Lock()
			closes++
			mu.Unlock()
			return nil
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Cleanup(context.Background(), "c1", "user_hangup")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Errorf("CloseSessions ran %d times, want 1", closes)
	}
}

func TestCleanupUnknownIDIsNoop(t *testing.T) {
	m := NewManager(nil)
	if err := m.Cleanup(context.Background(), "missing", "user_hangup"); err != nil {
		t.Fatalf("Cleanup of unknown id: %v", err)
	}
}

func TestCleanupContinuesPastFailingSteps(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(newTestCall("c1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	persisted := false
	m.UpdateResources("c1", func(r *Resources) {
		r.HangupCarrier = func(context.Context) error { return errors.New("carrier gone") }
		r.CloseSessions = func() error { return errors.New("socket gone") }
		r.Persist = func(context.Context, Snapshot) error { persisted = true; return nil }
	})

	err := m.Cleanup(context.Background(), "c1", "twilio_failed")
	if err == nil {
		t.Fatal("expected joined step errors")
	}
	if !persisted {
		t.Error("persist skipped after earlier failures")
	}
	if m.ActiveCount() != 0 {
		t.Error("call not deregistered after failing steps")
	}
}

func TestCleanupPersistFailureIsNotAnError(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(newTestCall("c1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.UpdateResources("c1", func(r *Resources) {
		r.Persist = func(context.Context, Snapshot) error { return errors.New("db down") }
	})
	if err := m.Cleanup(context.Background(), "c1", "user_hangup"); err != nil {
		t.Fatalf("Cleanup returned %v; persist failures must not propagate", err)
	}
}

func TestShutdownAllCleansEveryCall(t *testing.T) {
	m := NewManager(nil)
	for _, id := range []string{"a", "b", "c"} {
		if err := m.Register(newTestCall(id)); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	if err := m.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after shutdown", m.ActiveCount())
	}
}

func TestFirstMessageLatencySetOnce(t *testing.T) {
	c := newTestCall("c1")
	c.SetFirstMessageLatency(850)
	c.SetFirstMessageLatency(120)
	if got := c.Metrics().FirstMessageLatencyMS; got != 850 {
		t.Errorf("FirstMessageLatencyMS = %v, want 850", got)
	}
}

func TestAddTurnLatencyCountsTurns(t *testing.T) {
	c := newTestCall("c1")
	c.AddTurnLatency(400)
	c.AddTurnLatency(600)
	m := c.Metrics()
	if m.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", m.TurnCount)
	}
	if got := m.AvgTurnLatencyMS(); got != 500 {
		t.Errorf("AvgTurnLatencyMS = %v, want 500", got)
	}
}

func TestUsageAccumulation(t *testing.T) {
	c := newTestCall("c1")
	c.AddUsage(realtime.Usage{
		TotalTokens:  100,
		InputTokens:  60,
		OutputTokens: 40,
		InputTokenDetails: realtime.TokenDetails{
			AudioTokens: 50, TextTokens: 10,
		},
		OutputTokenDetails: realtime.TokenDetails{
			AudioTokens: 30, TextTokens: 10,
		},
	})
	c.AddUsage(realtime.Usage{TotalTokens: 50, InputTokens: 30, OutputTokens: 20})

	u := c.Usage()
	if u.TotalTokens != 150 || u.InputAudioTokens != 50 || u.OutputTextTokens != 10 {
		t.Errorf("usage = %+v", u)
	}
	if u.EstimatedCostUSD() <= 0 {
		t.Errorf("EstimatedCostUSD = %v, want positive", u.EstimatedCostUSD())
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	c := newTestCall("c1")
	c.AppendTranscript(TranscriptEntry{Role: RoleUser, Original: "hello", Language: "en"})
	c.SetCollected("phone", "555-0100")

	snap := c.Snapshot()
	snap.Transcript[0].Original = "mutated"
	snap.Collected["phone"] = "mutated"

	if c.Transcript()[0].Original != "hello" {
		t.Error("snapshot transcript shares backing array with call")
	}
	if c.Collected()["phone"] != "555-0100" {
		t.Error("snapshot collected map shares state with call")
	}
}

func TestStatusTimestamps(t *testing.T) {
	c := newTestCall("c1")
	if c.Status() != StatusPending {
		t.Fatalf("initial status = %v", c.Status())
	}
	c.SetStatus(StatusDialing)
	c.SetStatus(StatusConnected)
	c.SetStatus(StatusEnded)
	snap := c.Snapshot()
	if snap.StartedAt.IsZero() || snap.EndedAt.IsZero() {
		t.Errorf("timestamps not stamped: %+v", snap)
	}
	if snap.EndedAt.Before(snap.StartedAt) {
		t.Error("ended before started")
	}
}
