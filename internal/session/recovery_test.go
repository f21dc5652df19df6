package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
	"github.com/parlancehq/parlance/pkg/provider/realtime/mock"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	sttmock "github.com/parlancehq/parlance/pkg/provider/stt/mock"
)

type eventLog struct {
	mu     sync.Mutex
	events []call.RecoveryEvent
	texts  []string
}

func (l *eventLog) onEvent(e call.RecoveryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) onText(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, s)
}

func (l *eventLog) types() []call.RecoveryEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]call.RecoveryEventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) allTexts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.texts...)
}

func hasType(ts []call.RecoveryEventType, want call.RecoveryEventType) bool {
	for _, t := range ts {
		if t == want {
			return true
		}
	}
	return false
}

func indexOf(ts []call.RecoveryEventType, want call.RecoveryEventType) int {
	for i, t := range ts {
		if t == want {
			return i
		}
	}
	return -1
}

func waitForState(t *testing.T, m *Monitor, want RecoveryState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", m.State(), want)
}

func TestMonitorReconnectsOnLostConnection(t *testing.T) {
	t.Parallel()
	log := &eventLog{}
	replacement := mock.NewSession()

	m := NewMonitor(RecoveryConfig{
		Call:    newTestCall(),
		Session: "B",
		Reconnect: func(context.Context) (realtime.Session, error) {
			return replacement, nil
		},
		OnEvent:        log.onEvent,
		BackoffInitial: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	m.NotifyLost()
	waitForState(t, m, StateConnected)

	// Allow the emit after the state flip to land.
	time.Sleep(20 * time.Millisecond)
	ts := log.types()
	for _, want := range []call.RecoveryEventType{
		call.RecoveryDisconnected,
		call.RecoveryReconnectAttempt,
		call.RecoveryReconnectSuccess,
	} {
		if !hasType(ts, want) {
			t.Errorf("missing %q in %v", want, ts)
		}
	}
}

func TestMonitorRecoveryEventOrder(t *testing.T) {
	t.Parallel()
	ring := audio.NewRingBuffer(100)
	for i := 0; i < 10; i++ {
		ring.Write(make([]byte, audio.UlawFrameBytes))
	}

	log := &eventLog{}
	m := NewMonitor(RecoveryConfig{
		Call:    newTestCall(),
		Session: "B",
		Reconnect: func(context.Context) (realtime.Session, error) {
			return mock.NewSession(), nil
		},
		Ring:           ring,
		Transcriber:    &sttmock.Transcriber{Results: []stt.Result{{Text: "hello"}}},
		OnEvent:        log.onEvent,
		BackoffInitial: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	m.NotifyLost()
	waitForState(t, m, StateConnected)
	time.Sleep(20 * time.Millisecond)

	ts := log.types()
	order := []call.RecoveryEventType{
		call.RecoveryDisconnected,
		call.RecoveryReconnectAttempt,
		call.RecoveryReconnectSuccess,
		call.RecoveryCatchupStarted,
		call.RecoveryCatchupCompleted,
		call.RecoveryNormalRestored,
	}
	prev := -1
	for _, want := range order {
		idx := indexOf(ts, want)
		if idx < 0 {
			t.Fatalf("missing %q in %v", want, ts)
		}
		if idx <= prev {
			t.Fatalf("%q out of order in %v", want, ts)
		}
		prev = idx
	}
}

func TestMonitorEntersDegradedAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	log := &eventLog{}
	m := NewMonitor(RecoveryConfig{
		Call:    newTestCall(),
		Session: "B",
		Reconnect: func(context.Context) (realtime.Session, error) {
			return nil, errors.New("upstream down")
		},
		OnEvent:        log.onEvent,
		BackoffInitial: time.Millisecond,
		BackoffCap:     2 * time.Millisecond,
		MaxAttempts:    3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	m.NotifyLost()
	waitForState(t, m, StateDegraded)

	ts := log.types()
	if !hasType(ts, call.RecoveryDegradedEntered) {
		t.Errorf("missing degraded_entered in %v", ts)
	}
	var failed int
	for _, e := range ts {
		if e == call.RecoveryReconnectFailed {
			failed++
		}
	}
	if failed != 3 {
		t.Errorf("reconnect_failed count = %d, want 3", failed)
	}
}

func TestMonitorCatchUpTranscribesGap(t *testing.T) {
	t.Parallel()
	ring := audio.NewRingBuffer(100)
	for i := 0; i < 10; i++ {
		ring.Write(make([]byte, audio.UlawFrameBytes))
	}

	transcriber := &sttmock.Transcriber{Results: []stt.Result{{Text: "sorry, you cut out"}}}
	log := &eventLog{}
	m := NewMonitor(RecoveryConfig{
		Call:    newTestCall(),
		Session: "B",
		Reconnect: func(context.Context) (realtime.Session, error) {
			return mock.NewSession(), nil
		},
		Ring:            ring,
		Transcriber:     transcriber,
		Language:        "en",
		OnRecoveredText: log.onText,
		OnEvent:         log.onEvent,
		BackoffInitial:  time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	m.NotifyLost()
	waitForState(t, m, StateConnected)
	time.Sleep(20 * time.Millisecond)

	texts := log.allTexts()
	if len(texts) != 1 || !strings.HasPrefix(texts[0], "[recovered] ") {
		t.Fatalf("recovered texts = %v", texts)
	}
	if ring.GapMS() != 0 {
		t.Errorf("gap after catch-up = %d ms, want 0", ring.GapMS())
	}
	ts := log.types()
	if !hasType(ts, call.RecoveryCatchupStarted) || !hasType(ts, call.RecoveryCatchupCompleted) {
		t.Errorf("missing catch-up events in %v", ts)
	}
	if len(transcriber.Calls) != 1 || transcriber.Calls[0].Language != "en" {
		t.Errorf("transcriber calls = %+v", transcriber.Calls)
	}
}

func TestMonitorCatchUpDiscardsSuspectTranscript(t *testing.T) {
	t.Parallel()
	ring := audio.NewRingBuffer(100)
	ring.Write(make([]byte, audio.UlawFrameBytes))

	transcriber := &sttmock.Transcriber{Results: []stt.Result{{
		Text:     "thank you for watching",
		Segments: []stt.Segment{{Text: "thank you for watching", NoSpeechProb: 0.95}},
	}}}
	log := &eventLog{}
	m := NewMonitor(RecoveryConfig{
		Call:    newTestCall(),
		Session: "B",
		Reconnect: func(context.Context) (realtime.Session, error) {
			return mock.NewSession(), nil
		},
		Ring:            ring,
		Transcriber:     transcriber,
		OnRecoveredText: log.onText,
		BackoffInitial:  time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	m.NotifyLost()
	waitForState(t, m, StateConnected)
	time.Sleep(20 * time.Millisecond)

	if texts := log.allTexts(); len(texts) != 0 {
		t.Errorf("suspect transcript forwarded: %v", texts)
	}
}

func TestMonitorDegradedBatching(t *testing.T) {
	t.Parallel()
	transcriber := &sttmock.Transcriber{Results: []stt.Result{{Text: "still here"}}}
	log := &eventLog{}
	m := NewMonitor(RecoveryConfig{
		Call:            newTestCall(),
		Session:         "B",
		Reconnect:       func(context.Context) (realtime.Session, error) { return nil, errors.New("down") },
		Transcriber:     transcriber,
		OnRecoveredText: log.onText,
		BackoffInitial:  time.Millisecond,
		MaxAttempts:     1,
		DegradedBatch:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	m.NotifyLost()
	waitForState(t, m, StateDegraded)

	// First feed opens the batch; a later feed past the batch window flushes.
	m.FeedDegradedAudio(ctx, make([]byte, audio.UlawFrameBytes))
	time.Sleep(20 * time.Millisecond)
	m.FeedDegradedAudio(ctx, make([]byte, audio.UlawFrameBytes))

	texts := log.allTexts()
	if len(texts) != 1 || !strings.HasPrefix(texts[0], "[degraded] ") {
		t.Fatalf("degraded texts = %v", texts)
	}
}

func TestMonitorExitDegraded(t *testing.T) {
	t.Parallel()
	log := &eventLog{}
	m := NewMonitor(RecoveryConfig{
		Call:           newTestCall(),
		Session:        "A",
		Reconnect:      func(context.Context) (realtime.Session, error) { return nil, errors.New("down") },
		OnEvent:        log.onEvent,
		BackoffInitial: time.Millisecond,
		MaxAttempts:    1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	m.NotifyLost()
	waitForState(t, m, StateDegraded)

	m.ExitDegraded()
	if m.State() != StateConnected {
		t.Errorf("state = %q after exit, want connected", m.State())
	}
	ts := log.types()
	if !hasType(ts, call.RecoveryDegradedExited) || !hasType(ts, call.RecoveryNormalRestored) {
		t.Errorf("missing exit events in %v", ts)
	}
	// Outside the degraded state feeding audio is a no-op.
	m.FeedDegradedAudio(ctx, make([]byte, audio.UlawFrameBytes))
}

func TestMonitorHeartbeatTimeout(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	reconnects := 0
	m := NewMonitor(RecoveryConfig{
		Call:    newTestCall(),
		Session: "A",
		Reconnect: func(context.Context) (realtime.Session, error) {
			mu.Lock()
			reconnects++
			mu.Unlock()
			return mock.NewSession(), nil
		},
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
		BackoffInitial:    time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := reconnects
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("heartbeat timeout never triggered recovery")
}

func TestMonitorWatchRefreshesHeartbeatOnEvents(t *testing.T) {
	t.Parallel()
	m := NewMonitor(RecoveryConfig{
		Call:    newTestCall(),
		Session: "A",
		Reconnect: func(context.Context) (realtime.Session, error) {
			t.Error("reconnect must not fire while events flow")
			return nil, errors.New("unexpected")
		},
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  40 * time.Millisecond,
	})

	sess := mock.NewSession()
	m.Watch(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	for i := 0; i < 10; i++ {
		sess.Emit(realtime.Event{Type: realtime.EventAudioDelta})
		time.Sleep(10 * time.Millisecond)
	}
}
