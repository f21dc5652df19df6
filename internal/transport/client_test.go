package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/parlancehq/parlance/internal/call"
)

// wsPair returns a connected pair: the server-side conn (what the relay
// wraps) and the client-side conn (the fake remote peer).
func wsPair(t *testing.T) (server, remote *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
		// Keep the handler alive until the test finishes with the conn.
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, _, err := websocket.Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { remote.Close(websocket.StatusNormalClosure, "done") })

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server conn never accepted")
	}
	return server, remote
}

func writeClientJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readServerJSON(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

type clientRecorder struct {
	mu      sync.Mutex
	audio   []string
	commits int
	texts   []string
	typing  int
	ends    int
}

func (r *clientRecorder) handlers() ClientHandlers {
	return ClientHandlers{
		OnAudioChunk:     func(b64 string) { r.mu.Lock(); r.audio = append(r.audio, b64); r.mu.Unlock() },
		OnAudioCommitted: func() { r.mu.Lock(); r.commits++; r.mu.Unlock() },
		OnTextInput:      func(s string) { r.mu.Lock(); r.texts = append(r.texts, s); r.mu.Unlock() },
		OnTypingStarted:  func() { r.mu.Lock(); r.typing++; r.mu.Unlock() },
		OnEndCall:        func() { r.mu.Lock(); r.ends++; r.mu.Unlock() },
	}
}

func TestClientReadLoopDispatch(t *testing.T) {
	t.Parallel()
	server, remote := wsPair(t)
	c := NewClient(context.Background(), server, nil)
	rec := &clientRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.ReadLoop(ctx, rec.handlers()) }()

	writeClientJSON(t, remote, map[string]any{"type": "audio_chunk", "data": map[string]string{"audio": "QUJD"}})
	writeClientJSON(t, remote, map[string]any{"type": "vad_state", "data": map[string]string{"state": "committed"}})
	writeClientJSON(t, remote, map[string]any{"type": "vad_state", "data": map[string]string{"state": "speaking"}})
	writeClientJSON(t, remote, map[string]any{"type": "text_input", "data": map[string]string{"text": "hello"}})
	writeClientJSON(t, remote, map[string]any{"type": "typing_state"})
	writeClientJSON(t, remote, map[string]any{"type": "bogus"})
	writeClientJSON(t, remote, map[string]any{"type": "end_call"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		ok := rec.ends == 1
		rec.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.audio) != 1 || rec.audio[0] != "QUJD" {
		t.Errorf("audio = %v", rec.audio)
	}
	if rec.commits != 1 {
		t.Errorf("commits = %d, want 1 (non-committed states ignored)", rec.commits)
	}
	if len(rec.texts) != 1 || rec.texts[0] != "hello" {
		t.Errorf("texts = %v", rec.texts)
	}
	if rec.typing != 1 || rec.ends != 1 {
		t.Errorf("typing=%d ends=%d", rec.typing, rec.ends)
	}
}

func TestClientOpusChunkDecoded(t *testing.T) {
	t.Parallel()
	server, remote := wsPair(t)
	c := NewClient(context.Background(), server, nil)
	rec := &clientRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.ReadLoop(ctx, rec.handlers()) }()

	// Encode one 20 ms frame of a 440 Hz tone in the uplink format.
	enc, err := gopus.NewEncoder(24000, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, 480)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/24000))
	}
	packet, err := enc.Encode(pcm, 480, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	writeClientJSON(t, remote, map[string]any{"type": "audio_chunk", "data": map[string]string{
		"audio": base64.StdEncoding.EncodeToString(packet),
		"codec": "opus",
	}})
	// A garbage packet must be dropped without killing the loop.
	writeClientJSON(t, remote, map[string]any{"type": "audio_chunk", "data": map[string]string{
		"audio": "bm90IG9wdXM=",
		"codec": "opus",
	}})
	writeClientJSON(t, remote, map[string]any{"type": "end_call"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		ok := rec.ends == 1
		rec.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.audio) != 1 {
		t.Fatalf("audio chunks = %d, want 1 (bad packet dropped)", len(rec.audio))
	}
	decoded, err := base64.StdEncoding.DecodeString(rec.audio[0])
	if err != nil {
		t.Fatalf("decoded chunk is not base64: %v", err)
	}
	if len(decoded) != 960 {
		t.Errorf("decoded PCM = %d bytes, want 960 (480 samples)", len(decoded))
	}
}

func TestClientReadLoopCleanClose(t *testing.T) {
	t.Parallel()
	server, remote := wsPair(t)
	c := NewClient(context.Background(), server, nil)

	done := make(chan error, 1)
	go func() { done <- c.ReadLoop(context.Background(), ClientHandlers{}) }()

	remote.Close(websocket.StatusNormalClosure, "bye")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ReadLoop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ReadLoop never returned")
	}
}

func TestClientSendCaptionShapes(t *testing.T) {
	t.Parallel()
	server, remote := wsPair(t)
	c := NewClient(context.Background(), server, nil)

	c.SendCaption(call.RoleUser, "Hola", "outbound")
	msg := readServerJSON(t, remote)
	if msg.Type != "caption" {
		t.Fatalf("type = %q", msg.Type)
	}

	c.SendOriginalCaption(call.RoleRecipient, "Hello", "es")
	msg = readServerJSON(t, remote)
	if msg.Type != "caption.original" {
		t.Fatalf("type = %q", msg.Type)
	}
	data := msg.Data.(map[string]any)
	if data["stage"] != float64(1) || data["direction"] != "inbound" {
		t.Errorf("original caption data = %v", data)
	}

	c.SendTranslatedCaption(call.RoleRecipient, "Hola", "en")
	msg = readServerJSON(t, remote)
	if msg.Type != "caption.translated" {
		t.Fatalf("type = %q", msg.Type)
	}
	if msg.Data.(map[string]any)["stage"] != float64(2) {
		t.Errorf("translated caption data = %v", msg.Data)
	}
}

func TestClientSendStatusAndRecovery(t *testing.T) {
	t.Parallel()
	server, remote := wsPair(t)
	c := NewClient(context.Background(), server, nil)

	c.SendCallStatus("connected", "")
	if msg := readServerJSON(t, remote); msg.Type != "call_status" {
		t.Errorf("type = %q", msg.Type)
	}

	c.SendRecoveryStatus("recovering", "B", 1200, "")
	msg := readServerJSON(t, remote)
	if msg.Type != "session.recovery" {
		t.Fatalf("type = %q", msg.Type)
	}
	data := msg.Data.(map[string]any)
	if data["session"] != "B" || data["gap_ms"] != float64(1200) {
		t.Errorf("recovery data = %v", data)
	}

	c.SendInterruptAlert()
	msg = readServerJSON(t, remote)
	if msg.Type != "interrupt_alert" || msg.Data.(map[string]any)["speaking"] != "recipient" {
		t.Errorf("interrupt message = %+v", msg)
	}
}

func TestClientSendMetricsSnapshot(t *testing.T) {
	t.Parallel()
	server, remote := wsPair(t)
	c := NewClient(context.Background(), server, nil)

	cl := call.New("m", call.ModeRelay, call.CommVoiceToVoice, "en", "es")
	cl.AddTurnLatency(400)
	cl.AddTurnLatency(600)
	c.SendMetrics(cl.Metrics())

	msg := readServerJSON(t, remote)
	if msg.Type != "metrics" {
		t.Fatalf("type = %q", msg.Type)
	}
	data := msg.Data.(map[string]any)
	if data["avg_turn_latency_ms"] != float64(500) || data["turn_count"] != float64(2) {
		t.Errorf("metrics data = %v", data)
	}
}

func TestClientSendAfterCloseIsNoop(t *testing.T) {
	t.Parallel()
	server, _ := wsPair(t)
	c := NewClient(context.Background(), server, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	c.SendError("too late") // must not panic or block
}
