package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/audio"
)

// ClientHandlers receives parsed inbound client messages. Nil handlers are
// skipped.
type ClientHandlers struct {
	OnAudioChunk     func(b64 string)
	OnAudioCommitted func()
	OnTextInput      func(text string)
	OnTypingStarted  func()
	OnEndCall        func()
}

// Client wraps the accepted client application socket. All Send methods are
// safe for concurrent use and become silent no-ops once the socket closes:
// the pipeline keeps running for the carrier even when the client drops.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	// opus decodes the compressed uplink; created on the first opus chunk.
	// Only the read loop touches it.
	opus *audio.OpusDecoder

	mu     sync.Mutex
	ctx    context.Context
	closed bool
}

// NewClient wraps an accepted connection. ctx bounds all writes.
func NewClient(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		conn: conn,
		log:  log.With("component", "client_ws"),
		ctx:  ctx,
	}
}

// ReadLoop reads until the socket closes or ctx is cancelled, dispatching
// each message to h. It returns the read error, nil on clean closure.
func (c *Client) ReadLoop(ctx context.Context, h ClientHandlers) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.markClosed()
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: client read: %w", err)
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("discarding unparseable client message", "error", err)
			continue
		}
		c.dispatch(msg, h)
	}
}

func (c *Client) dispatch(msg ClientMessage, h ClientHandlers) {
	switch msg.Type {
	case TypeAudioChunk:
		var d AudioChunkData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.log.Warn("bad audio_chunk payload", "error", err)
			return
		}
		b64 := d.Audio
		if d.Codec == "opus" {
			decoded, err := c.decodeOpus(d.Audio)
			if err != nil {
				c.log.Warn("discarding undecodable opus chunk", "error", err)
				return
			}
			b64 = decoded
		}
		if h.OnAudioChunk != nil {
			h.OnAudioChunk(b64)
		}
	case TypeVADState:
		var d VADStateData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.log.Warn("bad vad_state payload", "error", err)
			return
		}
		if d.State == "committed" && h.OnAudioCommitted != nil {
			h.OnAudioCommitted()
		}
	case TypeTextInput:
		var d TextInputData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.log.Warn("bad text_input payload", "error", err)
			return
		}
		if h.OnTextInput != nil {
			h.OnTextInput(d.Text)
		}
	case TypeTypingState:
		if h.OnTypingStarted != nil {
			h.OnTypingStarted()
		}
	case TypeEndCall:
		if h.OnEndCall != nil {
			h.OnEndCall()
		}
	default:
		c.log.Debug("ignoring unknown client message", "type", msg.Type)
	}
}

// decodeOpus turns one base64 opus packet into base64 PCM16.
func (c *Client) decodeOpus(b64 string) (string, error) {
	packet, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("transport: opus chunk base64: %w", err)
	}
	if c.opus == nil {
		dec, err := audio.NewOpusDecoder()
		if err != nil {
			return "", err
		}
		c.opus = dec
	}
	pcm, err := c.opus.Decode(packet)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pcm), nil
}

// Close closes the socket. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// send marshals and writes one message; failures mark the socket closed.
func (c *Client) send(typ string, data any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	raw, err := json.Marshal(ServerMessage{Type: typ, Data: data})
	if err != nil {
		c.log.Error("marshalling client message failed", "type", typ, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		c.log.Warn("client write failed, dropping further sends", "type", typ, "error", err)
		c.closed = true
	}
}

// ── relay.ClientSink ───────────────────────────────────────────────────────────

// SendCaption streams an outbound caption delta.
func (c *Client) SendCaption(role, text, direction string) {
	c.send("caption", CaptionData{Role: role, Text: text, Direction: direction})
}

// SendOriginalCaption sends the stage-1 caption: what the recipient actually
// said, before translation.
func (c *Client) SendOriginalCaption(role, text, language string) {
	c.send("caption.original", CaptionData{
		Role: role, Text: text, Stage: 1, Language: language, Direction: "inbound",
	})
}

// SendTranslatedCaption sends the stage-2 caption: the recipient's utterance
// translated for the user.
func (c *Client) SendTranslatedCaption(role, text, language string) {
	c.send("caption.translated", CaptionData{
		Role: role, Text: text, Stage: 2, Language: language, Direction: "inbound",
	})
}

// SendRecipientAudio sends translated audio for playback.
func (c *Client) SendRecipientAudio(b64 string) {
	c.send("recipient_audio", RecipientAudioData{Audio: b64})
}

// SendCallStatus reports a lifecycle transition.
func (c *Client) SendCallStatus(status, message string) {
	c.send("call_status", CallStatusData{Status: status, Message: message})
}

// SendInterruptAlert tells the client the recipient started talking.
func (c *Client) SendInterruptAlert() {
	c.send("interrupt_alert", InterruptAlertData{Speaking: "recipient"})
}

// SendRecoveryStatus reports session-recovery progress.
func (c *Client) SendRecoveryStatus(status, sessionLabel string, gapMS int, message string) {
	c.send("session.recovery", RecoveryData{
		Status: status, Session: sessionLabel, GapMS: gapMS, Message: message,
	})
}

// SendGuardrailAlert reports a guardrail trigger.
func (c *Client) SendGuardrailAlert(level int, original, corrected string, correctionMS float64) {
	c.send("guardrail.triggered", GuardrailData{
		Level: level, Original: original, Corrected: corrected, CorrectionTimeMS: correctionMS,
	})
}

// SendTranslationState reports per-direction translation progress.
func (c *Client) SendTranslationState(state, direction string) {
	c.send("translation.state", TranslationStateData{State: state, Direction: direction})
}

// SendMetrics pushes the current latency/counter snapshot.
func (c *Client) SendMetrics(m call.Metrics) {
	c.send("metrics", MetricsData{
		TurnCount:             m.TurnCount,
		AvgTurnLatencyMS:      m.AvgTurnLatencyMS(),
		FirstMessageLatencyMS: m.FirstMessageLatencyMS,
		EchoSuppressions:      m.EchoSuppressions,
		EchoBreakthroughs:     m.EchoBreakthroughs,
		GuardrailTriggers:     m.GuardrailTriggers,
		VADFalseTriggers:      m.VADFalseTriggers,
		RecoveryCount:         m.RecoveryCount,
	})
}

// SendError sends a user-facing error.
func (c *Client) SendError(message string) {
	c.send("error", ErrorData{Message: message})
}
