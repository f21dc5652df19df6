package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// CarrierHandlers receives parsed media-stream events. Nil handlers are
// skipped.
type CarrierHandlers struct {
	// OnStart fires when the stream opens, with the carrier's identifiers.
	OnStart func(streamSid, callSid string)

	// OnMedia fires per decoded 20 ms μ-law frame.
	OnMedia func(ulaw []byte)

	// OnStop fires when the carrier ends the stream (caller hangup).
	OnStop func()
}

// Carrier wraps the accepted telephony media-stream socket. Sends are safe
// for concurrent use and become silent no-ops after closure; the carrier
// regularly drops the socket before the relay finishes tearing down.
type Carrier struct {
	conn *websocket.Conn
	log  *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	streamSid string
	closed    bool
}

// NewCarrier wraps an accepted connection. ctx bounds all writes.
func NewCarrier(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *Carrier {
	if log == nil {
		log = slog.Default()
	}
	return &Carrier{
		conn: conn,
		log:  log.With("component", "telephony_ws"),
		ctx:  ctx,
	}
}

// StreamSid returns the carrier stream id, empty until the start event.
func (t *Carrier) StreamSid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

// ReadLoop reads until the socket closes or ctx is cancelled. It returns nil
// on a carrier-initiated stop or clean closure.
func (t *Carrier) ReadLoop(ctx context.Context, h CarrierHandlers) error {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			t.markClosed()
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: carrier read: %w", err)
		}

		var msg CarrierMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Warn("discarding unparseable carrier message", "error", err)
			continue
		}

		switch msg.Event {
		case CarrierEventConnected:
			t.log.Debug("carrier socket connected")
		case CarrierEventStart:
			if msg.Start == nil {
				t.log.Warn("start event without payload")
				continue
			}
			t.mu.Lock()
			t.streamSid = msg.Start.StreamSid
			t.mu.Unlock()
			t.log.Info("media stream started",
				"stream_sid", msg.Start.StreamSid, "call_sid", msg.Start.CallSid)
			if h.OnStart != nil {
				h.OnStart(msg.Start.StreamSid, msg.Start.CallSid)
			}
		case CarrierEventMedia:
			if msg.Media == nil {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				t.log.Warn("discarding undecodable media payload", "error", err)
				continue
			}
			if h.OnMedia != nil {
				h.OnMedia(frame)
			}
		case CarrierEventStop:
			t.log.Info("media stream stopped by carrier")
			t.markClosed()
			if h.OnStop != nil {
				h.OnStop()
			}
			return nil
		default:
			t.log.Debug("ignoring unknown carrier event", "event", msg.Event)
		}
	}
}

// SendMedia plays μ-law audio to the recipient.
func (t *Carrier) SendMedia(ulaw []byte) error {
	return t.send(CarrierMessage{
		Event: CarrierEventMedia,
		Media: &CarrierMediaData{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// Clear flushes the carrier's buffered playback queue. Used on interrupts:
// the carrier may hold seconds of queued TTS.
func (t *Carrier) Clear() error {
	return t.send(CarrierMessage{Event: CarrierEventClear})
}

// Close closes the socket. Idempotent.
func (t *Carrier) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (t *Carrier) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Carrier) send(msg CarrierMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	msg.StreamSid = t.streamSid
	ctx := t.ctx
	t.mu.Unlock()

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal carrier message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if err := t.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.closed = true
		return fmt.Errorf("transport: carrier write: %w", err)
	}
	return nil
}
