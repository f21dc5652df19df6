package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlancehq/parlance/internal/call"
)

// terminalCarrierStatuses are the status-callback values that mean the phone
// call is over on the carrier side.
var terminalCarrierStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// startRequest is the POST /calls body.
type startRequest struct {
	CallID      string            `json:"call_id"`
	Mode        string            `json:"mode"`
	CommMode    string            `json:"comm_mode"`
	SourceLang  string            `json:"source_lang"`
	TargetLang  string            `json:"target_lang"`
	PhoneNumber string            `json:"phone_number"`
	Collected   map[string]string `json:"collected"`
}

// startResponse is the POST /calls reply.
type startResponse struct {
	CallID         string `json:"call_id"`
	CarrierCallSID string `json:"carrier_call_sid"`
	ClientWSURL    string `json:"client_ws_url"`
	TelephonyWSURL string `json:"telephony_ws_url"`
}

// routes builds the HTTP surface.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /calls", a.handleStartCall)
	mux.HandleFunc("GET /calls/{id}", a.handleGetCall)
	mux.HandleFunc("POST /calls/{id}/end", a.handleEndCall)

	mux.HandleFunc("GET /ws/client/{id}", a.handleClientWS)
	mux.HandleFunc("GET /ws/telephony/{id}", a.handleCarrierWS)

	mux.HandleFunc("POST /twilio/webhook/{id}", a.handleCarrierWebhook)
	mux.HandleFunc("POST /twilio/status/{id}", a.handleCarrierStatus)

	mux.Handle("GET /metrics", promhttp.Handler())
	a.checks.Register(mux)

	return mux
}

// handleStartCall creates the call, dials the recipient, and returns the
// WebSocket endpoints the client and carrier should connect to.
func (a *App) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	comm := call.CommMode(req.CommMode)
	if !comm.Valid() {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid comm_mode %q", req.CommMode))
		return
	}
	if req.PhoneNumber == "" {
		httpError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	if req.SourceLang == "" || req.TargetLang == "" {
		httpError(w, http.StatusBadRequest, "source_lang and target_lang are required")
		return
	}
	if a.dialer == nil {
		httpError(w, http.StatusServiceUnavailable, "telephony is not configured")
		return
	}

	mode := call.Mode(req.Mode)
	if mode == "" {
		mode = call.ModeRelay
		if comm == call.CommFullAgent {
			mode = call.ModeAgent
		}
	}

	id := req.CallID
	if id == "" {
		id = uuid.NewString()
	}

	c := call.New(id, mode, comm, req.SourceLang, req.TargetLang)
	for k, v := range req.Collected {
		c.SetCollected(k, v)
	}
	if err := a.manager.Register(c); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}

	a.mu.Lock()
	a.wirings[id] = newWiring(c)
	a.mu.Unlock()
	a.metrics.ActiveCalls.Add(r.Context(), 1)

	c.SetStatus(call.StatusDialing)
	sid, err := a.dialer.Dial(r.Context(), req.PhoneNumber, id)
	if err != nil {
		a.log.Error("outbound dial failed", "call_id", id, "error", err)
		c.SetStatus(call.StatusFailed)
		a.cleanup(r.Context(), id, "dial_failed")
		httpError(w, http.StatusBadGateway, "outbound dial failed")
		return
	}
	c.SetCarrier(sid, "")
	_ = a.manager.UpdateResources(id, func(res *call.Resources) {
		res.HangupCarrier = func(ctx context.Context) error {
			return a.dialer.Hangup(ctx, sid)
		}
	})

	ws := wsBaseURL(a.config().Server.PublicURL)
	writeJSON(w, http.StatusCreated, startResponse{
		CallID:         id,
		CarrierCallSID: sid,
		ClientWSURL:    ws + "/ws/client/" + id,
		TelephonyWSURL: ws + "/ws/telephony/" + id,
	})
}

// handleGetCall returns the call snapshot, from the registry for live calls
// and from the store for finished ones.
func (a *App) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if c, ok := a.manager.Get(id); ok {
		writeJSON(w, http.StatusOK, c.Snapshot())
		return
	}
	if a.store != nil {
		snap, err := a.store.Load(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			a.log.Error("loading call failed", "call_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "loading call failed")
			return
		}
	}
	httpError(w, http.StatusNotFound, "call not found")
}

// handleEndCall ends a live call on the user's request.
func (a *App) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.manager.Get(id); !ok {
		httpError(w, http.StatusNotFound, "call not found")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	reason := body.Reason
	if reason == "" {
		reason = "user_hangup"
	}

	a.cleanup(r.Context(), id, reason)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ended",
		"call_id": id,
		"reason":  reason,
	})
}

// handleCarrierWebhook answers the carrier's TwiML fetch once the recipient
// picks up, pointing the media stream back at this server.
func (a *App) handleCarrierWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.manager.Get(id); !ok {
		httpError(w, http.StatusNotFound, "call not found")
		return
	}

	streamURL := wsBaseURL(a.config().Server.PublicURL) + "/ws/telephony/" + id
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response><Connect><Stream url="%s"><Parameter name="call_id" value="%s"/></Stream></Connect></Response>`, streamURL, id)

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, twiml)
}

// handleCarrierStatus processes lifecycle callbacks from the carrier. A
// terminal status ends the call even when the media stream never opened
// (busy, no answer).
func (a *App) handleCarrierStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := r.ParseForm(); err != nil {
		httpError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	status := r.PostFormValue("CallStatus")
	a.log.Debug("carrier status callback", "call_id", id, "status", status)

	if terminalCarrierStatuses[status] {
		a.cleanup(r.Context(), id, "twilio_"+status)
	}
	w.WriteHeader(http.StatusNoContent)
}

// wsBaseURL converts the public HTTP base URL to its WebSocket scheme.
func wsBaseURL(publicURL string) string {
	base := strings.TrimSuffix(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
