package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/parlancehq/parlance/internal/call"
)

// ExecutorConfig configures an Executor. Call is required.
type ExecutorConfig struct {
	Call *call.Call

	// Bridge resolves tool names the built-in set does not know. May be nil.
	Bridge *Bridge

	// OnJudgment fires after end_call_judgment records its result. The app
	// uses it to wind the call down gracefully.
	OnJudgment func(result, reason string)

	Log *slog.Logger
}

// Executor runs agent-mode function calls and records their outcomes on the
// Call. It implements the tool hook Session A expects.
type Executor struct {
	call       *call.Call
	bridge     *Bridge
	onJudgment func(result, reason string)
	log        *slog.Logger
}

// NewExecutor returns an Executor over the built-in tool set.
func NewExecutor(cfg ExecutorConfig) *Executor {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		call:       cfg.Call,
		bridge:     cfg.Bridge,
		onJudgment: cfg.OnJudgment,
		log:        log.With("component", "agenttools"),
	}
}

// Execute dispatches one function call and returns the JSON result to send
// back to the session. Unknown names go to the MCP bridge when one is
// configured; otherwise the model gets a structured error result, not a Go
// error, so it can rephrase instead of stalling.
func (e *Executor) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			e.log.Warn("unparseable tool arguments", "tool", name, "error", err)
			args = map[string]any{}
		}
	}

	e.log.Info("executing tool", "tool", name)

	switch name {
	case "confirm_reservation":
		return e.confirmReservation(args)
	case "search_location":
		return e.searchLocation(args)
	case "collect_info":
		return e.collectInfo(args)
	case "end_call_judgment":
		return e.endCallJudgment(args)
	}

	if e.bridge != nil && e.bridge.Has(name) {
		out, err := e.bridge.Call(ctx, name, argsJSON)
		if err != nil {
			return "", fmt.Errorf("agenttools: mcp tool %q: %w", name, err)
		}
		return out, nil
	}
	return marshal(map[string]string{
		"status":  "error",
		"message": "unknown function: " + name,
	}), nil
}

func (e *Executor) confirmReservation(args map[string]any) (string, error) {
	for _, key := range []string{"reservation_id", "date", "time", "name", "details", "status"} {
		if v := str(args, key); v != "" {
			e.call.SetCollected("reservation_"+key, v)
		}
	}
	return marshal(map[string]string{
		"status":  "recorded",
		"message": "reservation status: " + orUnknown(str(args, "status")),
	}), nil
}

func (e *Executor) searchLocation(args map[string]any) (string, error) {
	for _, key := range []string{"place_name", "address", "phone", "hours", "notes"} {
		if v := str(args, key); v != "" {
			e.call.SetCollected("location_"+key, v)
		}
	}
	return marshal(map[string]string{
		"status": "recorded",
		"place":  str(args, "place_name"),
	}), nil
}

func (e *Executor) collectInfo(args map[string]any) (string, error) {
	infoType := str(args, "info_type")
	if infoType == "" {
		infoType = "other"
	}
	e.call.SetCollected(infoType, str(args, "value"))
	return marshal(map[string]string{
		"status":    "recorded",
		"info_type": infoType,
	}), nil
}

func (e *Executor) endCallJudgment(args map[string]any) (string, error) {
	result := orUnknown(str(args, "result"))
	reason := str(args, "reason")

	e.call.SetResult(result)
	if summary := str(args, "summary"); summary != "" {
		e.call.SetCollected("call_summary", summary)
	}
	e.log.Info("call judged", "result", result, "reason", reason)

	if e.onJudgment != nil {
		e.onJudgment(result, reason)
	}
	return marshal(map[string]string{
		"status": "judged",
		"result": result,
	}), nil
}

func str(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"status":"error"}`
	}
	return string(data)
}
