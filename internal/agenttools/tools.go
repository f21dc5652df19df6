// Package agenttools defines and executes the function-calling tools
// available to Session A in full agent mode. The model calls them to record
// what it learns during the call; results land on the Call aggregate and come
// back to the session as function-call output.
package agenttools

import (
	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// agentTools is the built-in tool set. The definitions are registered with
// Session A verbatim; the executor dispatches on the names.
var agentTools = []realtime.ToolDefinition{
	{
		Name:        "confirm_reservation",
		Description: "Record reservation confirmation details. Call when the recipient confirms, modifies or cancels a reservation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reservation_id": map[string]any{"type": "string", "description": "Reservation reference number"},
				"date":           map[string]any{"type": "string", "description": "Reservation date (YYYY-MM-DD)"},
				"time":           map[string]any{"type": "string", "description": "Reservation time (HH:MM)"},
				"name":           map[string]any{"type": "string", "description": "Name the reservation is under"},
				"details":        map[string]any{"type": "string", "description": "Additional details"},
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"confirmed", "modified", "cancelled", "pending"},
					"description": "Reservation status",
				},
			},
			"required": []string{"status"},
		},
	},
	{
		Name:        "search_location",
		Description: "Record place or business details. Call when the recipient provides location information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"place_name": map[string]any{"type": "string", "description": "Place or business name"},
				"address":    map[string]any{"type": "string", "description": "Street address"},
				"phone":      map[string]any{"type": "string", "description": "Phone number"},
				"hours":      map[string]any{"type": "string", "description": "Opening hours"},
				"notes":      map[string]any{"type": "string", "description": "Other details"},
			},
			"required": []string{"place_name"},
		},
	},
	{
		Name:        "collect_info",
		Description: "Record a piece of information gathered during the call. Call whenever the recipient provides a fact worth keeping.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"info_type": map[string]any{
					"type":        "string",
					"enum":        []string{"name", "phone", "address", "email", "price", "schedule", "other"},
					"description": "Kind of information",
				},
				"value":   map[string]any{"type": "string", "description": "The collected value"},
				"context": map[string]any{"type": "string", "description": "Context it was collected in"},
			},
			"required": []string{"info_type", "value"},
		},
	},
	{
		Name:        "end_call_judgment",
		Description: "Judge whether the call's purpose was achieved. Call when the conversation reaches its natural end.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"result": map[string]any{
					"type":        "string",
					"enum":        []string{"success", "partial_success", "failed", "callback_needed"},
					"description": "Call outcome",
				},
				"reason":  map[string]any{"type": "string", "description": "Reason for the judgement"},
				"summary": map[string]any{"type": "string", "description": "Short call summary"},
			},
			"required": []string{"result", "reason"},
		},
	},
}

// ToolsForMode returns the tool set to register with Session A. Only full
// agent mode gets tools; the relay modes translate and nothing else.
func ToolsForMode(mode call.CommMode, bridge *Bridge) []realtime.ToolDefinition {
	if mode != call.CommFullAgent {
		return nil
	}
	tools := append([]realtime.ToolDefinition(nil), agentTools...)
	if bridge != nil {
		tools = append(tools, bridge.ToolDefinitions()...)
	}
	return tools
}
