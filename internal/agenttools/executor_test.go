package agenttools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/parlancehq/parlance/internal/call"
)

func newTestExecutor(onJudgment func(result, reason string)) (*Executor, *call.Call) {
	c := call.New("call-1", call.ModeAgent, call.CommFullAgent, "en", "es")
	return NewExecutor(ExecutorConfig{Call: c, OnJudgment: onJudgment}), c
}

func decodeResult(t *testing.T, raw string) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result %q is not JSON: %v", raw, err)
	}
	return out
}

func TestExecuteConfirmReservation(t *testing.T) {
	t.Parallel()
	e, c := newTestExecutor(nil)

	out, err := e.Execute(context.Background(), "confirm_reservation",
		`{"status":"confirmed","date":"2026-09-01","time":"19:00","name":"Garcia"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := decodeResult(t, out)
	if res["status"] != "recorded" || res["message"] != "reservation status: confirmed" {
		t.Errorf("result = %v", res)
	}

	collected := c.Collected()
	if collected["reservation_status"] != "confirmed" || collected["reservation_time"] != "19:00" {
		t.Errorf("collected = %v", collected)
	}
	if _, ok := collected["reservation_details"]; ok {
		t.Error("absent field stored")
	}
}

func TestExecuteSearchLocation(t *testing.T) {
	t.Parallel()
	e, c := newTestExecutor(nil)

	out, err := e.Execute(context.Background(), "search_location",
		`{"place_name":"Casa Lola","address":"Calle Mayor 5","hours":"12-23"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); res["place"] != "Casa Lola" {
		t.Errorf("result = %v", res)
	}
	if got := c.Collected()["location_address"]; got != "Calle Mayor 5" {
		t.Errorf("location_address = %q", got)
	}
}

func TestExecuteCollectInfo(t *testing.T) {
	t.Parallel()
	e, c := newTestExecutor(nil)

	out, err := e.Execute(context.Background(), "collect_info",
		`{"info_type":"price","value":"45 euros"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); res["info_type"] != "price" {
		t.Errorf("result = %v", res)
	}
	if got := c.Collected()["price"]; got != "45 euros" {
		t.Errorf("price = %q", got)
	}

	// Missing info_type falls back to "other".
	if _, err := e.Execute(context.Background(), "collect_info", `{"value":"x"}`); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := c.Collected()["other"]; got != "x" {
		t.Errorf("other = %q", got)
	}
}

func TestExecuteEndCallJudgment(t *testing.T) {
	t.Parallel()
	var judged []string
	e, c := newTestExecutor(func(result, reason string) {
		judged = append(judged, result+"|"+reason)
	})

	out, err := e.Execute(context.Background(), "end_call_judgment",
		`{"result":"success","reason":"reservation confirmed","summary":"Booked table for two."}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); res["status"] != "judged" || res["result"] != "success" {
		t.Errorf("result = %v", res)
	}
	if got := c.Result(); got != "success" {
		t.Errorf("Result = %q", got)
	}
	if got := c.Collected()["call_summary"]; got != "Booked table for two." {
		t.Errorf("call_summary = %q", got)
	}
	if len(judged) != 1 || judged[0] != "success|reservation confirmed" {
		t.Errorf("judged = %v", judged)
	}
}

func TestExecuteUnknownToolReturnsErrorResult(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor(nil)

	out, err := e.Execute(context.Background(), "order_pizza", `{}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := decodeResult(t, out)
	if res["status"] != "error" || res["message"] != "unknown function: order_pizza" {
		t.Errorf("result = %v", res)
	}
}

func TestExecuteBadArgumentsStillRecords(t *testing.T) {
	t.Parallel()
	e, c := newTestExecutor(nil)

	out, err := e.Execute(context.Background(), "end_call_judgment", `not json`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); res["result"] != "unknown" {
		t.Errorf("result = %v", res)
	}
	if got := c.Result(); got != "unknown" {
		t.Errorf("Result = %q", got)
	}
}

func TestToolsForMode(t *testing.T) {
	t.Parallel()
	tools := ToolsForMode(call.CommFullAgent, nil)
	if len(tools) != 4 {
		t.Fatalf("agent tools = %d, want 4", len(tools))
	}
	names := map[string]bool{}
	for _, td := range tools {
		names[td.Name] = true
	}
	for _, want := range []string{"confirm_reservation", "search_location", "collect_info", "end_call_judgment"} {
		if !names[want] {
			t.Errorf("missing tool %q", want)
		}
	}

	for _, mode := range []call.CommMode{call.CommVoiceToVoice, call.CommVoiceToText, call.CommTextToVoice} {
		if got := ToolsForMode(mode, nil); got != nil {
			t.Errorf("ToolsForMode(%v) = %v, want nil", mode, got)
		}
	}
}
