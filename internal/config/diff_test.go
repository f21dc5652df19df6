package config_test

import (
	"strings"
	"testing"

	"github.com/parlancehq/parlance/internal/config"
)

func loadYAML(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestCompare_NoChange(t *testing.T) {
	t.Parallel()
	a := loadYAML(t, minimalYAML)
	b := loadYAML(t, minimalYAML)
	if d := config.Compare(a, b); d.Any() {
		t.Errorf("diff = %+v, want none", d)
	}
}

func TestCompare_LogLevel(t *testing.T) {
	t.Parallel()
	a := loadYAML(t, minimalYAML)
	b := loadYAML(t, "server:\n  log_level: debug\nrealtime:\n  api_key: sk-test\n")
	d := config.Compare(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.VADChanged || d.GuardrailChanged {
		t.Errorf("unrelated sections flagged: %+v", d)
	}
}

func TestCompare_VADThresholds(t *testing.T) {
	t.Parallel()
	a := loadYAML(t, minimalYAML)
	b := loadYAML(t, "realtime:\n  api_key: sk-test\nvad:\n  rms_gate: 200\n")
	if d := config.Compare(a, b); !d.VADChanged {
		t.Errorf("diff = %+v, want VADChanged", d)
	}
}

func TestCompare_GuardrailTerms(t *testing.T) {
	t.Parallel()
	a := loadYAML(t, minimalYAML)
	b := loadYAML(t, `
realtime:
  api_key: sk-test
guardrail:
  banned_terms:
    en: ["forbidden"]
`)
	if d := config.Compare(a, b); !d.GuardrailChanged {
		t.Errorf("diff = %+v, want GuardrailChanged", d)
	}

	c := loadYAML(t, `
realtime:
  api_key: sk-test
guardrail:
  banned_terms:
    en: ["forbidden"]
`)
	if d := config.Compare(b, c); d.Any() {
		t.Errorf("identical term maps flagged: %+v", d)
	}
}

func TestCompare_EchoGate(t *testing.T) {
	t.Parallel()
	a := loadYAML(t, minimalYAML)
	b := loadYAML(t, "realtime:\n  api_key: sk-test\necho_gate:\n  breakthrough_rms: 500\n")
	if d := config.Compare(a, b); !d.EchoGateChanged {
		t.Errorf("diff = %+v, want EchoGateChanged", d)
	}
}
