package config_test

import (
	"testing"

	"github.com/parlancehq/parlance/internal/config"
)

func TestLogLevelIsValid(t *testing.T) {
	t.Parallel()
	valid := []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestMCPTransportIsValid(t *testing.T) {
	t.Parallel()
	if !config.MCPTransportStdio.IsValid() || !config.MCPTransportStreamableHTTP.IsValid() {
		t.Error("known transports rejected")
	}
	if config.MCPTransport("sse").IsValid() {
		t.Error("unknown transport accepted")
	}
}
