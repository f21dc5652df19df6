package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and secret
// environment fallbacks, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	applyEnvSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with production defaults. Tuning
// values mirror what works on 8 kHz telephone audio.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "json"
	}

	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = "alloy"
	}

	if cfg.STT.Backend == "" {
		cfg.STT.Backend = "openai"
	}
	if cfg.STT.Model == "" {
		cfg.STT.Model = "whisper-1"
	}

	if cfg.VAD.RMSGate == 0 {
		cfg.VAD.RMSGate = 150
	}
	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = 0.5
	}
	if cfg.VAD.SilenceThreshold == 0 {
		cfg.VAD.SilenceThreshold = 0.35
	}
	if cfg.VAD.MinSpeechFrames == 0 {
		cfg.VAD.MinSpeechFrames = 2
	}
	if cfg.VAD.MinSilenceFrames == 0 {
		cfg.VAD.MinSilenceFrames = 15
	}

	if cfg.EchoGate.BreakthroughRMS == 0 {
		cfg.EchoGate.BreakthroughRMS = 400
	}
	if cfg.EchoGate.CooldownMarginMS == 0 {
		cfg.EchoGate.CooldownMarginMS = 500
	}
	if cfg.EchoGate.CooldownCapMS == 0 {
		cfg.EchoGate.CooldownCapMS = 2000
	}

	if cfg.Turns.ResponseDebounceMS == 0 {
		cfg.Turns.ResponseDebounceMS = 300
	}
	if cfg.Turns.SilenceTimeoutMS == 0 {
		cfg.Turns.SilenceTimeoutMS = 15_000
	}
	if cfg.Turns.MinSpeechMS == 0 {
		cfg.Turns.MinSpeechMS = 400
	}
	if cfg.Turns.MaxSpeechMS == 0 {
		cfg.Turns.MaxSpeechMS = 30_000
	}

	if cfg.Recovery.HeartbeatIntervalMS == 0 {
		cfg.Recovery.HeartbeatIntervalMS = 5_000
	}
	if cfg.Recovery.HeartbeatTimeoutMS == 0 {
		cfg.Recovery.HeartbeatTimeoutMS = 120_000
	}
	if cfg.Recovery.BackoffInitialMS == 0 {
		cfg.Recovery.BackoffInitialMS = 1_000
	}
	if cfg.Recovery.BackoffCapMS == 0 {
		cfg.Recovery.BackoffCapMS = 30_000
	}
	if cfg.Recovery.AttemptBudgetMS == 0 {
		cfg.Recovery.AttemptBudgetMS = 10_000
	}
	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery.MaxAttempts = 5
	}
	if cfg.Recovery.DegradedBatchMS == 0 {
		cfg.Recovery.DegradedBatchMS = 3_000
	}

	if cfg.Guardrail.CorrectionBudgetMS == 0 {
		cfg.Guardrail.CorrectionBudgetMS = 2_000
	}

	if cfg.Limits.MaxCallDurationMS == 0 {
		cfg.Limits.MaxCallDurationMS = 600_000
	}
	if cfg.Limits.WarningAtMS == 0 {
		cfg.Limits.WarningAtMS = 480_000
	}
	if cfg.Limits.RingBufferSlots == 0 {
		cfg.Limits.RingBufferSlots = 1500
	}

	if cfg.Database.SaveDebounceMS == 0 {
		cfg.Database.SaveDebounceMS = 5_000
	}
	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = 1536
	}
}

// applyEnvSecrets fills secret fields from the environment when the YAML left
// them empty. Only secrets are overridable this way.
func applyEnvSecrets(cfg *Config) {
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Telephony.AuthToken == "" {
		cfg.Telephony.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Guardrail.CorrectorAPIKey == "" {
		cfg.Guardrail.CorrectorAPIKey = os.Getenv("GUARDRAIL_API_KEY")
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if f := cfg.Server.LogFormat; f != "" && f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", f))
	}

	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required (or set OPENAI_API_KEY)"))
	}

	switch cfg.STT.Backend {
	case "openai":
	case "whisper":
		if cfg.STT.WhisperServerURL == "" {
			errs = append(errs, errors.New("stt.whisper_server_url is required when stt.backend is whisper"))
		}
	case "whisper-native":
		if cfg.STT.Model == "" || cfg.STT.Model == "whisper-1" {
			errs = append(errs, errors.New("stt.model must be a ggml model file path when stt.backend is whisper-native"))
		}
	default:
		errs = append(errs, fmt.Errorf("stt.backend %q is invalid; valid values: openai, whisper, whisper-native", cfg.STT.Backend))
	}

	if cfg.VAD.SpeechThreshold <= cfg.VAD.SilenceThreshold {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f must be above vad.silence_threshold %.2f",
			cfg.VAD.SpeechThreshold, cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.SpeechThreshold > 1 || cfg.VAD.SilenceThreshold < 0 {
		errs = append(errs, errors.New("vad thresholds must lie in [0, 1]"))
	}
	if cfg.VAD.MinSpeechFrames < 1 || cfg.VAD.MinSilenceFrames < 1 {
		errs = append(errs, errors.New("vad minimum frame counts must be at least 1"))
	}

	if cfg.Turns.MinSpeechMS >= cfg.Turns.MaxSpeechMS {
		errs = append(errs, fmt.Errorf("turns.min_speech_ms %d must be below turns.max_speech_ms %d",
			cfg.Turns.MinSpeechMS, cfg.Turns.MaxSpeechMS))
	}

	if cfg.Recovery.HeartbeatIntervalMS >= cfg.Recovery.HeartbeatTimeoutMS {
		errs = append(errs, fmt.Errorf("recovery.heartbeat_interval_ms %d must be below recovery.heartbeat_timeout_ms %d",
			cfg.Recovery.HeartbeatIntervalMS, cfg.Recovery.HeartbeatTimeoutMS))
	}
	if cfg.Recovery.BackoffInitialMS > cfg.Recovery.BackoffCapMS {
		errs = append(errs, fmt.Errorf("recovery.backoff_initial_ms %d must not exceed recovery.backoff_cap_ms %d",
			cfg.Recovery.BackoffInitialMS, cfg.Recovery.BackoffCapMS))
	}

	if cfg.Guardrail.Enabled && cfg.Guardrail.CorrectorProvider != "" && cfg.Guardrail.CorrectorModel == "" {
		errs = append(errs, errors.New("guardrail.corrector_model is required when guardrail.corrector_provider is set"))
	}

	if cfg.Limits.WarningAtMS >= cfg.Limits.MaxCallDurationMS {
		errs = append(errs, fmt.Errorf("limits.warning_at_ms %d must be below limits.max_call_duration_ms %d",
			cfg.Limits.WarningAtMS, cfg.Limits.MaxCallDurationMS))
	}
	if cfg.Limits.RingBufferSlots < 50 {
		errs = append(errs, fmt.Errorf("limits.ring_buffer_slots %d is below the 1 s minimum of 50", cfg.Limits.RingBufferSlots))
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
