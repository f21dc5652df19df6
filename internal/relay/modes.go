package relay

import (
	"fmt"

	"github.com/parlancehq/parlance/internal/call"
)

// New builds the pipeline variant for the call's communication mode.
func New(cfg Config) (Pipeline, error) {
	if cfg.Call == nil {
		return nil, fmt.Errorf("relay: call is required")
	}
	switch cfg.Call.CommMode {
	case call.CommVoiceToVoice:
		return newVoiceToVoice(cfg)
	case call.CommVoiceToText:
		return newVoiceToText(cfg)
	case call.CommTextToVoice:
		return newTextToVoice(cfg)
	case call.CommFullAgent:
		return newFullAgent(cfg)
	default:
		return nil, fmt.Errorf("relay: unknown communication mode %q", cfg.Call.CommMode)
	}
}

// newVoiceToVoice is the baseline: user speaks and hears, recipient speaks
// and hears.
func newVoiceToVoice(cfg Config) (Pipeline, error) {
	return newPipeline(cfg, modeTraits{})
}

// newVoiceToText keeps the user's voice input but presents the recipient as
// text only: Session B runs text-only and any stray audio is dropped at the
// client sink.
func newVoiceToText(cfg Config) (Pipeline, error) {
	return newPipeline(cfg, modeTraits{
		dropBAudio: true,
	})
}

// newTextToVoice: the user types, the recipient hears TTS and is read back as
// text. Typed input is relayed with a strict translation override, and the
// fixed greeting avoids conversational expansion.
func newTextToVoice(cfg Config) (Pipeline, error) {
	return newPipeline(cfg, modeTraits{
		textInput:     true,
		dropBAudio:    true,
		relayText:     true,
		exactGreeting: true,
		typingFiller:  true,
	})
}

// newFullAgent: the AI conducts the conversation on the user's behalf.
// Completed recipient turns are fed back into Session A and the function-call
// tool set is active.
func newFullAgent(cfg Config) (Pipeline, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("relay: agent mode requires a tool executor")
	}
	return newPipeline(cfg, modeTraits{
		textInput:     true,
		dropBAudio:    true,
		agentLoop:     true,
		exactGreeting: true,
		typingFiller:  true,
	})
}
