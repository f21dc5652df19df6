package config

// Diff describes what changed between two configs. Only fields that can be
// safely hot-reloaded mid-call are tracked; everything else requires a
// restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged covers the local-VAD thresholds and frame minimums. New
	// calls pick them up; running detectors keep their values.
	VADChanged bool

	// EchoGateChanged covers the breakthrough RMS and cooldown tuning.
	EchoGateChanged bool

	// GuardrailChanged covers the enabled flag and the term dictionaries.
	GuardrailChanged bool
}

// Any reports whether the diff contains any change.
func (d Diff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.EchoGateChanged || d.GuardrailChanged
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
	}
	if old.EchoGate != new.EchoGate {
		d.EchoGateChanged = true
	}

	if old.Guardrail.Enabled != new.Guardrail.Enabled ||
		!termMapsEqual(old.Guardrail.BannedTerms, new.Guardrail.BannedTerms) ||
		!termMapsEqual(old.Guardrail.InformalTerms, new.Guardrail.InformalTerms) {
		d.GuardrailChanged = true
	}

	return d
}

func termMapsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for lang, terms := range a {
		other, ok := b[lang]
		if !ok || len(other) != len(terms) {
			return false
		}
		for i := range terms {
			if terms[i] != other[i] {
				return false
			}
		}
	}
	return true
}
