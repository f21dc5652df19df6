// Package stt defines the Transcriber interface for batch speech-to-text
// backends.
//
// Batch transcription exists for one purpose here: after a dropped upstream
// session is re-established, the audio that accumulated during the outage is
// wrapped as a WAV file and transcribed so the conversation can catch up.
// Whisper-class models hallucinate on low-energy telephone audio, so a Result
// carries the per-segment confidence statistics needed to reject suspect
// output before it is injected into the conversation.
package stt

import "context"

// Hallucination rejection thresholds, applied by Result.Suspect. Values are
// tuned for Whisper's verbose output on 8 kHz telephone audio upsampled to
// 16 kHz.
const (
	maxAvgNoSpeechProb  = 0.7
	maxCompressionRatio = 2.4
	minAvgLogprob       = -1.0
)

// Segment is one recognized span of a batch transcription with its confidence
// statistics.
type Segment struct {
	Text string

	// NoSpeechProb is the model's probability that the segment contains no
	// speech at all.
	NoSpeechProb float64

	// CompressionRatio of the segment text; highly repetitive hallucinated
	// output compresses unusually well.
	CompressionRatio float64

	// AvgLogprob is the mean token log-probability.
	AvgLogprob float64
}

// Result is the outcome of one batch transcription.
type Result struct {
	// Text is the full transcription, trimmed.
	Text string

	// Language is the detected or requested language code.
	Language string

	// DurationSec is the audio duration as reported by the backend, zero if
	// unknown.
	DurationSec float64

	// Segments carries per-segment confidence statistics. May be empty for
	// backends that do not report them; Suspect then returns false.
	Segments []Segment
}

// Suspect reports whether the result looks like a hallucination: high mean
// no-speech probability, a highly compressible segment, or low mean token
// log-probability. Results without segment statistics are never suspect.
func (r Result) Suspect() bool {
	if len(r.Segments) == 0 {
		return false
	}
	var noSpeech, logprob float64
	for _, seg := range r.Segments {
		noSpeech += seg.NoSpeechProb
		logprob += seg.AvgLogprob
		if seg.CompressionRatio > maxCompressionRatio {
			return true
		}
	}
	n := float64(len(r.Segments))
	if noSpeech/n > maxAvgNoSpeechProb {
		return true
	}
	if logprob/n < minAvgLogprob {
		return true
	}
	return false
}

// Transcriber is the abstraction over any batch STT backend.
//
// Implementations must be safe for concurrent use; recovery may transcribe
// both call directions at once.
type Transcriber interface {
	// Transcribe submits a complete WAV file and blocks until the backend
	// returns. language is a hint ("en", "de"); empty lets the backend
	// auto-detect.
	Transcribe(ctx context.Context, wav []byte, language string) (Result, error)
}
