// This file contains the native Transcriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/parlancehq/parlance/pkg/provider/stt"
)

var _ stt.Transcriber = (*NativeTranscriber)(nil)

// whisperSampleRate is the input rate whisper.cpp models are trained on.
const whisperSampleRate = 16000

// NativeTranscriber implements stt.Transcriber in-process using the
// whisper.cpp Go bindings, eliminating HTTP overhead entirely. The model is
// loaded once and shared; each Transcribe call runs on its own context.
//
// The bindings report no per-segment confidence statistics, so results from
// this backend are never rejected by the hallucination filter.
type NativeTranscriber struct {
	model whisperlib.Model

	// NewContext and Process are cheap relative to inference but contexts
	// are not reusable across goroutines; serialize inference instead of
	// pooling contexts.
	mu sync.Mutex
}

// NewNative loads the whisper.cpp model from modelPath. The caller must call
// Close when the transcriber is no longer needed.
func NewNative(modelPath string) (*NativeTranscriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &NativeTranscriber{model: model}, nil
}

// Close releases the whisper model.
func (t *NativeTranscriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Transcribe decodes the WAV payload and runs whisper.cpp inference on it.
func (t *NativeTranscriber) Transcribe(ctx context.Context, wav []byte, language string) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}

	samples, sampleRate, err := wavToFloat32Mono(wav)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: decode wav: %w", err)
	}
	var duration float64
	if sampleRate > 0 {
		duration = float64(len(samples)) / float64(sampleRate)
	}
	// whisper.cpp expects 16 kHz input; telephone-rate catch-up audio
	// arrives at 8 kHz.
	if sampleRate != whisperSampleRate {
		samples = resampleFloat32(samples, sampleRate, whisperSampleRate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	wctx, err := t.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: set language %q: %w", language, err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return stt.Result{
		Text:        strings.Join(parts, " "),
		Language:    language,
		DurationSec: duration,
	}, nil
}

// resampleFloat32 converts between sample rates using linear interpolation.
// Good enough for speech into an STT model.
func resampleFloat32(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j] + (in[j+1]-in[j])*frac
	}
	return out
}

// wavToFloat32Mono extracts the PCM16 payload of a RIFF/WAVE file and scales
// it to [-1, 1). Multi-channel input is averaged down to mono.
func wavToFloat32Mono(wav []byte) ([]float32, int, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a RIFF/WAVE file")
	}

	var (
		sampleRate int
		channels   int
		data       []byte
	)
	// Walk the chunk list; fmt must precede data.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("fmt chunk too short")
			}
			if format := binary.LittleEndian.Uint16(wav[body : body+2]); format != 1 {
				return nil, 0, fmt.Errorf("unsupported wav format %d, want PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(wav[body+14 : body+16]); bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bit depth %d, want 16", bits)
			}
		case "data":
			data = wav[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}
	if sampleRate == 0 || channels == 0 {
		return nil, 0, errors.New("missing fmt chunk")
	}
	if len(data) == 0 {
		return nil, 0, errors.New("missing data chunk")
	}

	frames := len(data) / (2 * channels)
	samples := make([]float32, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(data[idx:])))
		}
		samples[i] = float32(sum/int32(channels)) / 32768
	}
	return samples, sampleRate, nil
}
