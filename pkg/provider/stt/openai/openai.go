// Package openai implements stt.Transcriber using the OpenAI audio
// transcription API.
//
// It requests the verbose JSON response format so that per-segment confidence
// statistics are available for the hallucination filter. The SDK types only
// model the plain JSON response, so the verbose body is captured raw and
// decoded locally.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parlancehq/parlance/pkg/provider/stt"
)

const defaultModel = "whisper-1"

var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for Transcriber.
type Option func(*config)

type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// WithModel overrides the default transcription model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL. Primarily used in
// tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Transcriber implements stt.Transcriber against the OpenAI API.
type Transcriber struct {
	client oai.Client
	model  string
}

// New constructs a Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Transcriber{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// verboseResponse is the verbose_json transcription body.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text             string  `json:"text"`
		NoSpeechProb     float64 `json:"no_speech_prob"`
		CompressionRatio float64 `json:"compression_ratio"`
		AvgLogprob       float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe submits the WAV file and decodes the verbose response.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte, language string) (stt.Result, error) {
	params := oai.AudioTranscriptionNewParams{
		Model:          oai.AudioModel(t.model),
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
	}
	if language != "" {
		params.Language = oai.String(language)
	}

	var raw []byte
	_, err := t.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&raw))
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	var resp verboseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return stt.Result{}, fmt.Errorf("openai: decode verbose response: %w", err)
	}

	res := stt.Result{
		Text:        strings.TrimSpace(resp.Text),
		Language:    resp.Language,
		DurationSec: resp.Duration,
	}
	for _, seg := range resp.Segments {
		res.Segments = append(res.Segments, stt.Segment{
			Text:             strings.TrimSpace(seg.Text),
			NoSpeechProb:     seg.NoSpeechProb,
			CompressionRatio: seg.CompressionRatio,
			AvgLogprob:       seg.AvgLogprob,
		})
	}
	return res, nil
}
