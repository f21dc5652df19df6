// Package whisper implements stt.Transcriber against a local whisper.cpp
// server.
//
// The whisper-server binary exposes a batch REST API at POST /inference that
// accepts a WAV file as multipart/form-data. With response_format=verbose_json
// it reports per-segment confidence statistics, which feed the hallucination
// filter the same way the hosted API does. This backend keeps recovery
// catch-up working without an API key and without audio leaving the host.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/parlancehq/parlance/pkg/provider/stt"
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithHTTPClient overrides the HTTP client, including its timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) { t.httpClient = c }
}

// Transcriber implements stt.Transcriber backed by a local whisper.cpp HTTP
// server. It is stateless and safe for concurrent use.
type Transcriber struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates a Transcriber that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// verboseResponse mirrors whisper.cpp's verbose_json inference output.
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

// Transcribe POSTs the WAV file to the /inference endpoint as
// multipart/form-data and decodes the verbose response.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte, language string) (stt.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := t.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var vr verboseResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	res := stt.Result{
		Text:        strings.TrimSpace(vr.Text),
		Language:    vr.Language,
		DurationSec: vr.Duration,
	}
	for _, seg := range vr.Segments {
		res.Segments = append(res.Segments, stt.Segment{
			Text:             strings.TrimSpace(seg.Text),
			NoSpeechProb:     seg.NoSpeechProb,
			CompressionRatio: seg.CompressionRatio,
			AvgLogprob:       seg.AvgLogprob,
		})
	}
	return res, nil
}
