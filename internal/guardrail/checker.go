package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/call"
)

// classifySpan is the buffered-text size that forces a rule-filter pass even
// without a sentence boundary.
const classifySpan = 100

// Sinks are the checker's outputs beyond the event log on the Call. Any of
// them may be nil.
type Sinks struct {
	// Alert notifies the client of a trigger, after correction completes.
	Alert func(level int, original, corrected string, correctionMS float64)

	// Resynthesize requests a replacement spoken response after a level-3
	// block. The instruction already embeds the filler and corrected text.
	Resynthesize func(instructions string)
}

// Config for a Checker. Call and Filter are required.
type Config struct {
	Call *call.Call

	// Language of the text being screened, the call's target language.
	Language string

	Filter *Filter

	// Corrector rewrites level-2 and level-3 text. Nil disables correction;
	// triggers are still logged and level 3 still blocks.
	Corrector Corrector

	Log *slog.Logger
}

// Checker classifies one response at a time. Session A drives it: deltas go
// through Feed, the complete transcript through FinishResponse, and Reset
// runs before every new response. The level only ever rises within a
// response.
type Checker struct {
	call      *call.Call
	language  string
	filter    *Filter
	corrector Corrector
	log       *slog.Logger

	mu         sync.Mutex
	buf        strings.Builder
	checkedLen int
	level      int
	sinks      Sinks

	wg sync.WaitGroup
}

// New returns a Checker. It implements the guardrail hook Session A expects.
func New(cfg Config) *Checker {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		call:      cfg.Call,
		language:  cfg.Language,
		filter:    cfg.Filter,
		corrector: cfg.Corrector,
		log:       log.With("component", "guardrail"),
		level:     1,
	}
}

// SetSinks installs the output callbacks. Call before the first response.
func (c *Checker) SetSinks(s Sinks) {
	c.mu.Lock()
	c.sinks = s
	c.mu.Unlock()
}

// Feed ingests a transcript delta. The buffer is classified every
// classifySpan characters or at a sentence boundary, and the response level
// escalates monotonically.
func (c *Checker) Feed(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.WriteString(delta)
	if c.buf.Len()-c.checkedLen < classifySpan && !endsSentence(delta) {
		return
	}
	c.checkedLen = c.buf.Len()

	level := c.filter.Check(c.buf.String()).Level()
	if level > c.level {
		c.level = level
		c.log.Info("guardrail level escalated",
			"level", level, "text", truncate(c.buf.String(), 60))
	}
}

// Blocking reports whether the current response's TTS must be withheld.
func (c *Checker) Blocking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level >= 3
}

// Level returns the current response's classification.
func (c *Checker) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// FinishResponse runs the final classification over the complete transcript
// and dispatches per level: nothing for 1, background correction for 2,
// synchronous correction plus resynthesis for 3.
func (c *Checker) FinishResponse(full string) {
	if strings.TrimSpace(full) == "" {
		return
	}

	c.mu.Lock()
	level := c.filter.Check(full).Level()
	if level < c.level {
		level = c.level
	}
	c.level = level
	sinks := c.sinks
	c.mu.Unlock()

	switch level {
	case 2:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.correctAndRecord(full, 2, sinks)
		}()
	case 3:
		corrected := c.correctAndRecord(full, 3, sinks)
		if sinks.Resynthesize != nil {
			sinks.Resynthesize(resynthesisInstruction(c.language, corrected))
		}
	}
}

// Reset clears per-response state. Pending level-2 corrections keep running;
// they log against the response that produced them.
func (c *Checker) Reset() {
	c.mu.Lock()
	c.buf.Reset()
	c.checkedLen = 0
	c.level = 1
	c.mu.Unlock()
}

// Wait blocks until background corrections finish. Used in teardown so the
// event log is complete before the call persists.
func (c *Checker) Wait() {
	c.wg.Wait()
}

func (c *Checker) correctAndRecord(original string, level int, sinks Sinks) string {
	corrected := original
	var took time.Duration

	if c.corrector != nil {
		start := time.Now()
		fixed, err := c.corrector.Correct(context.Background(), original, c.language)
		took = time.Since(start)
		if err != nil {
			c.log.Warn("correction failed, keeping original",
				"level", level, "error", err)
		} else {
			corrected = fixed
		}
	}

	event := call.GuardrailEvent{
		Level:          level,
		Original:       original,
		CorrectionTime: took,
	}
	if corrected != original {
		event.Corrected = corrected
	}
	c.call.AddGuardrailEvent(event)

	c.log.Info("guardrail triggered",
		"level", level,
		"original", truncate(original, 60),
		"corrected", truncate(event.Corrected, 60),
		"correction_ms", took.Milliseconds())

	if sinks.Alert != nil {
		sinks.Alert(level, original, event.Corrected, float64(took.Milliseconds()))
	}
	return corrected
}

// resynthesisInstruction builds the per-response override that replaces a
// blocked response: the filler buys time, the corrected text follows.
func resynthesisInstruction(language, corrected string) string {
	return fmt.Sprintf(
		"Say exactly the following, with nothing added before or after: %q",
		FillerText(language)+" "+corrected)
}

var sentenceEnders = []string{".", "!", "?", "。", "！", "？"}

func endsSentence(delta string) bool {
	trimmed := strings.TrimRight(delta, " \n\t")
	for _, e := range sentenceEnders {
		if strings.HasSuffix(trimmed, e) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
