package guardrail

import (
	"context"
	"fmt"
	"strings"
	"time"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	"github.com/mozilla-ai/any-llm-go/providers/openai"
)

// Corrector rewrites a flagged translation into a polite, formal rendition of
// the same meaning.
type Corrector interface {
	// Correct returns the corrected text. Implementations return the input
	// unchanged together with an error when correction was not possible.
	Correct(ctx context.Context, text, language string) (string, error)
}

var correctionPrompts = map[string]string{
	"en": "You are a professional English language editor.\n" +
		"Correct the given sentence to be polite and formal.\n" +
		"Do not change the original meaning.\n" +
		"Only fix rude or informal expressions, slang, and grammar errors.\n" +
		"Output only the corrected sentence.",
	"es": "Eres un corrector profesional de español.\n" +
		"Reescribe la frase dada en un registro cortés y formal (usted).\n" +
		"No cambies el significado original.\n" +
		"Corrige solo expresiones groseras o informales y errores gramaticales.\n" +
		"Devuelve únicamente la frase corregida.",
	"fr": "Vous êtes un correcteur professionnel de français.\n" +
		"Réécrivez la phrase donnée dans un registre poli et formel (vouvoiement).\n" +
		"Ne changez pas le sens original.\n" +
		"Corrigez uniquement les expressions grossières ou familières et les fautes.\n" +
		"Ne renvoyez que la phrase corrigée.",
	"de": "Sie sind ein professioneller deutscher Lektor.\n" +
		"Formulieren Sie den Satz höflich und formell um (Sie-Form).\n" +
		"Ändern Sie nicht die ursprüngliche Bedeutung.\n" +
		"Korrigieren Sie nur unhöfliche oder umgangssprachliche Ausdrücke und Fehler.\n" +
		"Geben Sie nur den korrigierten Satz aus.",
	"ja": "あなたは日本語の校正専門家です。\n" +
		"入力された文章を丁寧語（です・ます調）に校正してください。\n" +
		"元の意味を変えないでください。\n" +
		"失礼な表現、くだけた表現、文法エラーのみ修正してください。\n" +
		"校正された文章のみ出力してください。",
	"zh": "你是中文校对专家。\n" +
		"将输入的句子修改为礼貌正式的表达。\n" +
		"不要改变原意。\n" +
		"只修正粗鲁或非正式的表达和语法错误。\n" +
		"只输出修正后的句子。",
}

const correctionMaxTokens = 200

// LLMCorrector corrects text through an any-llm backend. The model is small
// and the temperature pinned to zero: this is a rewrite, not a generation.
type LLMCorrector struct {
	backend anyllm.Provider
	model   string
	budget  time.Duration
}

// NewLLMCorrector builds a corrector on the named any-llm provider. budget
// bounds every Correct call.
func NewLLMCorrector(providerName, model, apiKey string, budget time.Duration) (*LLMCorrector, error) {
	if model == "" {
		return nil, fmt.Errorf("guardrail: corrector model must not be empty")
	}
	if budget <= 0 {
		budget = 2 * time.Second
	}

	var opts []anyllm.Option
	if apiKey != "" {
		opts = append(opts, anyllm.WithAPIKey(apiKey))
	}
	backend, err := newBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("guardrail: create %q corrector backend: %w", providerName, err)
	}
	return &LLMCorrector{backend: backend, model: model, budget: budget}, nil
}

func newBackend(providerName string, opts ...anyllm.Option) (anyllm.Provider, error) {
	switch strings.ToLower(providerName) {
	case "", "openai":
		return openai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, ollama, mistral, groq", providerName)
	}
}

// Correct implements Corrector. On timeout or backend failure the original
// text comes back with the error; callers play the original rather than
// stalling the call.
func (c *LLMCorrector) Correct(ctx context.Context, text, language string) (string, error) {
	prompt, ok := correctionPrompts[language]
	if !ok {
		prompt = correctionPrompts["en"]
	}

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	temperature := 0.0
	maxTokens := correctionMaxTokens
	resp, err := c.backend.Completion(ctx, anyllm.CompletionParams{
		Model:       c.model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Messages: []anyllm.Message{
			{Role: anyllm.RoleSystem, Content: prompt},
			{Role: anyllm.RoleUser, Content: text},
		},
	})
	if err != nil {
		return text, fmt.Errorf("guardrail: correction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return text, fmt.Errorf("guardrail: correction returned no choices")
	}

	corrected := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if corrected == "" {
		return text, fmt.Errorf("guardrail: correction returned empty text")
	}
	return corrected, nil
}
