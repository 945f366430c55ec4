// Package extraction implements the language-model entity extractor.
package extraction

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/metrics"
	"github.com/GPEire/Tradie-GSuite/pkg/resilience"
)

// maxParseRetries bounds the reformat attempts after a schema failure.
const maxParseRetries = 2

// Config for the OpenAI extractor.
type Config struct {
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// chatClient is the slice of the OpenAI client the extractor uses;
// tests substitute a scripted implementation.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIExtractor calls the chat-completions API with strict JSON
// schemas. Stateless: every call carries its full context.
type OpenAIExtractor struct {
	client      chatClient
	model       string
	timeout     time.Duration
	maxTokens   int
	temperature float64
	breaker     *gobreaker.CircuitBreaker
}

var _ out.EntityExtractor = (*OpenAIExtractor)(nil)

func NewOpenAIExtractor(cfg Config) *OpenAIExtractor {
	return &OpenAIExtractor{
		client:      openai.NewClient(cfg.APIKey),
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		breaker:     resilience.NewBreaker("openai"),
	}
}

// newWithClient is the test seam.
func newWithClient(client chatClient, model string) *OpenAIExtractor {
	return &OpenAIExtractor{
		client:    client,
		model:     model,
		timeout:   10 * time.Second,
		maxTokens: 1024,
		breaker:   resilience.NewBreaker("openai-test"),
	}
}

func (e *OpenAIExtractor) Extract(ctx context.Context, in out.ExtractInput) (*domain.Entities, error) {
	started := time.Now()
	defer func() { metrics.RecordLatency("extract", time.Since(started)) }()

	userPrompt := buildExtractUserPrompt(in.Subject, in.Body, in.SenderName, in.SenderEmail,
		in.AttachmentNames, in.ExistingProjects)

	var result domain.Entities
	raw, err := e.completeJSON(ctx, extractSystemPrompt, userPrompt, &result)
	if err != nil {
		return nil, err
	}
	if err := validateEntities(&result); err != nil {
		return nil, apperr.ExtractionParse(raw, err)
	}
	return &result, nil
}

func (e *OpenAIExtractor) Compare(ctx context.Context, a, b out.CompareInput) (*domain.Similarity, error) {
	started := time.Now()
	defer func() { metrics.RecordLatency("compare", time.Since(started)) }()

	userPrompt := buildCompareUserPrompt(a.Subject, a.Body, a.SenderEmail,
		b.Subject, b.Body, b.SenderEmail)

	var result domain.Similarity
	raw, err := e.completeJSON(ctx, compareSystemPrompt, userPrompt, &result)
	if err != nil {
		return nil, err
	}
	if result.Score < 0 || result.Score > 1 {
		return nil, apperr.ExtractionParse(raw, errScoreOutOfRange)
	}
	return &result, nil
}

// completeJSON runs the chat call and unmarshals the answer, retrying
// with a stricter preamble on each parse failure. The last raw output
// is returned for dead-letter review.
func (e *OpenAIExtractor) completeJSON(ctx context.Context, systemPrompt, userPrompt string, dest interface{}) (string, error) {
	var lastRaw string
	var lastErr error

	for attempt := 0; attempt <= maxParseRetries; attempt++ {
		prompt := reformatPreambles[attempt] + userPrompt

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.breaker.Execute(func() (interface{}, error) {
			return e.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
				Model:       e.model,
				Temperature: float32(e.temperature),
				MaxTokens:   e.maxTokens,
				ResponseFormat: &openai.ChatCompletionResponseFormat{
					Type: openai.ChatCompletionResponseFormatTypeJSONObject,
				},
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
					{Role: openai.ChatMessageRoleUser, Content: prompt},
				},
			})
		})
		cancel()
		if err != nil {
			if resilience.IsOpen(err) {
				return "", apperr.Transient("extractor circuit open", err)
			}
			return "", apperr.Transient("extractor call", err)
		}

		completion := resp.(openai.ChatCompletionResponse)
		if len(completion.Choices) == 0 {
			lastRaw, lastErr = "", errEmptyCompletion
			continue
		}
		lastRaw = stripFences(completion.Choices[0].Message.Content)
		if err := strictUnmarshal(lastRaw, dest); err != nil {
			lastErr = err
			continue
		}
		return lastRaw, nil
	}
	return lastRaw, apperr.ExtractionParse(lastRaw, lastErr)
}

// strictUnmarshal rejects unknown fields so drifted model output fails
// loudly instead of silently dropping data.
func strictUnmarshal(raw string, dest interface{}) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// stripFences removes a markdown code fence if the model added one
// despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

var (
	errEmptyCompletion = errValidation("empty completion")
	errScoreOutOfRange = errValidation("similarity score out of [0,1]")
)

type errValidation string

func (e errValidation) Error() string { return string(e) }

func validateEntities(e *domain.Entities) error {
	if e.OverallConfidence < 0 || e.OverallConfidence > 1 {
		return errValidation("overall_confidence out of [0,1]")
	}
	if e.ProjectName != nil && e.ProjectName.Value == "" {
		return errValidation("project_name.value empty")
	}
	for _, jn := range e.JobNumbers {
		if jn.Value == "" {
			return errValidation("job_numbers entry with empty value")
		}
	}
	return nil
}
