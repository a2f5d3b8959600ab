// Package clarify turns reviewer follow-ups into conversational clarification
// questions using a chat-completion service.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// Fallback is returned whenever the completion service cannot produce an answer.
const Fallback = "Sorry, I can't at this time. Please try again later."

const DefaultModel = openai.GPT4oMini

const systemPrompt = `You write short, polite clarification questions a participant might ask a reviewer.
Write 2 to 4 questions that sound conversational.
Do not number them and do not use bullets or prefixes such as "1.", "-" or "*".
Put each question on its own line.`

var errEmptyCompletion = errors.New("empty completion")

// Completer is the subset of *openai.Client used by the Generator.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator wraps one completion call per follow-up.
type Generator struct {
	client  Completer
	model   string
	timeout time.Duration
}

// New creates a Generator. An empty model selects DefaultModel; a zero timeout
// leaves the caller's deadline in charge.
func New(client Completer, model string, timeout time.Duration) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model, timeout: timeout}
}

// NewOpenAI builds a Generator backed by the OpenAI API. baseURL may be empty.
func NewOpenAI(apiKey, baseURL, model string, timeout time.Duration) *Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(openai.NewClientWithConfig(cfg), model, timeout)
}

// Generate returns clarification questions for text. It never fails: any error
// or empty answer yields Fallback.
func (g *Generator) Generate(ctx context.Context, text string) string {
	questions, err := g.complete(ctx, text)
	if err != nil {
		log.Warn().Err(err).Str("model", g.model).Msg("clarify.Generator.Generate: using fallback")
		return Fallback
	}
	return questions
}

func (g *Generator) complete(ctx context.Context, text string) (string, error) {
	if g.client == nil {
		return "", errors.New("no completion client configured")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(text)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errEmptyCompletion
	}
	return content, nil
}

func userPrompt(text string) string {
	return fmt.Sprintf("The reviewer said: %q. Generate 2 to 4 short, polite clarification questions a participant might ask.", text)
}
