package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

var ErrEmptyAnswer = errors.New("model returned an empty answer")

// Answerer produces a grounded answer for a fully built prompt.
type Answerer interface {
	Answer(ctx context.Context, prompt string) (string, error)
}

type GeminiAnswerer struct {
	client *genai.Client
	model  string
}

func NewGeminiAnswerer(client *genai.Client, model string) *GeminiAnswerer {
	return &GeminiAnswerer{client: client, model: model}
}

func (a *GeminiAnswerer) Answer(ctx context.Context, prompt string) (string, error) {
	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}

type OpenAIAnswerer struct {
	client *openai.Client
	model  string
}

func NewOpenAIAnswerer(client *openai.Client, model string) *OpenAIAnswerer {
	return &OpenAIAnswerer{client: client, model: model}
}

func (a *OpenAIAnswerer) Answer(ctx context.Context, prompt string) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}
