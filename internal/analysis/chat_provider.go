package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/models"
)

// ChatProvider evaluates channels through an OpenAI-compatible chat
// completion API. Both supported vendors (DeepSeek, Zhipu) expose that
// surface, so one implementation covers both with different base URLs.
type ChatProvider struct {
	name        string
	baseURL     string
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewDeepSeekProvider targets the DeepSeek chat API.
func NewDeepSeekProvider(logger *slog.Logger) *ChatProvider {
	return &ChatProvider{
		name:        "deepseek",
		baseURL:     "https://api.deepseek.com/v1",
		model:       "deepseek-chat",
		temperature: 0.3,
		maxTokens:   2000,
		logger:      logger,
	}
}

// NewZhipuProvider targets the Zhipu GLM chat API.
func NewZhipuProvider(logger *slog.Logger) *ChatProvider {
	return &ChatProvider{
		name:        "zhipu",
		baseURL:     "https://open.bigmodel.cn/api/paas/v4",
		model:       "glm-4",
		temperature: 0.3,
		maxTokens:   2000,
		logger:      logger,
	}
}

// NewProvider selects a provider implementation by configured name.
func NewProvider(name string, logger *slog.Logger) (Provider, error) {
	switch name {
	case "deepseek":
		return NewDeepSeekProvider(logger), nil
	case "zhipu":
		return NewZhipuProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown analysis provider: %s", name)
	}
}

// Name returns the vendor identifier stored on analysis records.
func (p *ChatProvider) Name() string {
	return p.name
}

// Analyze sends one evaluation request using the supplied credential's key.
// A fresh client per call keeps the provider stateless across credential
// rotation.
func (p *ChatProvider) Analyze(ctx context.Context, cred *models.Credential, req Request) (*Result, error) {
	cfg := openai.DefaultConfig(cred.Key)
	cfg.BaseURL = p.baseURL
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
	})
	if err != nil {
		return nil, p.classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices from %s model %s", p.name, p.model)
	}

	content := resp.Choices[0].Message.Content
	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse %s evaluation: %w", p.name, err)
	}

	if result.RelevanceScore < 0 || result.RelevanceScore > 100 {
		return nil, fmt.Errorf("relevance score %d out of range", result.RelevanceScore)
	}

	return &result, nil
}

// classify maps vendor errors onto the protection stack's taxonomy.
func (p *ChatProvider) classify(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return guard.NewError(guard.KindTransient, err)
		}
		return err
	}

	switch {
	case apiErr.HTTPStatusCode == 429:
		return guard.NewRateLimited(err, 0)
	case apiErr.HTTPStatusCode == 401:
		return guard.NewError(guard.KindSuspectedBan, err)
	case apiErr.HTTPStatusCode == 402 || apiErr.HTTPStatusCode == 403:
		return guard.NewError(guard.KindQuotaExceeded, err)
	case apiErr.HTTPStatusCode >= 500:
		return guard.NewError(guard.KindTransient, err)
	default:
		return err
	}
}
