package providers

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatible serves every provider speaking the OpenAI chat completions
// dialect. DeepSeek is wired through this adapter with its own base URL.
type OpenAICompatible struct {
	name   string
	client *openai.Client
}

// NewOpenAI builds an adapter against api.openai.com.
func NewOpenAI(apiKey string) *OpenAICompatible {
	return NewOpenAICompatible("openai", apiKey, "")
}

// NewDeepSeek builds an adapter against the DeepSeek endpoint.
func NewDeepSeek(apiKey, baseURL string) *OpenAICompatible {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	return NewOpenAICompatible("deepseek", apiKey, baseURL)
}

// NewOpenAICompatible builds an adapter for any OpenAI-dialect endpoint.
func NewOpenAICompatible(name, apiKey, baseURL string) *OpenAICompatible {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatible{name: name, client: openai.NewClientWithConfig(cfg)}
}

func (a *OpenAICompatible) Name() string { return a.name }

func (a *OpenAICompatible) Invoke(ctx context.Context, systemPrompt, userPrompt string, params Params) (*Result, error) {
	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Temperature: float32(params.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapCtxErr(a.name, ctx.Err())
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &Error{
				Provider: a.name,
				Kind:     kindForStatus(apiErr.HTTPStatusCode),
				Status:   apiErr.HTTPStatusCode,
				Err:      err,
			}
		}
		return nil, &Error{Provider: a.name, Kind: KindNetwork, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: a.name, Kind: KindUpstream, Err: fmt.Errorf("empty choices for model %s", params.Model)}
	}

	return &Result{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		ModelID:   resp.Model,
	}, nil
}
