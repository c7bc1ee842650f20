package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultMaxTok  = 4096
)

// Anthropic talks the Messages API directly. The system prompt rides in the
// top-level system field, not the message list.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &Anthropic{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) Invoke(ctx context.Context, systemPrompt, userPrompt string, params Params) (*Result, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTok
	}
	reqBody := anthropicRequest{
		Model:         params.Model,
		MaxTokens:     maxTokens,
		System:        systemPrompt,
		Messages:      []anthropicMessage{{Role: "user", Content: userPrompt}},
		StopSequences: params.Stop,
	}
	if params.Temperature > 0 {
		t := params.Temperature
		reqBody.Temperature = &t
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Kind: KindInvalidRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: "anthropic", Kind: KindInvalidRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, wrapCtxErr("anthropic", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Kind: KindNetwork, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Provider: "anthropic",
			Kind:     kindForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: "anthropic", Kind: KindUpstream, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &Error{Provider: "anthropic", Kind: KindUpstream, Err: fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message)}
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &Result{
		Text:      sb.String(),
		TokensIn:  parsed.Usage.InputTokens,
		TokensOut: parsed.Usage.OutputTokens,
		ModelID:   parsed.Model,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
