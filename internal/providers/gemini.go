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

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini talks the generateContent REST endpoint directly. The system prompt
// rides in system_instruction and the key is passed as a query parameter.
type Gemini struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewGemini(apiKey, baseURL string) *Gemini {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	return &Gemini{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64  `json:"temperature,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	Error        *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Gemini) Invoke(ctx context.Context, systemPrompt, userPrompt string, params Params) (*Result, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: userPrompt}}}},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	reqBody.GenerationConfig.Temperature = params.Temperature
	reqBody.GenerationConfig.MaxOutputTokens = params.MaxTokens
	reqBody.GenerationConfig.StopSequences = params.Stop

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: "gemini", Kind: KindInvalidRequest, Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, params.Model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: "gemini", Kind: KindInvalidRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, wrapCtxErr("gemini", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: "gemini", Kind: KindNetwork, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Provider: "gemini",
			Kind:     kindForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: "gemini", Kind: KindUpstream, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &Error{Provider: "gemini", Kind: KindUpstream, Err: fmt.Errorf("api error %d: %s", parsed.Error.Code, parsed.Error.Message)}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &Error{Provider: "gemini", Kind: KindUpstream, Err: fmt.Errorf("no candidates for model %s", params.Model)}
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	modelID := parsed.ModelVersion
	if modelID == "" {
		modelID = params.Model
	}
	return &Result{
		Text:      sb.String(),
		TokensIn:  parsed.UsageMetadata.PromptTokenCount,
		TokensOut: parsed.UsageMetadata.CandidatesTokenCount,
		ModelID:   modelID,
	}, nil
}
