package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiClient implements the Google Gemini API client
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	usage      *usageTracker
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
			Role string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient creates a new Gemini API client. baseURL may be empty.
func NewGeminiClient(apiKey, baseURL string) *GeminiClient {
	if baseURL == "" {
		baseURL = defaultGeminiURL
	}
	return &GeminiClient{
		apiKey:     cleanKey(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		usage:      newUsageTracker(ProviderGemini),
	}
}

// Generate implements Client for Gemini
func (g *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	model := ModelFor(ProviderGemini, req.Model)
	body := &geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	var resp geminiResponse
	if err := postJSON(ctx, g.httpClient, ProviderGemini, g.endpoint(model), nil, body, &resp); err != nil {
		g.usage.fail()
		return nil, err
	}

	var content strings.Builder
	if len(resp.Candidates) > 0 {
		for _, part := range resp.Candidates[0].Content.Parts {
			content.WriteString(part.Text)
		}
	}

	in, out := resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount
	cost := estimateCost(in, out, 0.0001, 0.0004)
	g.usage.record(resp.UsageMetadata.TotalTokenCount, cost, time.Since(startTime))

	return &Response{
		Provider: ProviderGemini,
		Model:    model,
		Content:  content.String(),
		Usage: &Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			Cost:             cost,
		},
		Duration:  time.Since(startTime),
		CreatedAt: time.Now(),
	}, nil
}

func (g *GeminiClient) endpoint(model string) string {
	return fmt.Sprintf("%s/%s:generateContent?key=%s", g.baseURL, model, url.QueryEscape(g.apiKey))
}

// Provider returns the provider identifier
func (g *GeminiClient) Provider() Provider { return ProviderGemini }

// Health sends a minimal prompt to verify the key
func (g *GeminiClient) Health(ctx context.Context) error {
	body := &geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: "Hello"}}}},
		GenerationConfig: &geminiGenConfig{MaxOutputTokens: 5},
	}
	var resp geminiResponse
	return postJSON(ctx, g.httpClient, ProviderGemini, g.endpoint(ModelFor(ProviderGemini, "")), nil, body, &resp)
}

// Usage returns current usage statistics
func (g *GeminiClient) Usage() *ProviderUsage { return g.usage.snapshot() }
