package ai

import (
	"context"
	"net/http"
	"time"
)

const defaultClaudeURL = "https://api.anthropic.com/v1/messages"

// ClaudeClient implements the Claude/Anthropic API client
type ClaudeClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	usage      *usageTracker
}

// Claude API request/response structures
type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	System      string          `json:"system,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeClient creates a new Claude API client. baseURL may be empty.
func NewClaudeClient(apiKey, baseURL string) *ClaudeClient {
	if baseURL == "" {
		baseURL = defaultClaudeURL
	}
	return &ClaudeClient{
		apiKey:     cleanKey(apiKey),
		baseURL:    baseURL,
		httpClient: &http.Client{},
		usage:      newUsageTracker(ProviderClaude),
	}
}

// Generate implements Client for Claude
func (c *ClaudeClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	model := ModelFor(ProviderClaude, req.Model)
	body := &claudeRequest{
		Model:       model,
		MaxTokens:   maxTokensOr(req.MaxTokens, 8192),
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		System:      req.System,
	}

	var resp claudeResponse
	if err := postJSON(ctx, c.httpClient, ProviderClaude, c.baseURL, c.headers(), body, &resp); err != nil {
		c.usage.fail()
		return nil, err
	}

	content := ""
	for _, part := range resp.Content {
		if part.Type == "text" {
			content += part.Text
		}
	}

	cost := estimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens, 0.003, 0.015)
	c.usage.record(resp.Usage.InputTokens+resp.Usage.OutputTokens, cost, time.Since(startTime))

	if resp.Model != "" {
		model = resp.Model
	}
	return &Response{
		Provider: ProviderClaude,
		Model:    model,
		Content:  content,
		Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			Cost:             cost,
		},
		Duration:  time.Since(startTime),
		CreatedAt: time.Now(),
	}, nil
}

func (c *ClaudeClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

// Provider returns the provider identifier
func (c *ClaudeClient) Provider() Provider { return ProviderClaude }

// Health sends a minimal message to verify the key
func (c *ClaudeClient) Health(ctx context.Context) error {
	body := &claudeRequest{
		Model:     "claude-3-5-haiku-20241022",
		MaxTokens: 5,
		Messages:  []claudeMessage{{Role: "user", Content: "Hello"}},
	}
	var resp claudeResponse
	return postJSON(ctx, c.httpClient, ProviderClaude, c.baseURL, c.headers(), body, &resp)
}

// Usage returns current usage statistics
func (c *ClaudeClient) Usage() *ProviderUsage { return c.usage.snapshot() }

func maxTokensOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
