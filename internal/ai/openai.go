package ai

import (
	"context"
	"net/http"
	"time"
)

const (
	defaultOpenAIURL = "https://api.openai.com/v1/chat/completions"
	defaultGrokURL   = "https://api.x.ai/v1/chat/completions"
)

// OpenAIClient speaks the OpenAI chat-completions wire format. The same
// client serves xAI Grok, which exposes a compatible endpoint.
type OpenAIClient struct {
	provider   Provider
	apiKey     string
	baseURL    string
	httpClient *http.Client
	usage      *usageTracker

	inPer1K, outPer1K float64
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient creates a new OpenAI API client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	return &OpenAIClient{
		provider:   ProviderOpenAI,
		apiKey:     cleanKey(apiKey),
		baseURL:    baseURL,
		httpClient: &http.Client{},
		usage:      newUsageTracker(ProviderOpenAI),
		inPer1K:    0.0025,
		outPer1K:   0.01,
	}
}

// NewGrokClient creates an xAI Grok client. baseURL may be empty.
func NewGrokClient(apiKey, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultGrokURL
	}
	return &OpenAIClient{
		provider:   ProviderGrok,
		apiKey:     cleanKey(apiKey),
		baseURL:    baseURL,
		httpClient: &http.Client{},
		usage:      newUsageTracker(ProviderGrok),
		inPer1K:    0.002,
		outPer1K:   0.01,
	}
}

// Generate implements Client
func (o *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	model := ModelFor(o.provider, req.Model)
	body := &openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var resp openAIResponse
	if err := postJSON(ctx, o.httpClient, o.provider, o.baseURL, o.headers(), body, &resp); err != nil {
		o.usage.fail()
		return nil, err
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	cost := estimateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, o.inPer1K, o.outPer1K)
	o.usage.record(resp.Usage.TotalTokens, cost, time.Since(startTime))

	if resp.Model != "" {
		model = resp.Model
	}
	return &Response{
		Provider: o.provider,
		Model:    model,
		Content:  content,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Cost:             cost,
		},
		Duration:  time.Since(startTime),
		CreatedAt: time.Now(),
	}, nil
}

func (o *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

// Provider returns the provider identifier
func (o *OpenAIClient) Provider() Provider { return o.provider }

// Health sends a minimal completion to verify the key
func (o *OpenAIClient) Health(ctx context.Context) error {
	body := &openAIRequest{
		Model:     ModelFor(o.provider, ""),
		Messages:  []openAIMessage{{Role: "user", Content: "Hello"}},
		MaxTokens: 5,
	}
	var resp openAIResponse
	return postJSON(ctx, o.httpClient, o.provider, o.baseURL, o.headers(), body, &resp)
}

// Usage returns current usage statistics
func (o *OpenAIClient) Usage() *ProviderUsage { return o.usage.snapshot() }
