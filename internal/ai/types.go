package ai

import (
	"context"
	"time"
)

// Provider names an upstream text-generation backend
type Provider string

const (
	ProviderAuto   Provider = "auto"
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderGrok   Provider = "grok"
)

// KnownProviders lists every concrete provider in default preference order.
var KnownProviders = []Provider{ProviderOpenAI, ProviderClaude, ProviderGemini, ProviderGrok}

// ParseProvider maps a caller-supplied name to a Provider. Empty means auto.
func ParseProvider(name string) (Provider, bool) {
	switch Provider(name) {
	case "", ProviderAuto:
		return ProviderAuto, true
	case ProviderClaude, ProviderOpenAI, ProviderGemini, ProviderGrok:
		return Provider(name), true
	case "gpt4", "gpt-4o", "chatgpt":
		return ProviderOpenAI, true
	}
	return "", false
}

// Options tunes a single Generate call
type Options struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`

	// Prefer puts these providers ahead of the configured order when the
	// gateway resolves "auto". Ignored for a pinned provider.
	Prefer []Provider `json:"-"`

	// Attribution for the usage record
	UserID uint   `json:"user_id,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

// Request is what a concrete client receives from the gateway
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Response represents a response from an AI provider
type Response struct {
	Provider  Provider      `json:"provider"`
	Model     string        `json:"model"`
	Content   string        `json:"content"`
	Usage     *Usage        `json:"usage,omitempty"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	CreatedAt time.Time     `json:"created_at"`
}

// Usage represents token/cost usage for an AI request
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Client is implemented by every concrete provider
type Client interface {
	// Generate issues one completion call
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Provider returns the provider identifier
	Provider() Provider

	// Health checks if the provider is reachable with the configured key
	Health(ctx context.Context) error

	// Usage returns usage statistics
	Usage() *ProviderUsage
}

// ProviderUsage tracks usage statistics for a provider
type ProviderUsage struct {
	Provider     Provider  `json:"provider"`
	RequestCount int64     `json:"request_count"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCost    float64   `json:"total_cost"`
	AvgLatency   float64   `json:"avg_latency"`
	ErrorCount   int64     `json:"error_count"`
	LastUsed     time.Time `json:"last_used"`
}

// UsageEvent is one provider call as seen by usage accounting
type UsageEvent struct {
	UserID           uint
	JobID            string
	Provider         Provider
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Latency          time.Duration
	Success          bool
	Error            string
}

// UsageRecorder is the usage-accounting collaborator
type UsageRecorder interface {
	RecordAIUsage(ctx context.Context, ev UsageEvent) error
}

// UsageRecorderFunc adapts a function to UsageRecorder
type UsageRecorderFunc func(ctx context.Context, ev UsageEvent) error

func (f UsageRecorderFunc) RecordAIUsage(ctx context.Context, ev UsageEvent) error {
	return f(ctx, ev)
}

// GatewayConfig configures provider resolution and call limits
type GatewayConfig struct {
	// Preference is the ordered candidate list used to resolve "auto"
	Preference []Provider

	// Timeout bounds each individual provider call
	Timeout time.Duration

	// RateLimits in requests per minute, per provider
	RateLimits map[Provider]int
}

// DefaultGatewayConfig returns the stock routing configuration
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Preference: append([]Provider(nil), KnownProviders...),
		Timeout:    180 * time.Second,
		RateLimits: map[Provider]int{
			ProviderClaude: 100,
			ProviderOpenAI: 80,
			ProviderGemini: 120,
			ProviderGrok:   100,
		},
	}
}
