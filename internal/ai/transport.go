package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxErrorBody = 512

// postJSON sends body to url and decodes a 2xx response into out.
// Non-2xx statuses and transport failures come back as *ProviderError.
func postJSON(ctx context.Context, hc *http.Client, p Provider, url string, headers map[string]string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: p, Kind: KindTransport, Message: "failed to marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return &ProviderError{Provider: p, Kind: KindTransport, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ProviderError{Provider: p, Kind: KindTimeout, Message: "request timed out", Err: err}
		}
		return &ProviderError{Provider: p, Kind: KindTransport, Message: "failed to make request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ProviderError{Provider: p, Kind: KindTimeout, Message: "request timed out", Err: err}
		}
		return &ProviderError{Provider: p, Kind: KindTransport, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(p, resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &ProviderError{Provider: p, Kind: KindInvalidResponse, Message: "failed to unmarshal response", Err: err}
	}
	return nil
}

func statusError(p Provider, status int, body []byte) *ProviderError {
	pe := &ProviderError{Provider: p, Kind: KindUpstreamStatus, StatusCode: status}
	switch status {
	case http.StatusTooManyRequests:
		pe.Message = "RATE_LIMIT: rate limit exceeded"
	case http.StatusUnauthorized:
		pe.Message = "UNAUTHORIZED: invalid API key"
	case http.StatusForbidden:
		pe.Message = "FORBIDDEN: access denied, check API key permissions"
	case http.StatusPaymentRequired:
		pe.Message = "QUOTA_EXCEEDED: quota exhausted"
	case 500, 502, 503, 504, 529:
		pe.Message = "SERVICE_ERROR: service temporarily unavailable"
	default:
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		pe.Message = fmt.Sprintf("API_ERROR: %s", snippet)
	}
	return pe
}

// keyVars are the variable names config reads provider keys from. A key
// pasted together with its assignment still carries one of them.
var keyVars = []string{
	"ANTHROPIC_API_KEY", "CLAUDE_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY", "GOOGLE_AI_API_KEY",
	"XAI_API_KEY",
}

// cleanKey reduces a configured key to the bare token sent upstream
func cleanKey(raw string) string {
	key := strings.TrimSpace(raw)
	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	for _, name := range keyVars {
		if rest, ok := strings.CutPrefix(key, name+"="); ok {
			key = rest
			break
		}
	}

	key = strings.Trim(strings.TrimSpace(key), `"'`)
	if len(key) >= len("bearer ") && strings.EqualFold(key[:len("bearer ")], "bearer ") {
		key = key[len("bearer "):]
	}
	key = strings.NewReplacer(`\r`, "", `\n`, "", `\t`, "").Replace(key)

	// header values only take visible ASCII
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		if c := key[i]; c > ' ' && c < 0x7f {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// usageTracker keeps per-client counters (thread-safe)
type usageTracker struct {
	mu    sync.RWMutex
	usage ProviderUsage
}

func newUsageTracker(p Provider) *usageTracker {
	return &usageTracker{usage: ProviderUsage{Provider: p, LastUsed: time.Now()}}
}

func (t *usageTracker) record(totalTokens int, cost float64, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.usage.RequestCount++
	t.usage.TotalTokens += int64(totalTokens)
	t.usage.TotalCost += cost
	t.usage.AvgLatency = (t.usage.AvgLatency*float64(t.usage.RequestCount-1) + duration.Seconds()) / float64(t.usage.RequestCount)
	t.usage.LastUsed = time.Now()
}

func (t *usageTracker) fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.ErrorCount++
}

func (t *usageTracker) snapshot() *ProviderUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u := t.usage
	return &u
}

// estimateCost prices tokens at per-1K input/output rates
func estimateCost(inputTokens, outputTokens int, inPer1K, outPer1K float64) float64 {
	return float64(inputTokens)/1000.0*inPer1K + float64(outputTokens)/1000.0*outPer1K
}
