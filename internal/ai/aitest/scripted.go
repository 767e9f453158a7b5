// Package aitest provides scripted provider clients for tests.
package aitest

import (
	"context"
	"errors"
	"sync"
	"time"

	"buildforge/internal/ai"
)

// Reply is one scripted outcome. A nil Err with empty Content simulates an
// empty upstream answer.
type Reply struct {
	Content string
	Err     error
	Delay   time.Duration
}

// Client is an ai.Client that plays back replies in order. Once the script
// is exhausted the last reply repeats. Handler, when set, wins over Script.
type Client struct {
	Name    ai.Provider
	Script  []Reply
	Handler func(req *ai.Request) Reply

	mu    sync.Mutex
	calls []ai.Request
}

// New returns a client for p that answers with the given replies
func New(p ai.Provider, replies ...Reply) *Client {
	return &Client{Name: p, Script: replies}
}

// Text is shorthand for a successful reply
func Text(content string) Reply { return Reply{Content: content} }

// Fail is shorthand for an upstream failure
func Fail(msg string) Reply {
	return Reply{Err: errors.New(msg)}
}

func (c *Client) Generate(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, *req)
	c.mu.Unlock()

	var r Reply
	switch {
	case c.Handler != nil:
		r = c.Handler(req)
	case len(c.Script) == 0:
		r = Reply{Content: "ok"}
	case n < len(c.Script):
		r = c.Script[n]
	default:
		r = c.Script[len(c.Script)-1]
	}

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &ai.Response{
		Provider:  c.Name,
		Model:     ai.ModelFor(c.Name, req.Model),
		Content:   r.Content,
		Usage:     &ai.Usage{PromptTokens: len(req.Prompt) / 4, CompletionTokens: len(r.Content) / 4, TotalTokens: (len(req.Prompt) + len(r.Content)) / 4},
		CreatedAt: time.Now(),
	}, nil
}

func (c *Client) Provider() ai.Provider { return c.Name }

func (c *Client) Health(ctx context.Context) error { return nil }

func (c *Client) Usage() *ai.ProviderUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ai.ProviderUsage{Provider: c.Name, RequestCount: int64(len(c.calls))}
}

// Calls returns a copy of every request received so far
func (c *Client) Calls() []ai.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ai.Request, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of requests received
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
