package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Gateway is the uniform entry point to every configured provider. It
// resolves "auto", enforces per-call timeouts and rate limits, validates
// responses and reports usage.
type Gateway struct {
	clients  map[Provider]Client
	cfg      GatewayConfig
	limiters map[Provider]*rate.Limiter
	recorder UsageRecorder

	mu     sync.RWMutex
	health map[Provider]bool
}

// NewGateway builds a gateway over the given clients. Clients with a
// duplicate provider replace earlier ones.
func NewGateway(cfg GatewayConfig, clients ...Client) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGatewayConfig().Timeout
	}
	if len(cfg.Preference) == 0 {
		cfg.Preference = append([]Provider(nil), KnownProviders...)
	}

	g := &Gateway{
		clients:  make(map[Provider]Client),
		cfg:      cfg,
		limiters: make(map[Provider]*rate.Limiter),
		health:   make(map[Provider]bool),
	}
	for _, c := range clients {
		if c == nil {
			continue
		}
		p := c.Provider()
		g.clients[p] = c
		if rpm := cfg.RateLimits[p]; rpm > 0 {
			burst := rpm / 10
			if burst < 1 {
				burst = 1
			}
			g.limiters[p] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		}
	}
	return g
}

// SetUsageRecorder installs the usage-accounting hook
func (g *Gateway) SetUsageRecorder(r UsageRecorder) {
	g.recorder = r
}

// Has reports whether p can be served. "auto" is servable when any provider is configured.
func (g *Gateway) Has(p Provider) bool {
	if p == ProviderAuto {
		return len(g.clients) > 0
	}
	_, ok := g.clients[p]
	return ok
}

// Providers returns configured providers in preference order
func (g *Gateway) Providers() []Provider {
	return OrderCandidates(g.cfg.Preference, g.Has, func(Provider) bool { return true })
}

// HealthStatus returns the last observed health of each configured provider
func (g *Gateway) HealthStatus() map[Provider]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	status := make(map[Provider]bool, len(g.clients))
	for p := range g.clients {
		status[p] = g.isHealthyLocked(p)
	}
	return status
}

// ProviderUsage returns usage statistics for all providers
func (g *Gateway) ProviderUsage() map[Provider]*ProviderUsage {
	usage := make(map[Provider]*ProviderUsage, len(g.clients))
	for p, c := range g.clients {
		usage[p] = c.Usage()
	}
	return usage
}

// Generate sends prompt to provider. For ProviderAuto the gateway picks
// the best candidate and, if that attempt fails, retries exactly once on
// the next different candidate. opts.Prefer ranks ahead of the configured
// preference. A pinned provider is never retried.
func (g *Gateway) Generate(ctx context.Context, provider Provider, prompt string, opts Options) (*Response, error) {
	if provider == "" {
		provider = ProviderAuto
	}

	if provider != ProviderAuto {
		if !g.Has(provider) {
			return nil, NoCredential(provider)
		}
		resp, err := g.call(ctx, provider, prompt, opts)
		if err != nil {
			return nil, err
		}
		resp.Attempts = 1
		return resp, nil
	}

	candidates := g.candidates(opts.Prefer)
	if len(candidates) == 0 {
		return nil, ErrNoProviders
	}

	first := candidates[0]
	resp, err := g.call(ctx, first, prompt, opts)
	if err == nil {
		resp.Attempts = 1
		return resp, nil
	}

	var pe *ProviderError
	if len(candidates) < 2 || ctx.Err() != nil || (errors.As(err, &pe) && !pe.Retryable()) {
		return nil, err
	}

	second := candidates[1]
	logging.L().Warn("provider failed, retrying on fallback",
		zap.String("from", string(first)),
		zap.String("to", string(second)),
		zap.Error(err),
	)
	metrics.Get().RecordAIFallback(string(first), string(second), string(KindOf(err)))

	resp, retryErr := g.call(ctx, second, prompt, opts)
	if retryErr != nil {
		return nil, retryErr
	}
	resp.Attempts = 2
	return resp, nil
}

// candidates orders configured providers for "auto"
func (g *Gateway) candidates(prefer []Provider) []Provider {
	preference := g.cfg.Preference
	if len(prefer) > 0 {
		preference = append(append(make([]Provider, 0, len(prefer)+len(preference)), prefer...), preference...)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return OrderCandidates(preference, g.Has, g.isHealthyLocked)
}

// OrderCandidates is the deterministic "auto" resolution: configured
// providers in preference order, healthy ones first. Configured providers
// missing from the preference list are appended in KnownProviders order.
func OrderCandidates(preference []Provider, configured, healthy func(Provider) bool) []Provider {
	seen := make(map[Provider]bool)
	ordered := make([]Provider, 0, len(preference))
	add := func(p Provider) {
		if p == ProviderAuto || seen[p] || !configured(p) {
			return
		}
		seen[p] = true
		ordered = append(ordered, p)
	}
	for _, p := range preference {
		add(p)
	}
	for _, p := range KnownProviders {
		add(p)
	}

	healthyFirst := make([]Provider, 0, len(ordered))
	var unhealthy []Provider
	for _, p := range ordered {
		if healthy(p) {
			healthyFirst = append(healthyFirst, p)
		} else {
			unhealthy = append(unhealthy, p)
		}
	}
	return append(healthyFirst, unhealthy...)
}

// call performs one bounded attempt against p
func (g *Gateway) call(ctx context.Context, p Provider, prompt string, opts Options) (*Response, error) {
	client := g.clients[p]
	model := ModelFor(p, opts.Model)

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	m := metrics.Get()
	m.AIRequestsInFlight.WithLabelValues(string(p)).Inc()
	defer m.AIRequestsInFlight.WithLabelValues(string(p)).Dec()

	start := time.Now()
	resp, err := g.attempt(callCtx, client, p, prompt, opts)
	latency := time.Since(start)

	ev := UsageEvent{
		UserID:   opts.UserID,
		JobID:    opts.JobID,
		Provider: p,
		Model:    model,
		Latency:  latency,
		Success:  err == nil,
	}
	status := "success"
	if err != nil {
		status = "error"
		ev.Error = err.Error()
		m.RecordAIRequest(string(p), model, status, latency, 0, 0, 0)
	} else {
		if resp.Model != "" {
			ev.Model = resp.Model
		}
		if resp.Usage != nil {
			ev.PromptTokens = resp.Usage.PromptTokens
			ev.CompletionTokens = resp.Usage.CompletionTokens
			ev.Cost = resp.Usage.Cost
		}
		m.RecordAIRequest(string(p), ev.Model, status, latency, ev.PromptTokens, ev.CompletionTokens, ev.Cost)
	}

	g.setHealth(p, err)
	g.recordUsage(ctx, ev)

	if err != nil {
		return nil, err
	}
	resp.Provider = p
	resp.Duration = latency
	return resp, nil
}

func (g *Gateway) attempt(ctx context.Context, client Client, p Provider, prompt string, opts Options) (*Response, error) {
	if limiter, ok := g.limiters[p]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &ProviderError{Provider: p, Kind: KindRateLimited, Message: "rate limit wait aborted", Err: err}
		}
	}

	resp, err := client.Generate(ctx, &Request{
		Prompt:      prompt,
		System:      opts.System,
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			var pe *ProviderError
			if !errors.As(err, &pe) || pe.Kind != KindTimeout {
				return nil, &ProviderError{Provider: p, Kind: KindTimeout, Message: "request timed out after " + g.cfg.Timeout.String(), Err: err}
			}
		}
		var pe *ProviderError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ProviderError{Provider: p, Kind: KindTransport, Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, &ProviderError{Provider: p, Kind: KindInvalidResponse, Message: "empty response"}
	}
	return resp, nil
}

func (g *Gateway) recordUsage(ctx context.Context, ev UsageEvent) {
	if g.recorder == nil {
		return
	}
	// Accounting must outlive a cancelled job context.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.recorder.RecordAIUsage(recCtx, ev); err != nil {
		logging.L().Warn("failed to record AI usage",
			zap.String("provider", string(ev.Provider)),
			zap.String("job_id", ev.JobID),
			zap.Error(err),
		)
	}
}

func (g *Gateway) setHealth(p Provider, err error) {
	healthy := true
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			switch pe.Kind {
			case KindTimeout, KindTransport:
				healthy = false
			case KindUpstreamStatus:
				healthy = pe.StatusCode < 500 && pe.StatusCode != 429
			}
		}
	}

	g.markHealth(p, healthy)
}

func (g *Gateway) markHealth(p Provider, healthy bool) {
	g.mu.Lock()
	g.health[p] = healthy
	g.mu.Unlock()
	metrics.Get().SetAIProviderHealth(string(p), healthy)
}

// isHealthyLocked treats providers with no observation yet as healthy
func (g *Gateway) isHealthyLocked(p Provider) bool {
	h, ok := g.health[p]
	return !ok || h
}

// StartHealthMonitor probes every provider on interval until ctx ends
func (g *Gateway) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		g.performHealthChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.performHealthChecks(ctx)
			}
		}
	}()
}

func (g *Gateway) performHealthChecks(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for p, c := range g.clients {
		wg.Add(1)
		go func(p Provider, c Client) {
			defer wg.Done()
			err := c.Health(checkCtx)
			if err != nil {
				logging.L().Warn("provider health check failed", zap.String("provider", string(p)), zap.Error(err))
			}
			g.markHealth(p, err == nil)
		}(p, c)
	}
	wg.Wait()
}
