// Package usage records every AI provider call and summarizes spend per user.
package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"buildforge/internal/ai"

	"gorm.io/gorm"
)

// AIUsage is one provider attempt as seen by the gateway
type AIUsage struct {
	ID               uint      `json:"id" gorm:"primarykey"`
	UserID           uint      `json:"user_id" gorm:"not null;default:0;index:idx_ai_usage_user_created,priority:1"`
	JobID            string    `json:"job_id,omitempty" gorm:"size:36;index"`
	Provider         string    `json:"provider" gorm:"size:32;not null;index"`
	Model            string    `json:"model" gorm:"size:100"`
	PromptTokens     int       `json:"prompt_tokens" gorm:"not null;default:0"`
	CompletionTokens int       `json:"completion_tokens" gorm:"not null;default:0"`
	Cost             float64   `json:"cost" gorm:"not null;default:0"`
	LatencyMS        int64     `json:"latency_ms" gorm:"column:latency_ms;not null;default:0"`
	Success          bool      `json:"success" gorm:"not null"`
	Error            string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at" gorm:"index:idx_ai_usage_user_created,priority:2"`
}

func (AIUsage) TableName() string { return "ai_usage" }

// ProviderSummary totals usage for one provider
type ProviderSummary struct {
	Provider         string  `json:"provider"`
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
	AvgLatencyMS     int64   `json:"avg_latency_ms"`
}

// Summary is a user's AI usage since PeriodStart
type Summary struct {
	UserID           uint              `json:"user_id"`
	PeriodStart      time.Time         `json:"period_start"`
	Requests         int64             `json:"requests"`
	Failures         int64             `json:"failures"`
	PromptTokens     int64             `json:"prompt_tokens"`
	CompletionTokens int64             `json:"completion_tokens"`
	Cost             float64           `json:"cost"`
	Providers        []ProviderSummary `json:"providers"`
	CachedAt         time.Time         `json:"cached_at"`
}

// Tracker persists usage records and serves cached summaries
type Tracker struct {
	db  *gorm.DB
	now func() time.Time

	mu            sync.RWMutex
	localCache    map[uint]*cachedSummary
	localCacheTTL time.Duration
}

type cachedSummary struct {
	summary   *Summary
	expiresAt time.Time
}

// NewTracker creates a tracker over db
func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{
		db:            db,
		now:           time.Now,
		localCache:    make(map[uint]*cachedSummary),
		localCacheTTL: 30 * time.Second,
	}
}

// Migrate creates the usage table for drivers without SQL migrations
func (t *Tracker) Migrate() error {
	return t.db.AutoMigrate(&AIUsage{})
}

// RecordAIUsage implements ai.UsageRecorder
func (t *Tracker) RecordAIUsage(ctx context.Context, ev ai.UsageEvent) error {
	rec := &AIUsage{
		UserID:           ev.UserID,
		JobID:            ev.JobID,
		Provider:         string(ev.Provider),
		Model:            ev.Model,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		Cost:             ev.Cost,
		LatencyMS:        ev.Latency.Milliseconds(),
		Success:          ev.Success,
		Error:            ev.Error,
		CreatedAt:        t.now().UTC(),
	}
	if err := t.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record AI usage: %w", err)
	}
	t.invalidate(ev.UserID)
	return nil
}

// Summary returns the user's usage for the current calendar month
func (t *Tracker) Summary(ctx context.Context, userID uint) (*Summary, error) {
	now := t.now()

	t.mu.RLock()
	cached, ok := t.localCache[userID]
	t.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.summary, nil
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	s, err := t.SummarySince(ctx, userID, start)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.localCache[userID] = &cachedSummary{summary: s, expiresAt: now.Add(t.localCacheTTL)}
	t.mu.Unlock()
	return s, nil
}

type providerRow struct {
	Provider         string
	Requests         int64
	Failures         int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	Latency          int64
}

// SummarySince aggregates the user's usage recorded at or after since
func (t *Tracker) SummarySince(ctx context.Context, userID uint, since time.Time) (*Summary, error) {
	var rows []providerRow
	err := t.db.WithContext(ctx).Model(&AIUsage{}).
		Select(`provider,
			COUNT(*) AS requests,
			SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failures,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(cost), 0) AS cost,
			COALESCE(SUM(latency_ms), 0) AS latency`).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Group("provider").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	s := &Summary{UserID: userID, PeriodStart: since.UTC(), CachedAt: t.now().UTC(), Providers: []ProviderSummary{}}
	for _, r := range rows {
		ps := ProviderSummary{
			Provider:         r.Provider,
			Requests:         r.Requests,
			Failures:         r.Failures,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			Cost:             r.Cost,
		}
		if r.Requests > 0 {
			ps.AvgLatencyMS = r.Latency / r.Requests
		}
		s.Providers = append(s.Providers, ps)
		s.Requests += r.Requests
		s.Failures += r.Failures
		s.PromptTokens += r.PromptTokens
		s.CompletionTokens += r.CompletionTokens
		s.Cost += r.Cost
	}
	sort.Slice(s.Providers, func(i, j int) bool { return s.Providers[i].Provider < s.Providers[j].Provider })
	return s, nil
}

// JobUsage returns every provider attempt made for a job, oldest first
func (t *Tracker) JobUsage(ctx context.Context, jobID string) ([]AIUsage, error) {
	var out []AIUsage
	err := t.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC").Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load job usage: %w", err)
	}
	return out, nil
}

func (t *Tracker) invalidate(userID uint) {
	t.mu.Lock()
	delete(t.localCache, userID)
	t.mu.Unlock()
}
