package metrics

import (
	"context"
	"runtime"
	"time"

	"buildforge/internal/logging"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// jobStatuses are reported even when no job holds them, so gauges reset to zero
var jobStatuses = []string{"queued", "running", "success", "failed", "cancelled"}

// Collector periodically samples state that has no natural event to hang
// a metric on: stored jobs per status, the connection pool, goroutines
// and live event streams.
type Collector struct {
	db       *gorm.DB
	streams  func() int
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector. streams may be nil.
func NewCollector(db *gorm.DB, streams func() int, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		db:       db,
		streams:  streams,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection until ctx ends or Stop is called
func (c *Collector) Start(ctx context.Context) {
	go func() {
		c.Collect(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx)
			}
		}
	}()
}

// Stop ends collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one sample
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
	if c.streams != nil {
		c.metrics.StreamsActive.Set(float64(c.streams()))
	}
	c.collectJobs(ctx)
	c.collectDatabase()
}

func (c *Collector) collectJobs(ctx context.Context) {
	if c.db == nil {
		return
	}
	var rows []struct {
		Status string
		Count  int64
	}
	err := c.db.WithContext(ctx).Table("build_jobs").
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		logging.L().Warn("failed to collect job metrics", zap.Error(err))
		return
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	for _, s := range jobStatuses {
		c.metrics.JobsByStatus.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (c *Collector) collectDatabase() {
	if c.db == nil {
		return
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	c.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	c.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
