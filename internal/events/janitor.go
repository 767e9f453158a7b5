package events

import (
	"context"
	"fmt"
	"time"

	"buildforge/internal/logging"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Purger deletes finished jobs and their events
type Purger interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JanitorConfig schedules housekeeping
type JanitorConfig struct {
	// EvictSpec is the cron spec for stream eviction
	EvictSpec string
	// Grace is how long an idle stream stays in memory
	Grace time.Duration

	// PurgeSpec is the cron spec for the retention purge
	PurgeSpec string
	// Retention is the age after which finished jobs are deleted; zero disables the purge
	Retention time.Duration
}

// DefaultJanitorConfig evicts every minute and purges nightly
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		EvictSpec: "@every 1m",
		Grace:     10 * time.Minute,
		PurgeSpec: "0 3 * * *",
	}
}

// Janitor runs periodic bus eviction and the optional retention purge
type Janitor struct {
	cron   *cron.Cron
	bus    *Bus
	purger Purger
	cfg    JanitorConfig
}

// NewJanitor registers the housekeeping jobs. purger may be nil.
func NewJanitor(bus *Bus, purger Purger, cfg JanitorConfig) (*Janitor, error) {
	j := &Janitor{
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		bus:    bus,
		purger: purger,
		cfg:    cfg,
	}

	if _, err := j.cron.AddFunc(cfg.EvictSpec, j.evict); err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", cfg.EvictSpec, err)
	}
	if purger != nil && cfg.Retention > 0 {
		if _, err := j.cron.AddFunc(cfg.PurgeSpec, j.purge); err != nil {
			return nil, fmt.Errorf("invalid purge schedule %q: %w", cfg.PurgeSpec, err)
		}
	}
	return j, nil
}

// Start runs the schedule in the background
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for running jobs
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) evict() {
	if n := j.bus.Evict(j.cfg.Grace); n > 0 {
		logging.L().Debug("evicted idle event streams", zap.Int("count", n))
	}
}

func (j *Janitor) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.cfg.Retention)
	n, err := j.purger.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		logging.L().Error("job retention purge failed", zap.Error(err))
		return
	}
	logging.L().Info("purged finished jobs", zap.Int64("count", n), zap.Time("cutoff", cutoff))
}
