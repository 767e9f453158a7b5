package executor

import (
	"context"
	"sync"
	"time"

	"buildforge/internal/logging"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	cancelKeyPrefix = "buildforge:cancel:"
	cancelKeyTTL    = 24 * time.Hour
)

// CancelRegistry holds cancellation requests for running jobs. Flags live
// in memory and, when a Redis client is set, in Redis so a request made on
// one replica reaches the worker on another.
type CancelRegistry struct {
	rdb *redis.Client

	mu    sync.RWMutex
	flags map[string]struct{}
}

// NewCancelRegistry creates a registry. rdb may be nil.
func NewCancelRegistry(rdb *redis.Client) *CancelRegistry {
	return &CancelRegistry{rdb: rdb, flags: make(map[string]struct{})}
}

// Request flags jobID for cancellation
func (c *CancelRegistry) Request(ctx context.Context, jobID string) error {
	c.mu.Lock()
	c.flags[jobID] = struct{}{}
	c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Set(ctx, cancelKeyPrefix+jobID, "1", cancelKeyTTL).Err(); err != nil {
		// the local flag still covers jobs running on this replica
		logging.ForJob(jobID).Warn("failed to publish cancel flag", zap.Error(err))
	}
	return nil
}

// Requested reports whether jobID has been asked to stop
func (c *CancelRegistry) Requested(ctx context.Context, jobID string) bool {
	c.mu.RLock()
	_, ok := c.flags[jobID]
	c.mu.RUnlock()
	if ok || c.rdb == nil {
		return ok
	}

	n, err := c.rdb.Exists(ctx, cancelKeyPrefix+jobID).Result()
	if err != nil {
		logging.ForJob(jobID).Warn("failed to read cancel flag", zap.Error(err))
		return false
	}
	return n > 0
}

// Clear forgets jobID once it has finished
func (c *CancelRegistry) Clear(ctx context.Context, jobID string) {
	c.mu.Lock()
	delete(c.flags, jobID)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, cancelKeyPrefix+jobID).Err(); err != nil {
		logging.ForJob(jobID).Debug("failed to clear cancel flag", zap.Error(err))
	}
}
