package executor

import (
	"context"
	"errors"

	"buildforge/internal/jobs"
	"buildforge/internal/logging"

	"go.uber.org/zap"
)

const interruptedMessage = "build interrupted by a server restart"

// Recover settles jobs left behind by a previous process. Running jobs
// lost their worker and are failed; queued jobs go back on the queue.
func (s *Service) Recover(ctx context.Context) error {
	running, err := s.store.ListByStatus(ctx, jobs.StatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		if err := s.store.Fail(ctx, job.ID, interruptedMessage); err != nil {
			if !errors.Is(err, jobs.ErrTerminal) {
				logging.ForJob(job.ID).Error("failed to fail orphaned job", zap.Error(err))
			}
			continue
		}
		s.appendTerminal(ctx, job.ID, jobs.StatusFailed, interruptedMessage, job.Progress)
		logging.ForJob(job.ID).Warn("failed orphaned running job")
	}

	queued, err := s.store.ListByStatus(ctx, jobs.StatusQueued)
	if err != nil {
		return err
	}
	requeued := 0
	for _, job := range queued {
		if err := s.pool.Submit(job.ID); err != nil {
			// the rest wait for the next restart
			logging.L().Warn("queue full during recovery", zap.Int("left_queued", len(queued)-requeued))
			break
		}
		requeued++
	}

	if len(running) > 0 || requeued > 0 {
		logging.L().Info("recovered jobs",
			zap.Int("failed_running", len(running)),
			zap.Int("requeued", requeued),
		)
	}
	return nil
}
