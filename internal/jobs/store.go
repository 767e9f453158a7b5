package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store is the authoritative job and event state. Every status change is a
// conditional UPDATE guarded by the source state, so concurrent writers
// cannot both win a transition.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// AutoMigrate creates the job tables for drivers without SQL migrations
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Job{}, &Event{})
}

// Create inserts a queued job, assigning an id when missing
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Provider == "" {
		job.Provider = "auto"
	}
	job.Status = StatusQueued
	job.Progress = 0
	job.CreatedAt = s.now()
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get returns the current job snapshot
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// ListByProject returns the most recent jobs of a project, newest first
func (s *Store) ListByProject(ctx context.Context, projectID uint, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var out []Job
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return out, nil
}

// ListByStatus returns jobs in status, oldest first
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Job, error) {
	var out []Job
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	return out, nil
}

// Claim moves a queued job to running. Only one caller can succeed.
func (s *Store) Claim(ctx context.Context, id string) (*Job, error) {
	now := s.now()
	ok, err := s.transition(ctx, id, StatusRunning, map[string]interface{}{
		"status":     StatusRunning,
		"started_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotClaimable
	}
	return s.Get(ctx, id)
}

// Annotate records the classifier verdict on a non-terminal job
func (s *Store) Annotate(ctx context.Context, id string, mode Mode, agent, complexity string) error {
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, []Status{StatusQueued, StatusRunning}).
		Updates(map[string]interface{}{"mode": mode, "agent": agent, "complexity": complexity}).Error
	if err != nil {
		return fmt.Errorf("failed to annotate job: %w", err)
	}
	return nil
}

// SetProgress raises the progress of a running job. Lower values are ignored.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	if progress > 100 {
		progress = 100
	}
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND progress < ?", id, StatusRunning, progress).
		Update("progress", progress).Error
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// Complete marks a running job successful with its artifact
func (s *Store) Complete(ctx context.Context, id string, artifact *Artifact) error {
	if artifact == nil {
		artifact = &Artifact{}
	}
	return s.finish(ctx, id, StatusSuccess, map[string]interface{}{
		"status":      StatusSuccess,
		"progress":    100,
		"artifact":    artifact,
		"finished_at": s.now(),
	})
}

// Fail marks a queued or running job failed with msg
func (s *Store) Fail(ctx context.Context, id string, msg string) error {
	return s.finish(ctx, id, StatusFailed, map[string]interface{}{
		"status":      StatusFailed,
		"error":       msg,
		"finished_at": s.now(),
	})
}

// Cancel marks a job cancelled if it is currently in from. partial, when
// set, keeps the work done so far without turning it into an artifact.
func (s *Store) Cancel(ctx context.Context, id string, from Status, partial *Artifact) error {
	updates := map[string]interface{}{
		"status":      StatusCancelled,
		"finished_at": s.now(),
	}
	if partial != nil {
		updates["partial_artifact"] = partial
	}
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missOrTerminal(ctx, id)
	}
	return nil
}

func (s *Store) finish(ctx context.Context, id string, to Status, updates map[string]interface{}) error {
	ok, err := s.transition(ctx, id, to, updates)
	if err != nil {
		return err
	}
	if !ok {
		return s.missOrTerminal(ctx, id)
	}
	return nil
}

// transition applies updates only when the job is in a legal source state
// for to. It reports whether a row changed.
func (s *Store) transition(ctx context.Context, id string, to Status, updates map[string]interface{}) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, sourcesOf(to)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to move job to %s: %w", to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) missOrTerminal(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("job %s is %s", id, job.Status)
}

// AppendEvent persists one event. The caller owns seq assignment.
func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns the events of a job with seq > afterSeq, in order
func (s *Store) Events(ctx context.Context, jobID string, afterSeq int64) ([]Event, error) {
	var out []Event
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND seq > ?", jobID, afterSeq).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return out, nil
}

// RecentEvents returns the last n events of a job, in order
func (s *Store) RecentEvents(ctx context.Context, jobID string, n int) ([]Event, error) {
	var out []Event
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastEvent returns the newest event of a job, or nil when there is none
func (s *Store) LastEvent(ctx context.Context, jobID string) (*Event, error) {
	events, err := s.RecentEvents(ctx, jobID, 1)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

// PurgeFinishedBefore deletes terminal jobs finished before cutoff along
// with their events.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&Job{}).Select("id").
			Where("finished_at IS NOT NULL AND finished_at < ?", cutoff)
		if err := tx.Where("job_id IN (?)", old).Delete(&Event{}).Error; err != nil {
			return err
		}
		res := tx.Where("finished_at IS NOT NULL AND finished_at < ?", cutoff).Delete(&Job{})
		if res.Error != nil {
			return res.Error
		}
		purged = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return purged, nil
}
