// Package executor runs build jobs: it claims queued jobs, drives the
// provider gateway and reports every step through the event bus.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildforge/internal/ai"
	"buildforge/internal/events"
	"buildforge/internal/jobs"
	"buildforge/internal/logging"
	"buildforge/internal/routing"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull means the worker queue cannot take another job
	ErrQueueFull = errors.New("build queue is full")
	// ErrEmptyPrompt rejects a build request without a prompt
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrInvalidProvider rejects an unknown provider name
	ErrInvalidProvider = errors.New("unknown AI provider")
	// ErrInvalidMode rejects a mode other than single or auto
	ErrInvalidMode = errors.New("mode must be single or auto")
)

// Generator is the slice of the provider gateway the executor needs
type Generator interface {
	Generate(ctx context.Context, provider ai.Provider, prompt string, opts ai.Options) (*ai.Response, error)
	Has(p ai.Provider) bool
}

// ProjectStore gives builds access to the code already saved on a project
type ProjectStore interface {
	ProjectCode(ctx context.Context, projectID uint) (string, error)
	SaveCode(ctx context.Context, projectID uint, code string) error
}

// Packager publishes a finished artifact and returns where to download it
type Packager interface {
	Package(ctx context.Context, job *jobs.Job, artifact *jobs.Artifact) (string, error)
}

// Config tunes the executor
type Config struct {
	Workers       int
	QueueSize     int
	PreviewLength int
	MaxSteps      int
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     100,
		PreviewLength: 500,
		MaxSteps:      10,
	}
}

// Deps are the collaborators of a Service. Store, Bus and Gateway are
// required; the rest fall back to local defaults when nil.
type Deps struct {
	Store    *jobs.Store
	Bus      *events.Bus
	Gateway  Generator
	Rules    *routing.RuleSet
	Projects ProjectStore
	Packager Packager
	Cancels  *CancelRegistry
}

// BuildRequest is a client's request to start a build
type BuildRequest struct {
	ProjectID uint
	UserID    uint
	Prompt    string
	Provider  string
	Mode      string
}

// Service owns job submission, execution and cancellation
type Service struct {
	store    *jobs.Store
	bus      *events.Bus
	gateway  Generator
	rules    *routing.RuleSet
	projects ProjectStore
	packager Packager
	cancels  *CancelRegistry
	pool     *Pool
	cfg      Config
}

// NewService wires a Service. The worker pool is created but not started.
func NewService(d Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = def.PreviewLength
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}

	s := &Service{
		store:    d.Store,
		bus:      d.Bus,
		gateway:  d.Gateway,
		rules:    d.Rules,
		projects: d.Projects,
		packager: d.Packager,
		cancels:  d.Cancels,
		cfg:      cfg,
	}
	if s.rules == nil {
		s.rules = routing.NewRuleSet(nil)
	}
	if s.packager == nil {
		s.packager = APIPackager{}
	}
	if s.cancels == nil {
		s.cancels = NewCancelRegistry(nil)
	}
	s.pool = NewPool(cfg.Workers, cfg.QueueSize, s.Execute)
	return s
}

// Start launches the workers and re-enqueues work left over from a
// previous process.
func (s *Service) Start(ctx context.Context) error {
	s.pool.Start(ctx)
	return s.Recover(ctx)
}

// Stop stops accepting jobs and waits for the workers to drain
func (s *Service) Stop() {
	s.pool.Stop()
}

// Submit validates req, stores a queued job and hands it to the pool
func (s *Service) Submit(ctx context.Context, req BuildRequest) (*jobs.Job, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	provider, ok := ai.ParseProvider(strings.ToLower(strings.TrimSpace(req.Provider)))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, req.Provider)
	}
	mode := jobs.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if mode != "" && mode != jobs.ModeSingle && mode != jobs.ModeAuto {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	job := &jobs.Job{
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Prompt:    prompt,
		Provider:  string(provider),
		Mode:      mode,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := s.pool.Submit(job.ID); err != nil {
		logging.ForJob(job.ID).Warn("rejecting build", zap.Error(err))
		s.reject(ctx, job.ID, err.Error())
		return nil, err
	}

	logging.ForJob(job.ID).Info("build queued",
		zap.Uint("project_id", job.ProjectID),
		zap.String("provider", job.Provider),
		zap.String("mode", string(job.Mode)),
	)
	return job, nil
}

// reject fails a job that never reached a worker
func (s *Service) reject(ctx context.Context, jobID, msg string) {
	if err := s.store.Fail(ctx, jobID, msg); err != nil {
		logging.ForJob(jobID).Error("failed to reject job", zap.Error(err))
		return
	}
	s.appendTerminal(ctx, jobID, jobs.StatusFailed, msg, 0)
}

// CancelOutcome reports what a cancel request did
type CancelOutcome struct {
	Status    jobs.Status `json:"status"`
	Requested bool        `json:"requested"`
}

// Cancel asks for a job to stop. Queued jobs are cancelled on the spot,
// running jobs are flagged and stop at the next step boundary, finished
// jobs are left alone. It never waits for the executor.
func (s *Service) Cancel(ctx context.Context, jobID string) (CancelOutcome, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if job.Status.Terminal() {
		return CancelOutcome{Status: job.Status}, nil
	}

	if job.Status == jobs.StatusQueued {
		err := s.store.Cancel(ctx, jobID, jobs.StatusQueued, nil)
		switch {
		case err == nil:
			logging.ForJob(jobID).Info("queued job cancelled")
			s.appendTerminal(ctx, jobID, jobs.StatusCancelled, "", 0)
			return CancelOutcome{Status: jobs.StatusCancelled, Requested: true}, nil
		case errors.Is(err, jobs.ErrTerminal):
			job, err = s.store.Get(ctx, jobID)
			if err != nil {
				return CancelOutcome{}, err
			}
			return CancelOutcome{Status: job.Status}, nil
		default:
			// a worker claimed it in between; fall through to the flag
			logging.ForJob(jobID).Debug("queued cancel lost to claim", zap.Error(err))
		}
	}

	return s.flagRunning(ctx, jobID)
}

// flagRunning sets the cancel flag for a running job. The run may have
// finished since its status was read, in which case its deferred Clear has
// already happened and the flag is withdrawn here.
func (s *Service) flagRunning(ctx context.Context, jobID string) (CancelOutcome, error) {
	if err := s.cancels.Request(ctx, jobID); err != nil {
		return CancelOutcome{}, err
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.cancels.Clear(context.WithoutCancel(ctx), jobID)
		return CancelOutcome{}, err
	}
	if job.Status.Terminal() {
		s.cancels.Clear(context.WithoutCancel(ctx), jobID)
		logging.ForJob(jobID).Debug("job finished before the cancel flag landed", zap.String("status", string(job.Status)))
		return CancelOutcome{Status: job.Status}, nil
	}

	logging.ForJob(jobID).Info("cancellation requested")
	return CancelOutcome{Status: job.Status, Requested: true}, nil
}

// appendTerminal writes the closing job_completed event, preceded by an
// error event when msg is set.
func (s *Service) appendTerminal(ctx context.Context, jobID string, status jobs.Status, msg string, progress int) {
	if msg != "" {
		s.append(ctx, jobID, &jobs.Event{
			Type:    jobs.EventError,
			Message: msg,
			Payload: jobs.Payload{Progress: progress, Error: msg},
		})
	}
	s.append(ctx, jobID, &jobs.Event{
		Type:    jobs.EventJobCompleted,
		Message: completionMessage(status),
		Payload: jobs.Payload{Progress: progress, Status: status},
	})
}

func (s *Service) append(ctx context.Context, jobID string, e *jobs.Event) {
	if err := s.bus.Append(ctx, jobID, e); err != nil {
		logging.ForJob(jobID).Error("failed to append event",
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
	}
}

func completionMessage(status jobs.Status) string {
	switch status {
	case jobs.StatusSuccess:
		return "Build completed"
	case jobs.StatusCancelled:
		return "Build cancelled"
	default:
		return "Build failed"
	}
}
