package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"buildforge/internal/ai"
	"buildforge/internal/extract"
	"buildforge/internal/jobs"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/internal/routing"

	"go.uber.org/zap"
)

// Execute claims jobID and drives it to a terminal state. It is the worker
// entry point; a job that is no longer queued is skipped.
func (s *Service) Execute(ctx context.Context, jobID string) {
	log := logging.ForJob(jobID)

	job, err := s.store.Claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotClaimable) || errors.Is(err, jobs.ErrNotFound) {
			log.Debug("skipping unclaimable job", zap.Error(err))
			return
		}
		log.Error("failed to claim job", zap.Error(err))
		return
	}
	defer s.cancels.Clear(context.WithoutCancel(ctx), jobID)

	r := &run{svc: s, job: job, log: log, started: time.Now()}
	r.execute(ctx)
}

// run is the working state of one job execution. It is owned by a single
// worker goroutine.
type run struct {
	svc      *Service
	job      *jobs.Job
	log      *zap.Logger
	agent    routing.Descriptor
	progress int
	started  time.Time
}

func (r *run) execute(ctx context.Context) {
	r.classify(ctx)
	metrics.Get().RecordJobStarted(string(r.job.Mode))

	r.emit(ctx, jobs.EventJobStarted, "Build started", 0, jobs.Payload{Status: jobs.StatusRunning})

	provider := ai.Provider(r.job.Provider)
	if !r.svc.gateway.Has(provider) {
		var cfgErr error = ai.NoCredential(provider)
		if provider == ai.ProviderAuto {
			cfgErr = ai.ErrNoProviders
		}
		r.log.Warn("provider not configured", zap.String("provider", string(provider)))
		r.fail(ctx, cfgErr.Error(), jobs.Payload{Provider: string(provider), Error: cfgErr.Error()})
		return
	}

	r.emit(ctx, jobs.EventAgentSelected, fmt.Sprintf("%s agent selected", r.agent.Name), 0, jobs.Payload{
		Agent:      string(r.agent.ID),
		Complexity: r.job.Complexity,
	})

	r.log.Info("build started",
		zap.String("mode", string(r.job.Mode)),
		zap.String("agent", r.job.Agent),
		zap.String("provider", r.job.Provider),
	)

	if r.job.Mode == jobs.ModeAuto {
		r.auto(ctx)
		return
	}
	r.single(ctx)
}

// classify settles the agent, complexity and mode of the job
func (r *run) classify(ctx context.Context) {
	agentID, complexity := routing.Classify(r.job.Prompt, routing.Context{})
	r.agent, _ = routing.Lookup(agentID)

	mode := jobs.ModeSingle
	if routing.ShouldPlan(string(r.job.Mode), complexity) {
		mode = jobs.ModeAuto
	}
	r.job.Mode = mode
	r.job.Agent = string(agentID)
	r.job.Complexity = string(complexity)

	if err := r.svc.store.Annotate(ctx, r.job.ID, mode, r.job.Agent, r.job.Complexity); err != nil {
		r.log.Warn("failed to annotate job", zap.Error(err))
	}
}

func (r *run) options() ai.Options {
	return ai.Options{
		System: r.agent.System,
		UserID: r.job.UserID,
		JobID:  r.job.ID,
	}
}

// emit appends an event whose progress never falls below what the job
// has already reported.
func (r *run) emit(ctx context.Context, t jobs.EventType, msg string, progress int, p jobs.Payload) {
	if progress > 100 {
		progress = 100
	}
	if progress > r.progress {
		r.progress = progress
		if err := r.svc.store.SetProgress(ctx, r.job.ID, progress); err != nil {
			r.log.Warn("failed to store progress", zap.Error(err))
		}
	}
	p.Progress = r.progress
	r.svc.append(ctx, r.job.ID, &jobs.Event{Type: t, Message: msg, Payload: p})
}

// thinking announces that the job's agent is about to call provider
func (r *run) thinking(ctx context.Context, provider ai.Provider, p jobs.Payload) {
	p.Agent = string(r.agent.ID)
	p.Provider = string(provider)
	r.emit(ctx, jobs.EventAgentThinking, fmt.Sprintf("%s agent is working", r.agent.Name), r.progress, p)
}

func (r *run) cancelRequested(ctx context.Context) bool {
	return r.svc.cancels.Requested(ctx, r.job.ID)
}

// succeed packages art, completes the job and closes the stream
func (r *run) succeed(ctx context.Context, art *jobs.Artifact) {
	ctx = context.WithoutCancel(ctx)

	r.emit(ctx, jobs.EventPackaging, "Packaging artifact", 95, jobs.Payload{Lines: countLines(art.Combined)})

	url, err := r.svc.packager.Package(ctx, r.job, art)
	if err != nil {
		r.log.Warn("packaging failed, serving artifact from the API", zap.Error(err))
		url = ArtifactPath(r.job.ID)
	}
	art.DownloadURL = url
	r.emit(ctx, jobs.EventArtifactReady, "Artifact ready", 100, jobs.Payload{DownloadURL: url})

	if err := r.svc.store.Complete(ctx, r.job.ID, art); err != nil {
		r.log.Error("failed to complete job", zap.Error(err))
		if !errors.Is(err, jobs.ErrTerminal) {
			r.fail(ctx, "failed to store artifact", jobs.Payload{Error: err.Error()})
		}
		return
	}
	r.saveProject(ctx, art)

	r.svc.append(ctx, r.job.ID, &jobs.Event{
		Type:    jobs.EventJobCompleted,
		Message: completionMessage(jobs.StatusSuccess),
		Payload: jobs.Payload{Progress: 100, Status: jobs.StatusSuccess, DownloadURL: url},
	})
	r.finish(jobs.StatusSuccess)
}

// fail records msg on the job, then appends the error and terminal events.
// p carries the detail of the error event.
func (r *run) fail(ctx context.Context, msg string, p jobs.Payload) {
	ctx = context.WithoutCancel(ctx)

	if err := r.svc.store.Fail(ctx, r.job.ID, msg); err != nil {
		r.log.Error("failed to mark job failed", zap.Error(err))
		if errors.Is(err, jobs.ErrTerminal) {
			return
		}
	}
	if p.Error == "" {
		p.Error = msg
	}
	p.Progress = r.progress
	r.svc.append(ctx, r.job.ID, &jobs.Event{Type: jobs.EventError, Message: msg, Payload: p})
	r.svc.append(ctx, r.job.ID, &jobs.Event{
		Type:    jobs.EventJobCompleted,
		Message: completionMessage(jobs.StatusFailed),
		Payload: jobs.Payload{Progress: r.progress, Status: jobs.StatusFailed, Error: msg},
	})
	r.log.Warn("build failed", zap.String("error", msg))
	r.finish(jobs.StatusFailed)
}

// cancel stops the job, keeping the code generated so far
func (r *run) cancel(ctx context.Context, cumulative extract.Result) {
	ctx = context.WithoutCancel(ctx)

	var partial *jobs.Artifact
	if !cumulative.Empty() {
		partial = jobs.NewArtifact(cumulative)
	}
	if err := r.svc.store.Cancel(ctx, r.job.ID, jobs.StatusRunning, partial); err != nil {
		r.log.Error("failed to cancel job", zap.Error(err))
		return
	}
	r.svc.append(ctx, r.job.ID, &jobs.Event{
		Type:    jobs.EventJobCompleted,
		Message: completionMessage(jobs.StatusCancelled),
		Payload: jobs.Payload{Progress: r.progress, Status: jobs.StatusCancelled},
	})
	r.log.Info("build cancelled", zap.Int("progress", r.progress))
	r.finish(jobs.StatusCancelled)
}

func (r *run) finish(status jobs.Status) {
	metrics.Get().RecordJobFinished(string(r.job.Mode), string(status), time.Since(r.started))
}

// saveProject writes the combined code back to the project
func (r *run) saveProject(ctx context.Context, art *jobs.Artifact) {
	if r.svc.projects == nil || art.Combined == "" {
		return
	}
	if err := r.svc.projects.SaveCode(ctx, r.job.ProjectID, art.Combined); err != nil {
		r.log.Warn("failed to save code to project", zap.Uint("project_id", r.job.ProjectID), zap.Error(err))
	}
}

// projectCode loads the code already saved on the project, if any
func (r *run) projectCode(ctx context.Context) string {
	if r.svc.projects == nil {
		return ""
	}
	code, err := r.svc.projects.ProjectCode(ctx, r.job.ProjectID)
	if err != nil {
		r.log.Warn("failed to load project code", zap.Uint("project_id", r.job.ProjectID), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(code)
}

func countLines(code string) int {
	if code == "" {
		return 0
	}
	return strings.Count(code, "\n") + 1
}
