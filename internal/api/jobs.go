package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"buildforge/internal/artifacts"
	"buildforge/internal/executor"
	"buildforge/internal/jobs"
	"buildforge/internal/middleware"

	"github.com/gin-gonic/gin"
)

// BuildRequest is the body of POST /api/projects/:id/build
type BuildRequest struct {
	Prompt   string `json:"prompt" binding:"required"`
	Provider string `json:"provider"`
	Mode     string `json:"mode"`
}

// StartBuild queues a build for the project and returns 202 with the job
func (s *Server) StartBuild(c *gin.Context) {
	project, ok := s.ownedProject(c)
	if !ok {
		return
	}

	var req BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	job, err := s.builds.Submit(c.Request.Context(), executor.BuildRequest{
		ProjectID: project.ID,
		UserID:    userID(c),
		Prompt:    req.Prompt,
		Provider:  req.Provider,
		Mode:      req.Mode,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"job": job})
	case errors.Is(err, executor.ErrQueueFull):
		c.Header("Retry-After", "30")
		middleware.AbortWithError(c, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
	case errors.Is(err, executor.ErrEmptyPrompt):
		middleware.AbortWithError(c, http.StatusBadRequest, "PROMPT_REQUIRED", err.Error())
	case errors.Is(err, executor.ErrInvalidProvider):
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_PROVIDER", err.Error())
	case errors.Is(err, executor.ErrInvalidMode):
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_MODE", err.Error())
	default:
		internalError(c, err)
	}
}

// GetJob returns the job snapshot and its most recent events
func (s *Server) GetJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	evts, err := s.jobs.RecentEvents(c.Request.Context(), job.ID, recentEventsLimit)
	if err != nil {
		internalError(c, err)
		return
	}
	if evts == nil {
		evts = []jobs.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "events": evts})
}

// ListJobs returns the project's recent jobs, newest first
func (s *Server) ListJobs(c *gin.Context) {
	project, ok := s.ownedProject(c)
	if !ok {
		return
	}

	limit := defaultJobsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobsLimit)
	}

	list, err := s.jobs.ListByProject(c.Request.Context(), project.ID, limit)
	if err != nil {
		internalError(c, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

// CancelJob requests cooperative cancellation. Terminal jobs answer 200
// with their final status; everything else answers 202.
func (s *Server) CancelJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	out, err := s.builds.Cancel(c.Request.Context(), job.ID)
	if errors.Is(err, jobs.ErrNotFound) {
		middleware.AbortWithError(c, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}

	status := http.StatusOK
	if out.Requested {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"job_id": job.ID, "status": out.Status, "cancel_requested": out.Requested})
}

// DownloadArtifact serves the combined artifact as text, or every block
// as a zip archive with ?format=zip. A cancelled job serves its partial
// artifact.
func (s *Server) DownloadArtifact(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}

	art := job.Artifact
	if art == nil && job.PartialArtifact != nil {
		art = job.PartialArtifact
		c.Header("X-Artifact-Partial", "true")
	}
	if art == nil {
		middleware.AbortWithError(c, http.StatusNotFound, "ARTIFACT_NOT_READY", fmt.Sprintf("job is %s and has no artifact", job.Status))
		return
	}

	switch c.DefaultQuery("format", "text") {
	case "zip":
		modified := time.Now()
		if job.FinishedAt != nil {
			modified = *job.FinishedAt
		}
		data, err := artifacts.Bundle(art, modified)
		if err != nil {
			internalError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="build-%s.zip"`, job.ID))
		c.Data(http.StatusOK, "application/zip", data)
	case "text":
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="build-%s.txt"`, job.ID))
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(art.Combined))
	default:
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_FORMAT", "format must be text or zip")
	}
}

// JobUsage lists every provider call made for the job
func (s *Server) JobUsage(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	attempts, err := s.usage.JobUsage(c.Request.Context(), job.ID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "attempts": attempts})
}
