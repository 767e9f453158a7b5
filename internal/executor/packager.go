package executor

import (
	"context"

	"buildforge/internal/jobs"
)

// ArtifactPath is the API route that serves a job's artifact
func ArtifactPath(jobID string) string {
	return "/api/jobs/" + jobID + "/artifact"
}

// APIPackager leaves the artifact in the job record and points downloads
// at the API.
type APIPackager struct{}

func (APIPackager) Package(_ context.Context, job *jobs.Job, _ *jobs.Artifact) (string, error) {
	return ArtifactPath(job.ID), nil
}
