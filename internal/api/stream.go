package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"buildforge/internal/jobs"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/internal/middleware"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// streamEnd is the sentinel written after the terminal event
type streamEnd struct {
	Type   string      `json:"type"`
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

func newStreamEnd(job *jobs.Job) streamEnd {
	return streamEnd{Type: "stream_end", JobID: job.ID, Status: job.Status}
}

// StreamJob serves the job's events as Server-Sent Events. Clients resume
// with Last-Event-ID or ?after=<seq>.
func (s *Server) StreamJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	after, ok := resumeSeq(c)
	if !ok {
		return
	}

	w := c.Writer
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	m := metrics.Get()
	m.RecordStreamSubscriber("sse", 1)
	defer m.RecordStreamSubscriber("sse", -1)

	send := func(e jobs.Event) error {
		if err := sse.Encode(w, sse.Event{Id: strconv.FormatInt(e.Seq, 10), Data: e}); err != nil {
			return err
		}
		w.Flush()
		return nil
	}
	ping := func() error {
		if _, err := w.WriteString(": keepalive\n\n"); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	ctx := c.Request.Context()
	finished, err := s.follow(ctx, job.ID, after, send, ping)
	if err != nil {
		if ctx.Err() == nil {
			logging.ForJob(job.ID).Warn("sse stream ended with error", zap.Error(err))
		}
		return
	}
	if finished {
		_ = sse.Encode(w, sse.Event{Data: s.finalState(ctx, job)})
		w.Flush()
	}
}

// resumeSeq reads the resume point from Last-Event-ID or ?after=
func resumeSeq(c *gin.Context) (int64, bool) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_RESUME", "Last-Event-ID and after must be a non-negative sequence number")
		return 0, false
	}
	return n, true
}

// follow delivers every event after afterSeq to send until the terminal
// event, resubscribing from the last delivered seq when the bus drops a
// slow reader. ping runs every keepalive interval. It reports whether
// the stream reached its end.
func (s *Server) follow(ctx context.Context, jobID string, afterSeq int64, send func(jobs.Event) error, ping func() error) (bool, error) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	last := afterSeq
	for {
		sub, backlog, err := s.bus.Subscribe(ctx, jobID, last)
		if err != nil {
			return false, err
		}

		done, err := func() (bool, error) {
			defer sub.Close()
			for _, e := range backlog {
				if err := send(e); err != nil {
					return false, err
				}
				last = e.Seq
				if e.Terminal() {
					return true, nil
				}
			}
			for {
				select {
				case <-ctx.Done():
					return false, ctx.Err()
				case <-ticker.C:
					if err := ping(); err != nil {
						return false, err
					}
				case e, ok := <-sub.Events():
					if !ok {
						// a dropped subscriber resubscribes; any other close means the stream ended
						return !sub.Dropped(), nil
					}
					if err := send(e); err != nil {
						return false, err
					}
					last = e.Seq
					if e.Terminal() {
						return true, nil
					}
				}
			}
		}()
		if err != nil || done {
			return done, err
		}
		logging.ForJob(jobID).Debug("stream subscriber dropped, resubscribing", zap.Int64("after", last))
	}
}

// finalState reloads the job for the stream_end sentinel
func (s *Server) finalState(ctx context.Context, job *jobs.Job) streamEnd {
	if fresh, err := s.jobs.Get(context.WithoutCancel(ctx), job.ID); err == nil {
		return newStreamEnd(fresh)
	}
	return newStreamEnd(job)
}
