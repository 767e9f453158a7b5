// Package api exposes the build engine over HTTP, SSE and WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"buildforge/internal/ai"
	"buildforge/internal/auth"
	"buildforge/internal/events"
	"buildforge/internal/executor"
	"buildforge/internal/jobs"
	"buildforge/internal/metrics"
	"buildforge/internal/middleware"
	"buildforge/internal/projects"
	"buildforge/internal/routing"
	"buildforge/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	defaultKeepAlive  = 30 * time.Second
	recentEventsLimit = 20
	defaultJobsLimit  = 10
	maxJobsLimit      = 100
)

// Builds is the executor surface the API drives
type Builds interface {
	Submit(ctx context.Context, req executor.BuildRequest) (*jobs.Job, error)
	Cancel(ctx context.Context, jobID string) (executor.CancelOutcome, error)
}

// ProviderCatalog reports configured providers
type ProviderCatalog interface {
	Providers() []ai.Provider
	HealthStatus() map[ai.Provider]bool
	ProviderUsage() map[ai.Provider]*ai.ProviderUsage
}

// Deps are the collaborators the server is built from
type Deps struct {
	Jobs      *jobs.Store
	Bus       *events.Bus
	Builds    Builds
	Projects  *projects.Store
	Providers ProviderCatalog
	Rules     *routing.RuleSet
	Usage     *usage.Tracker
	Tokens    auth.TokenValidator

	// Health pings storage for /health; nil reports healthy
	Health func() error
}

// Options shape the router
type Options struct {
	CORSOrigins []string
	Production  bool
	RateLimiter *middleware.IPRateLimiter
	KeepAlive   time.Duration
	TokenTTL    time.Duration
}

// Server holds the HTTP handlers
type Server struct {
	jobs      *jobs.Store
	bus       *events.Bus
	builds    Builds
	projects  *projects.Store
	providers ProviderCatalog
	rules     *routing.RuleSet
	usage     *usage.Tracker
	tokens    auth.TokenValidator
	health    func() error

	opts      Options
	keepAlive time.Duration
	tokenTTL  time.Duration
	upgrader  websocket.Upgrader
}

// NewServer creates the API server
func NewServer(d Deps, opts Options) *Server {
	s := &Server{
		jobs:      d.Jobs,
		bus:       d.Bus,
		builds:    d.Builds,
		projects:  d.Projects,
		providers: d.Providers,
		rules:     d.Rules,
		usage:     d.Usage,
		tokens:    d.Tokens,
		health:    d.Health,
		opts:      opts,
		keepAlive: opts.KeepAlive,
		tokenTTL:  opts.TokenTTL,
	}
	if s.keepAlive <= 0 {
		s.keepAlive = defaultKeepAlive
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	if s.rules == nil {
		s.rules = routing.NewRuleSet(nil)
	}
	s.upgrader = newUpgrader(opts.Production, opts.CORSOrigins)
	return s
}

// Router builds the gin engine with middleware and every route
func (s *Server) Router() *gin.Engine {
	opts := s.opts
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger("/health", "/metrics"),
		middleware.SecurityHeaders(opts.Production),
		middleware.CORS(opts.CORSOrigins),
		metrics.PrometheusMiddleware("/api/jobs/:id/stream", "/ws/jobs/:id"),
	)
	if opts.RateLimiter != nil {
		r.Use(middleware.RateLimit(opts.RateLimiter))
	}

	r.GET("/health", s.Health)
	r.GET("/metrics", metrics.PrometheusHandler())

	requireAuth := middleware.RequireAuth(s.tokens)

	api := r.Group("/api", requireAuth)
	{
		api.POST("/session", s.CreateSession)

		api.POST("/projects", s.CreateProject)
		api.GET("/projects", s.ListProjects)
		api.GET("/projects/:id", s.GetProject)
		api.POST("/projects/:id/build", s.StartBuild)
		api.GET("/projects/:id/jobs", s.ListJobs)

		api.GET("/jobs/:id", s.GetJob)
		api.GET("/jobs/:id/stream", s.StreamJob)
		api.POST("/jobs/:id/cancel", s.CancelJob)
		api.GET("/jobs/:id/artifact", s.DownloadArtifact)
		api.GET("/jobs/:id/usage", s.JobUsage)

		api.GET("/agents", s.ListAgents)
		api.POST("/agents/classify", s.Classify)
		api.GET("/providers", s.ListProviders)
		api.GET("/usage", s.UsageSummary)
	}

	r.GET("/ws/jobs/:id", requireAuth, s.JobSocket)
	return r
}

// Health reports liveness plus storage and provider status
func (s *Server) Health(c *gin.Context) {
	body := gin.H{"status": "healthy", "database": "connected"}
	status := http.StatusOK

	if s.health != nil {
		if err := s.health(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["database"] = "unavailable"
			body["error"] = err.Error()
		}
	}

	if s.providers != nil {
		health := s.providers.HealthStatus()
		healthy := 0
		for _, ok := range health {
			if ok {
				healthy++
			}
		}
		body["healthy_providers"] = healthy
		body["total_providers"] = len(health)
	}
	c.JSON(status, body)
}

// CreateSession stores the caller's token in an httpOnly cookie so
// browser EventSource and WebSocket clients authenticate without a header
func (s *Server) CreateSession(c *gin.Context) {
	auth.SetTokenCookie(c, middleware.GetToken(c), s.tokenTTL, s.opts.Production)
	c.Status(http.StatusNoContent)
}

func userID(c *gin.Context) uint {
	id, _ := middleware.GetUserID(c)
	return id
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_ID", "id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

// ownedJob loads the job in :id and checks the caller owns it
func (s *Server) ownedJob(c *gin.Context) (*jobs.Job, bool) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		middleware.AbortWithError(c, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return nil, false
	}
	if err != nil {
		internalError(c, err)
		return nil, false
	}
	if job.UserID != userID(c) {
		middleware.AbortWithError(c, http.StatusForbidden, "FORBIDDEN", "not authorized for this job")
		return nil, false
	}
	return job, true
}

// ownedProject loads the project in :id and checks the caller owns it
func (s *Server) ownedProject(c *gin.Context) (*projects.Project, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	p, err := s.projects.Get(c.Request.Context(), id)
	if errors.Is(err, projects.ErrNotFound) {
		middleware.AbortWithError(c, http.StatusNotFound, "PROJECT_NOT_FOUND", "project not found")
		return nil, false
	}
	if err != nil {
		internalError(c, err)
		return nil, false
	}
	if p.OwnerID != userID(c) {
		middleware.AbortWithError(c, http.StatusForbidden, "FORBIDDEN", "not authorized for this project")
		return nil, false
	}
	return p, true
}

func internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
}
