package api

import (
	"net/http"

	"buildforge/internal/ai"
	"buildforge/internal/middleware"
	"buildforge/internal/projects"
	"buildforge/internal/routing"

	"github.com/gin-gonic/gin"
)

type createProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateProject creates a project owned by the caller
func (s *Server) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	p, err := s.projects.Create(c.Request.Context(), userID(c), req.Name, req.Description)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

// GetProject returns one of the caller's projects, including its code
func (s *Server) GetProject(c *gin.Context) {
	p, ok := s.ownedProject(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

// ListProjects returns the caller's projects without their code
func (s *Server) ListProjects(c *gin.Context) {
	list, err := s.projects.ListByOwner(c.Request.Context(), userID(c))
	if err != nil {
		internalError(c, err)
		return
	}
	if list == nil {
		list = []projects.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": list})
}

// ListAgents returns the agent catalogue
func (s *Server) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": routing.Agents()})
}

type classifyRequest struct {
	Text     string `json:"text" binding:"required"`
	Hint     string `json:"hint"`
	Mode     string `json:"mode"`
	Provider string `json:"provider"`
}

// Classify explains how a request would be routed without running it
func (s *Server) Classify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	fallback, ok := ai.ParseProvider(req.Provider)
	if !ok {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_PROVIDER", "unknown AI provider")
		return
	}

	verdict := routing.Explain(req.Text, routing.Context{Hint: routing.AgentID(req.Hint)})
	mode := "single"
	if routing.ShouldPlan(req.Mode, verdict.Complexity) {
		mode = "auto"
	}
	c.JSON(http.StatusOK, gin.H{
		"classification": verdict,
		"mode":           mode,
		"profile":        s.rules.Profile(req.Text),
		"preference":     s.rules.Preference(req.Text, fallback),
	})
}

type providerInfo struct {
	Name         ai.Provider       `json:"name"`
	DefaultModel string            `json:"default_model"`
	Healthy      bool              `json:"healthy"`
	Usage        *ai.ProviderUsage `json:"usage,omitempty"`
}

// ListProviders reports configured providers in preference order
func (s *Server) ListProviders(c *gin.Context) {
	health := s.providers.HealthStatus()
	usage := s.providers.ProviderUsage()

	out := []providerInfo{}
	for _, p := range s.providers.Providers() {
		out = append(out, providerInfo{
			Name:         p,
			DefaultModel: ai.ModelFor(p, ""),
			Healthy:      health[p],
			Usage:        usage[p],
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// UsageSummary returns the caller's AI usage for the current month
func (s *Server) UsageSummary(c *gin.Context) {
	summary, err := s.usage.Summary(c.Request.Context(), userID(c))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
