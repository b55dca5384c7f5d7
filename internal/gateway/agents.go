package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/sun"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// AgentHandlers serves agent registration and presence.
type AgentHandlers struct {
	svc    *sun.Service
	logger *logger.Logger
}

func NewAgentHandlers(svc *sun.Service, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "agent-handlers")),
	}
}

func RegisterAgentRoutes(router *gin.Engine, svc *sun.Service, log *logger.Logger) {
	handlers := NewAgentHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *AgentHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/agents", h.httpRegisterAgent)
	api.POST("/agents/:name/heartbeat", h.httpHeartbeat)
	api.GET("/projects/:project_id/agents", h.httpListAgents)
}

// httpRegisterAgent registers or refreshes an agent. Re-posting the same
// registration acts as a heartbeat, so the response is 200 rather than 201.
func (h *AgentHandlers) httpRegisterAgent(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var body v1.RegisterAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}
	agent, err := h.svc.RegisterAgent(c.Request.Context(), identity, body.Agent())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// httpHeartbeat refreshes liveness only. Unlike re-registration it leaves
// capabilities and the coordinator flag untouched.
func (h *AgentHandlers) httpHeartbeat(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var body v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.svc.Heartbeat(c.Request.Context(), identity, c.Param("name"), body.ProjectID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandlers) httpListAgents(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	projectID := c.Param("project_id")
	agents, err := h.svc.Agents(c.Request.Context(), identity, projectID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	alive, err := h.svc.AliveAgents(c.Request.Context(), identity, projectID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.AgentList{Agents: agents, Alive: alive})
}
