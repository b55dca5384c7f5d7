package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/solarbus/solarbus/internal/authz"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/sun"
	ws "github.com/solarbus/solarbus/pkg/websocket"
)

// Gateway bundles the stream endpoint: hub, dispatcher and handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates the stream gateway with all components initialized.
func NewGateway(svc *sun.Service, guard *authz.Guard, engine *idempotency.Engine, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, svc, guard, engine, log)

	registerHealthHandler(dispatcher, svc)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the stream route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/api/v1/projects/:project_id/stream", g.Handler.HandleStream)
}

// registerHealthHandler answers health.check frames over the stream.
func registerHealthHandler(d *ws.Dispatcher, svc *sun.Service) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		status := "ok"
		if err := svc.Health(ctx); err != nil {
			status = "degraded"
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  status,
			"service": "solarbus",
		})
	})
}
