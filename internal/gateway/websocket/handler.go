package websocket

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/authz"
	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/sun"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades authorized stream requests.
type Handler struct {
	hub    *Hub
	svc    *sun.Service
	guard  *authz.Guard
	engine *idempotency.Engine
	logger *logger.Logger
}

// NewHandler creates a stream handler.
func NewHandler(hub *Hub, svc *sun.Service, guard *authz.Guard, engine *idempotency.Engine, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		svc:    svc,
		guard:  guard,
		engine: engine,
		logger: log.WithFields(zap.String("component", "stream-handler")),
	}
}

// HandleStream authorizes the caller against the project, upgrades the
// connection and attaches a delivery session. The guard runs before the
// upgrade so a denied subscriber never holds a socket.
func (h *Handler) HandleStream(c *gin.Context) {
	projectID := c.Param("project_id")
	identity := identityFrom(c)
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "identity required",
			"code":  apperrors.ErrCodeBadRequest,
		})
		return
	}

	if err := h.guard.Authorize(c.Request.Context(), identity, projectID); err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{
			"error": err.Error(),
			"code":  apperrors.ErrCodeAuthorization,
		})
		return
	}

	// resume precedence: explicit after_seq, else the durable cursor.
	afterSeq := int64(-1)
	if raw := c.Query("after_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "after_seq must be a non-negative integer",
				"code":  apperrors.ErrCodeValidation,
			})
			return
		}
		afterSeq = parsed
	}

	// scope=project follows every envelope in the project, not just the
	// ones addressed to the caller. The membership check is the same.
	var projectWide bool
	switch c.Query("scope") {
	case "", "recipient":
	case "project":
		projectWide = true
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "scope must be recipient or project",
			"code":  apperrors.ErrCodeValidation,
		})
		return
	}

	consumer := c.Query("consumer")
	if consumer == "" {
		// Scoped prefixes keep a recipient cursor and a project cursor for
		// the same identity from clobbering each other.
		if projectWide {
			consumer = "project-stream:" + projectID + ":" + identity
		} else {
			consumer = "stream:" + projectID + ":" + identity
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), identity, projectID, consumer, conn, h.hub, h.logger)
	client.session = newSession(client, h.svc, h.engine, h.logger, projectWide)

	h.hub.Register(client)
	go client.WritePump()

	if err := client.session.start(c.Request.Context(), afterSeq); err != nil {
		h.logger.Error("failed to start stream session",
			zap.String("identity", identity),
			zap.String("project_id", projectID),
			zap.Error(err))
		client.detach()
		h.hub.Unregister(client)
		conn.Close()
		return
	}

	client.ReadPump(c.Request.Context())
}

// identityFrom reads the caller identity from the header, falling back to
// the query parameter for browser clients that cannot set headers on a
// websocket dial.
func identityFrom(c *gin.Context) string {
	if id := c.GetHeader(v1.IdentityHeader); id != "" {
		return id
	}
	return c.Query("identity")
}
