// Package gateway exposes the fabric over HTTP. Handlers bind the wire
// types from pkg/api/v1, hand them to the sun service and translate typed
// errors back into status codes. Authorization happens inside the service;
// the gateway only extracts the caller identity.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/store"
	"github.com/solarbus/solarbus/internal/sun"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// EnvelopeHandlers serves the envelope and progress surface.
type EnvelopeHandlers struct {
	svc    *sun.Service
	logger *logger.Logger
}

func NewEnvelopeHandlers(svc *sun.Service, log *logger.Logger) *EnvelopeHandlers {
	return &EnvelopeHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "envelope-handlers")),
	}
}

func RegisterEnvelopeRoutes(router *gin.Engine, svc *sun.Service, log *logger.Logger) {
	handlers := NewEnvelopeHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *EnvelopeHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/envelopes", h.httpPublish)
	api.GET("/envelopes/:id", h.httpGetEnvelope)
	api.GET("/projects/:project_id/envelopes", h.httpListEnvelopes)
	api.PATCH("/envelopes/:id/status", h.httpUpdateStatus)
	api.POST("/progress", h.httpAppendProgress)
	api.GET("/envelopes/:id/progress", h.httpGetProgress)
}

func (h *EnvelopeHandlers) httpPublish(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var body v1.PublishEnvelopeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}
	committed, err := h.svc.Publish(c.Request.Context(), identity, body.Envelope())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, committed)
}

func (h *EnvelopeHandlers) httpGetEnvelope(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	env, err := h.svc.Get(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (h *EnvelopeHandlers) httpListEnvelopes(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var query v1.ListEnvelopesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBindError(c, err)
		return
	}
	envelopes, err := h.svc.List(c.Request.Context(), identity, c.Param("project_id"), store.Filter{
		To:       query.To,
		Type:     query.Type,
		Status:   query.Status,
		AfterSeq: query.AfterSeq,
		Limit:    query.Limit,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	// NextSeq stays at the request cursor when the page is empty so the
	// caller can poll with the same value.
	nextSeq := query.AfterSeq
	if len(envelopes) > 0 {
		nextSeq = envelopes[len(envelopes)-1].Seq
	}
	c.JSON(http.StatusOK, v1.EnvelopeList{Envelopes: envelopes, NextSeq: nextSeq})
}

func (h *EnvelopeHandlers) httpUpdateStatus(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var body v1.UpdateEnvelopeStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}
	env, err := h.svc.UpdateStatus(c.Request.Context(), identity, c.Param("id"), body.Status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (h *EnvelopeHandlers) httpAppendProgress(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var body v1.AppendProgressRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}
	rec, err := h.svc.AppendProgress(c.Request.Context(), identity, body.Record())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *EnvelopeHandlers) httpGetProgress(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	records, err := h.svc.Progress(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.ProgressList{Records: records, Total: len(records)})
}
