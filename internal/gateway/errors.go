package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	"github.com/solarbus/solarbus/internal/common/logger"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// respondError maps a service error onto the wire. Rejections and denials
// carry their own status and code; anything unclassified is a 500 and the
// detail stays in the log, not the response.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	status := apperrors.GetHTTPStatus(err)
	code := apperrors.ErrCodeInternalError
	message := "request failed"

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message, "code": code})
}

// respondBindError reports a failed request binding as a validation error.
func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"code":  apperrors.ErrCodeValidation,
	})
}

// requireIdentity reads the caller identity header and rejects the request
// when it is absent. Every authorized route runs through this; the guard
// itself decides whether the identity may touch the project.
func requireIdentity(c *gin.Context) (string, bool) {
	identity := c.GetHeader(v1.IdentityHeader)
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "identity required",
			"code":  apperrors.ErrCodeBadRequest,
		})
		return "", false
	}
	return identity, true
}
