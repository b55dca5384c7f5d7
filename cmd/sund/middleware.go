package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// corsMiddleware returns a CORS middleware for HTTP and WebSocket
// connections. The identity header must be in the allow list or browser
// clients cannot authenticate cross-origin.
func corsMiddleware() gin.HandlerFunc {
	allowHeaders := "Origin, Content-Type, Authorization, " + v1.IdentityHeader +
		", Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol"
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
