package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"storefront-service/internal/util"
)

// Identity headers set by the authenticating gateway in front of the service.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderUserEmail = "X-User-Email"
)

const identityKey = "identity"

// RoleAdmin grants access to back-office routes.
const RoleAdmin = "ADMIN"

// Identity is the caller as forwarded by the gateway.
type Identity struct {
	UserID string
	Role   string
	Email  string
}

// requireIdentity rejects requests without a user.
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := Identity{
			UserID: c.GetHeader(HeaderUserID),
			Role:   c.GetHeader(HeaderUserRole),
			Email:  c.GetHeader(HeaderUserEmail),
		}
		if id.UserID == "" {
			fail(c, http.StatusUnauthorized, "Not authenticated.")
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity(c).Role != role {
			fail(c, http.StatusForbidden, "Forbidden.")
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) Identity {
	id, _ := c.MustGet(identityKey).(Identity)
	return id
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
