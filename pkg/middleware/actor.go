package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/tulemar/ordersync/pkg/errors"
	"github.com/tulemar/ordersync/pkg/logging"
)

// Actor headers. Authentication happens upstream; these carry the result.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	ContextKeyActorID   = "actorId"
	ContextKeyActorRole = "actorRole"
)

// Actor copies the actor headers into the gin and request contexts
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderActorID)
		role := c.GetHeader(HeaderActorRole)
		if id != "" {
			c.Set(ContextKeyActorID, id)
			c.Set(ContextKeyActorRole, role)
			c.Request = c.Request.WithContext(logging.ContextWithActor(c.Request.Context(), id, role))
		}
		c.Next()
	}
}

// RequireActor rejects requests without both actor headers
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, role := GetActor(c); id == "" || role == "" {
			AbortWithAppError(c, errors.ErrUnauthorized("X-Actor-ID and X-Actor-Role headers are required"))
			return
		}
		c.Next()
	}
}

// GetActor returns the actor id and role set by Actor
func GetActor(c *gin.Context) (id, role string) {
	id = c.GetString(ContextKeyActorID)
	role = c.GetString(ContextKeyActorRole)
	return id, role
}
