package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/navidesk/sentinel/internal/actor"
)

// contextKeyActor is the gin context key holding the resolved actor.
const contextKeyActor = "authActor"

// Middleware resolves the request credential to an actor when one is
// presented. It never rejects: route handlers decide what they require.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("Authorization")
		if credential == "" {
			credential = c.GetHeader("X-API-Key")
		}

		if credential != "" {
			if who, err := m.Resolve(c.Request.Context(), credential); err == nil {
				c.Set(contextKeyActor, who)
			}
		}

		c.Next()
	}
}

// RequireActor rejects requests that did not resolve to any actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(contextKeyActor); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credential required. Include 'Authorization: Bearer key_...' or the engine token.",
			})
			return
		}
		c.Next()
	}
}

// RequireHuman rejects requests not made by an operator. Used for routes the
// autonomous engine must never call, such as reversals of its own actions.
func RequireHuman() gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := CallerActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credential required.",
			})
			return
		}
		if who.IsAutonomous() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Operator credential required.",
			})
			return
		}
		c.Next()
	}
}

// CallerActor returns the actor resolved for this request.
func CallerActor(c *gin.Context) (actor.Actor, bool) {
	v, ok := c.Get(contextKeyActor)
	if !ok {
		return actor.Actor{}, false
	}
	who, ok := v.(actor.Actor)
	return who, ok
}
