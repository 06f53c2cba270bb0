package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-session/internal/models"
)

const participantKey = "participantID"

// SessionAuth admits requests that carry the session's own bearer token.
func SessionAuth(session models.SessionContext) gin.HandlerFunc {
	expected := []byte(session.Token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(participantKey, session.SelfID())
		c.Next()
	}
}

// ParticipantID returns the id set by SessionAuth.
func ParticipantID(c *gin.Context) string {
	return c.GetString(participantKey)
}
