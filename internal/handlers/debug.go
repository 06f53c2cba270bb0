package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-session/internal/chat"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, session *chat.Session, enabled bool) {
	if !enabled {
		return
	}

	router.POST("/debug/poll", func(c *gin.Context) {
		if session == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not started"})
			return
		}
		session.Presence.PollOnce(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"participants":  len(session.Presence.Participants()),
			"notifications": len(session.Presence.Notifications()),
		})
	})

	router.GET("/debug/transport", func(c *gin.Context) {
		if session == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not started"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": session.Channel.State()})
	})
}
