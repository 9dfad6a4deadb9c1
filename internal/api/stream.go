package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sse streams the user's events as server-sent events. Each frame carries
// the event kind as its name and the whole {type, data} record as data.
// The subscription is cancelled as soon as the client goes away.
func (s *Server) sse(c *gin.Context) {
	userID := CurrentUserID(c)
	sub := s.Engine.Subscribe(userID)
	defer sub.Cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
	s.logger.Debug("stream closed", "user_id", userID)
}
