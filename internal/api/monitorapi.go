package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleMonitorStats returns the summary block plus per-model rows.
func (s *Server) handleMonitorStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":           s.monitor.Stats(),
		"model_stats":     s.monitor.ModelStatsList(),
		"agent_connected": s.channel.Connected(),
		"pending_queue":   s.queue.Len(),
	})
}

func (s *Server) handleMonitorActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": s.monitor.ActiveRequests()})
}

func (s *Server) handleMonitorRecent(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"recent": s.monitor.RecentRequests(queryLimit(c, 50))})
}

func (s *Server) handleMonitorErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"errors": s.monitor.RecentErrors(queryLimit(c, 30))})
}

func (s *Server) handleMonitorRequestLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.monitor.ReadLogs("requests", queryLimit(c, 50))})
}

func (s *Server) handleMonitorErrorLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.monitor.ReadLogs("errors", queryLimit(c, 50))})
}

func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
