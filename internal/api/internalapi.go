package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// handleRequestModelUpdate asks the agent to send the arena page source so
// the available model list can be re-extracted.
func (s *Server) handleRequestModelUpdate(c *gin.Context) {
	if !s.channel.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "browser agent is not connected"})
		return
	}
	if err := s.channel.SendCommand("send_page_source"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	log.Info("send_page_source command sent to the agent")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "request to send page source sent"})
}

// handleUpdateAvailableModels receives the arena page HTML from the agent
// and rewrites available_models.json from the embedded model definitions.
func (s *Server) handleUpdateAvailableModels(c *gin.Context) {
	html, err := io.ReadAll(c.Request.Body)
	if err != nil || len(html) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "no HTML content received"})
		return
	}

	models := ExtractModelsFromHTML(string(html))
	if len(models) == 0 {
		log.Error("no model definitions found in the submitted page source")
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "could not extract model data from HTML"})
		return
	}

	if err = SaveAvailableModels("available_models.json", models); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "available models file updated"})
}

// handleStartIDCapture switches the agent into session ID capture mode on
// behalf of the ID updater helper.
func (s *Server) handleStartIDCapture(c *gin.Context) {
	if !s.channel.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "browser agent is not connected"})
		return
	}
	if err := s.channel.SendCommand("activate_id_capture"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	log.Info("activate_id_capture command sent to the agent")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "activation command sent"})
}

// handleRetryPolicy serves the empty-response retry contract the agent
// fulfills on its side.
func (s *Server) handleRetryPolicy(c *gin.Context) {
	policy := s.store.Get().EmptyResponseRetry
	c.JSON(http.StatusOK, gin.H{
		"enabled":       policy.Enabled,
		"max_retries":   policy.MaxRetries,
		"base_delay_ms": policy.BaseDelayMS,
		"max_delay_ms":  policy.MaxDelayMS,
	})
}
