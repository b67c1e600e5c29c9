// Package api exposes the HTTP surface of the bridge: the OpenAI-compatible
// completion endpoints, the browser agent WebSocket, the internal control
// endpoints used by the helper scripts, and the monitoring API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/lmbridge/internal/bridge"
	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/fetch"
	"github.com/lmbridge/lmbridge/internal/logging"
	"github.com/lmbridge/lmbridge/internal/monitor"
	"github.com/lmbridge/lmbridge/internal/resolver"
)

// Server wires the bridge components behind a gin engine.
type Server struct {
	store    *config.Store
	tables   *config.ModelTables
	channel  *bridge.Channel
	registry *bridge.Registry
	queue    *bridge.PendingQueue
	replayer *bridge.Replayer
	resolver *resolver.Resolver
	images   *fetch.ImageService
	uploader *fetch.Uploader
	monitor  *monitor.Service

	engine *gin.Engine
	httpd  *http.Server
}

// NewServer assembles the full service graph.
func NewServer(store *config.Store, tables *config.ModelTables, mon *monitor.Service) *Server {
	cfg := store.Get()

	channel := bridge.NewChannel()
	registry := bridge.NewRegistry()
	queue := bridge.NewPendingQueue()
	pool := fetch.NewPool(store)

	s := &Server{
		store:    store,
		tables:   tables,
		channel:  channel,
		registry: registry,
		queue:    queue,
		resolver: resolver.New(store, tables),
		images:   fetch.NewImageService(store, pool),
		uploader: fetch.NewUploader(store),
		monitor:  mon,
	}
	s.replayer = bridge.NewReplayer(queue, registry, channel, s.dispatch)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())
	s.engine = engine
	s.registerRoutes()

	s.httpd = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/ws", s.handleAgentSocket)

	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/models", s.handleListModels)
	v1.POST("/images/generations", s.handleImageGenerations)

	internal := s.engine.Group("/internal")
	internal.POST("/request_model_update", s.handleRequestModelUpdate)
	internal.POST("/update_available_models", s.handleUpdateAvailableModels)
	internal.POST("/start_id_capture", s.handleStartIDCapture)
	internal.GET("/retry_policy", s.handleRetryPolicy)

	mon := s.engine.Group("/api/monitor")
	mon.GET("/stats", s.handleMonitorStats)
	mon.GET("/active", s.handleMonitorActive)
	mon.GET("/recent", s.handleMonitorRecent)
	mon.GET("/errors", s.handleMonitorErrors)
	mon.GET("/logs/requests", s.handleMonitorRequestLogs)
	mon.GET("/logs/errors", s.handleMonitorErrorLogs)
}

// Run starts the HTTP listener, the replay consumer, and the metadata
// sweeper. It blocks until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.replayer.Run(ctx)
	go s.runSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api server listening on %s", s.httpd.Addr)
		if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpd.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSweeper abandons requests whose metadata outlived its timeout.
func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := s.store.Get().MetadataTimeout()
			if n := s.registry.Sweep(maxAge); n > 0 {
				log.Warnf("sweeper abandoned %d stale requests", n)
			}
		}
	}
}

// Channel exposes the transport channel, used by the watcher to push
// reconnect commands after a reload.
func (s *Server) Channel() *bridge.Channel {
	return s.channel
}

// Resolver exposes the session resolver so the watcher can reset round
// robin cursors after the endpoint map reloads.
func (s *Server) Resolver() *resolver.Resolver {
	return s.resolver
}
