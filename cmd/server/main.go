package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/lmbridge/lmbridge/internal/api"
	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/logging"
	"github.com/lmbridge/lmbridge/internal/monitor"
	"github.com/lmbridge/lmbridge/internal/watcher"
)

func main() {
	var configPath string
	var modelsPath string
	var endpointsPath string
	var openDashboard bool

	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.StringVar(&modelsPath, "models", "models.json", "model table path")
	flag.StringVar(&endpointsPath, "endpoints", "model_endpoint_map.json", "model endpoint map path")
	flag.BoolVar(&openDashboard, "open", false, "open the monitoring dashboard in the default browser")
	flag.Parse()

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyLogSettings(cfg)

	store := config.NewStore(cfg)
	tables := config.NewModelTables()
	if err = tables.LoadModels(modelsPath); err != nil {
		log.Warnf("model table unavailable: %v", err)
	}
	if err = tables.LoadEndpoints(endpointsPath); err != nil {
		log.Warnf("model endpoint map unavailable: %v", err)
	}

	if err = os.MkdirAll("logs", 0o755); err != nil {
		log.Fatalf("cannot create log directory: %v", err)
	}
	var logs *monitor.LogStore
	if cfg.RequestLog {
		logs = monitor.NewLogStore()
	}
	mon, err := monitor.NewService(filepath.Join("logs", "stats.db"), logs)
	if err != nil {
		log.Fatalf("failed to open stats store: %v", err)
	}
	defer mon.Close()

	server := api.NewServer(store, tables, mon)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := watcher.New(configPath, modelsPath, endpointsPath, store, tables, func(next *config.Config) {
		applyLogSettings(next)
		server.Resolver().ResetCursors()
	})
	if err != nil {
		log.Fatalf("failed to create file watcher: %v", err)
	}
	if err = w.Start(ctx); err != nil {
		log.Warnf("file watching disabled: %v", err)
	}
	defer func() { _ = w.Stop() }()

	go mon.RunPersist(ctx, 30*time.Second)

	if openDashboard {
		go func() {
			time.Sleep(time.Second)
			url := fmt.Sprintf("http://127.0.0.1:%d/api/monitor/stats", cfg.Port)
			if err := open.Run(url); err != nil {
				log.Warnf("could not open the dashboard: %v", err)
			}
		}()
	}

	log.Infof("ArenaBridge starting on port %d (mode %s)", cfg.Port, cfg.IDUpdaterLastMode)
	if err = server.Run(ctx); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
	log.Info("server shut down")
}

// applyLogSettings pushes the config's logging switches onto logrus.
func applyLogSettings(cfg *config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Errorf("failed to configure log output: %v", err)
	}
}
