package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskdeck-conflict-engine/internal/classify"
	"taskdeck-conflict-engine/internal/config"
	"taskdeck-conflict-engine/internal/detect"
	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/internal/handler"
	"taskdeck-conflict-engine/internal/logging"
	"taskdeck-conflict-engine/internal/metrics"
	"taskdeck-conflict-engine/internal/middleware"
	"taskdeck-conflict-engine/internal/resolve"
	"taskdeck-conflict-engine/internal/store"
	"taskdeck-conflict-engine/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		logger.Fatal("failed to connect to CouchDB", zap.Error(err))
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		logger.Fatal("failed to check database existence", zap.Error(err))
	}
	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			logger.Fatal("failed to create database", zap.Error(err))
		}
		logger.Info("created database", zap.String("name", cfg.Database.Name))
	}

	rules := classify.DefaultSeverityRules()
	if cfg.Engine.SeverityRulesPath != "" {
		rules, err = classify.LoadSeverityRules(cfg.Engine.SeverityRulesPath)
		if err != nil {
			logger.Fatal("failed to load severity rules", zap.Error(err))
		}
	}

	docStore := store.NewCouchStore(client, cfg.Database.Name, logger)
	cache := store.NewVersionCache(cfg.Engine.CacheSize)

	classifier := classify.New(classify.Config{
		Rules:           rules,
		Origin:          cfg.Engine.Origin,
		VerifyChecksums: cfg.Engine.VerifyChecksums,
		StringSeparator: cfg.Engine.StringSeparator,
		MaxDifferences:  cfg.Engine.MaxDifferences,
	})

	coordinator := resolve.NewCoordinator(
		docStore,
		classifier,
		resolve.NewRandSource(time.Now().UnixNano()),
		resolve.Config{
			Origin:          cfg.Engine.Origin,
			TieBreak:        resolve.TieBreak(cfg.Engine.LWWTieBreak),
			VerifyChecksums: cfg.Engine.VerifyChecksums,
			WriteTimeout:    cfg.Engine.WriteTimeout,
		},
		logger,
	)

	engineMetrics := metrics.New(prometheus.DefaultRegisterer)

	pipeline := detect.NewPipeline(docStore, cache, classifier, coordinator, engineMetrics, detect.Config{
		DebounceInterval: cfg.Engine.DebounceInterval,
		Workers:          cfg.Engine.Workers,
	}, logger)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logger,
	)
	go wsManager.Run()

	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(pipeline))

	pipeline.OnConflict(func(info *domain.ConflictInfo) {
		if msg, err := websocket.NewMessage(websocket.TypeConflictDetected, info); err == nil {
			wsManager.Broadcast(msg)
		}
	})
	pipeline.OnResolved(func(result *domain.ResolutionResult) {
		if msg, err := websocket.NewMessage(websocket.TypeConflictResolved, result); err == nil {
			wsManager.Broadcast(msg)
		}
	})

	conflictHandler := handler.NewConflictHandler(pipeline)
	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, logger)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))
	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RequestsPerMinute))
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/conflicts", conflictHandler.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/conflicts/{id}", conflictHandler.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/conflicts/{id}/resolve", conflictHandler.Resolve).Methods("POST", "OPTIONS")
	protected.HandleFunc("/conflicts/{id}/retry", conflictHandler.Retry).Methods("POST", "OPTIONS")
	protected.HandleFunc("/stats", conflictHandler.Stats).Methods("GET", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()

	if err := pipeline.Start(pipelineCtx); err != nil {
		logger.Fatal("failed to start detection pipeline", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting Taskdeck conflict engine",
			zap.String("addr", addr),
			zap.String("env", cfg.Server.Env),
			zap.String("database", cfg.Database.Name),
			zap.String("origin", cfg.Engine.Origin),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	cancelPipeline()
	pipeline.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped gracefully")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"taskdeck-conflict-engine"}`))
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"Taskdeck Conflict Engine API","version":"1.0.0","endpoints":{"/api/v1/conflicts":"GET (protected)","/api/v1/conflicts/{id}/resolve":"POST (protected)","/api/v1/stats":"GET (protected)","/metrics":"GET","/health":"GET"}}`))
}
