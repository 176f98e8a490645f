package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/db"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/middleware"
	"github.com/omninoc/backend/internal/routes"
	"github.com/omninoc/backend/internal/secrets"
	"github.com/omninoc/backend/internal/services"
)

const version = "1.0.0"

func CORSMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Idempotency-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight request
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func main() {
	// Initialize logger first
	logger.Initialize()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}

	conn, err := db.Connect(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	if err := db.AutoMigrate(conn, cfg.Env == "local"); err != nil {
		logger.Fatal("Failed to migrate database", map[string]interface{}{"error": err.Error()})
	}

	// Tenant credentials stay unusable without APP_KEY; the env fallbacks still work.
	box, err := secrets.NewBox(cfg.AppKey)
	if err != nil {
		logger.Warn("APP_KEY is not configured, tenant credentials are disabled", nil)
	}

	llmService := services.NewLLMService(cfg.LLM)
	runtimes := services.NewRuntimeResolver(conn, cfg.LLM, box)
	assistant := services.NewAssistantService(
		conn,
		cfg.Assistant,
		services.NewObservabilityResolver(conn, cfg.Loki, box),
		runtimes,
		services.NewLokiClient(cfg.Loki.ConnectTimeout, cfg.Loki.Timeout),
		llmService,
	)

	// Turns left pending by a previous process will never finish
	if n, err := assistant.ReconcileStaleTurns(context.Background()); err != nil {
		logger.Error("Failed to reconcile stale chat turns", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.Info("Reconciled stale chat turns", map[string]interface{}{"turns": n})
	}

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(middleware.RequestLogger())
	r.Use(CORSMiddleware(cfg.Server.CORSOrigin))
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		dbStatus := "ok"
		var dbError string
		if err := db.Ping(conn); err != nil {
			dbStatus = "error"
			dbError = err.Error()
		}

		overallStatus := "ok"
		statusCode := http.StatusOK
		if dbStatus != "ok" {
			overallStatus = "error"
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    overallStatus,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   version,
			"services": gin.H{
				"database": gin.H{
					"status": dbStatus,
					"error":  dbError,
				},
			},
		})
	})

	routes.SetupRoutes(r, cfg, routes.Dependencies{
		Assistant: assistant,
		LLM:       llmService,
		Runtimes:  runtimes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting OmniNOC assistant server", map[string]interface{}{
		"port":     cfg.Server.Port,
		"gin_mode": gin.Mode(),
		"env":      cfg.Env,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	logger.Info("Shutting down server gracefully...", nil)

	// Active streams get the shutdown window to finish; their answers are
	// persisted even when the client is cut off.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		logger.Info("Server exited gracefully", nil)
	}
}
