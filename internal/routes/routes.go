package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/controllers"
	"github.com/omninoc/backend/internal/metrics"
	"github.com/omninoc/backend/internal/middleware"
	"github.com/omninoc/backend/internal/services"
)

// Dependencies are the services the API is built on.
type Dependencies struct {
	Assistant *services.AssistantService
	LLM       *services.LLMService
	Runtimes  services.RuntimeSource
}

// SetupRoutes configures all application routes
func SetupRoutes(r *gin.Engine, cfg *config.Config, deps Dependencies) {
	controllers.RegisterValidators()

	assistantController := controllers.NewAssistantController(deps.Assistant)
	llmController := controllers.NewLLMController(deps.LLM, deps.Runtimes)
	turnLimiter := middleware.NewScopeLimiter(cfg.Assistant.TurnsPerMinute, cfg.Assistant.TurnBurst)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")
	api.Use(middleware.TenantAuth(cfg.Auth.JWTSecret))
	{
		// Server assistant
		ai := api.Group("/servers/:serverId/ai")
		{
			ai.GET("/logs", assistantController.GetLogs)
			ai.GET("/messages", assistantController.GetMessages)
			ai.POST("/messages/stream", middleware.TurnRateLimit(turnLimiter), assistantController.StreamMessage)
			ai.POST("/messages", middleware.TurnRateLimit(turnLimiter), assistantController.SendMessage)
			ai.POST("/messages/:messageId/resolve", assistantController.ResolveMessage)
			ai.POST("/analysis", assistantController.Analyze)
			ai.POST("/title", assistantController.SuggestTitle)
			ai.POST("/diagnostics", assistantController.SaveDiagnostic)
			ai.GET("/diagnostics", assistantController.GetDiagnostics)
			ai.GET("/diagnostics/:diagnosticId", assistantController.GetDiagnostic)
		}

		// LLM status and call tracking
		llm := api.Group("/llm")
		{
			llm.GET("/status", llmController.GetLLMStatus)
			llm.GET("/api-calls", llmController.GetLLMAPICalls)
			llm.DELETE("/api-calls", llmController.ClearLLMAPICalls)
		}
	}
}
