package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/omninoc/backend/internal/middleware"
	"github.com/omninoc/backend/internal/services"
)

type LLMController struct {
	llm      *services.LLMService
	runtimes services.RuntimeSource
}

func NewLLMController(llm *services.LLMService, runtimes services.RuntimeSource) *LLMController {
	return &LLMController{llm: llm, runtimes: runtimes}
}

// GetLLMStatus reports which AI backend the caller's company resolves to and
// whether it answers.
func (lc *LLMController) GetLLMStatus(c *gin.Context) {
	companyID := c.GetUint(middleware.ContextCompanyID)
	rt, err := lc.runtimes.Resolve(c.Request.Context(), companyID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}

	status := "healthy"
	var healthError string
	if err := lc.llm.CheckHealth(c.Request.Context(), rt); err != nil {
		status = "unhealthy"
		healthError = err.Error()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"healthError": healthError,
		"provider":    rt.Provider,
		"model":       rt.Model,
		"baseUrl":     rt.BaseURL,
		"source":      rt.Source,
	})
}

// GetLLMAPICalls returns the most recent AI backend calls
func (lc *LLMController) GetLLMAPICalls(c *gin.Context) {
	calls := lc.llm.GetAPICalls()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    calls,
		"total":   len(calls),
	})
}

// ClearLLMAPICalls forgets the tracked AI backend calls
func (lc *LLMController) ClearLLMAPICalls(c *gin.Context) {
	lc.llm.ClearAPICalls()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "LLM API calls cleared",
	})
}
