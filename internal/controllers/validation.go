package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/services"
)

var registerOnce sync.Once

// RegisterValidators adds the custom binding tags used by request bodies.
// Safe to call more than once.
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("notblank", validateNotBlank)
		}
	})
}

// validateNotBlank rejects strings made only of whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// statusFor maps a service error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case services.CodeInvalidRequest:
		return http.StatusBadRequest
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeNotReady:
		return http.StatusServiceUnavailable
	case services.CodeTurnInProgress:
		return http.StatusConflict
	case services.CodeBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the JSON error body. Internal errors are logged and
// hidden from the client.
func respondError(c *gin.Context, err error) {
	code := services.ErrorCode(err)
	message := err.Error()
	if code == services.CodeInternal {
		logger.WithError(err, "controllers").
			WithField("path", c.FullPath()).
			Error("Request failed")
		message = "Internal server error"
	}
	c.JSON(statusFor(code), gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// respondBindError reports an invalid request body.
func respondBindError(c *gin.Context, err error) {
	message := "Invalid request body"
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		message = "Invalid field: " + verrs[0].Field()
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   message,
		"code":    services.CodeInvalidRequest,
	})
}

// queryLimit reads ?limit=, returning 0 when absent or invalid.
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid " + name,
			"code":    services.CodeInvalidRequest,
		})
		return 0, false
	}
	return uint(id), true
}
