package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/omninoc/backend/internal/models"
)

// Context keys set by TenantAuth
const (
	ContextUserID    = "user_id"
	ContextCompanyID = "company_id"
	ContextProjectID = "project_id"
)

var ErrMissingScope = errors.New("token does not carry a company and project")

// TenantAuth validates the console's bearer token and puts the user,
// company and project it was issued for into the context.
func TenantAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authorization header required",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid authorization header format",
			})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid token",
			})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid token",
			})
			return
		}

		companyID := uintClaim(claims, "company_id")
		projectID := uintClaim(claims, "project_id")
		if companyID == 0 || projectID == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   ErrMissingScope.Error(),
			})
			return
		}

		c.Set(ContextCompanyID, companyID)
		c.Set(ContextProjectID, projectID)
		if userID := uintClaim(claims, "user_id"); userID > 0 {
			c.Set(ContextUserID, userID)
		}

		c.Next()
	}
}

// uintClaim reads a numeric claim. Tokens minted by the console carry ids
// as JSON numbers; some older ones carry them as strings.
func uintClaim(claims jwt.MapClaims, name string) uint {
	switch v := claims[name].(type) {
	case float64:
		if v > 0 {
			return uint(v)
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return uint(n)
		}
	}
	return 0
}

// Scope combines the token's company and project with the :serverId path
// parameter. The returned scope is invalid when any part is missing.
func Scope(c *gin.Context) models.TenantScope {
	serverID, _ := strconv.ParseUint(c.Param("serverId"), 10, 64)
	return models.TenantScope{
		CompanyID: c.GetUint(ContextCompanyID),
		ProjectID: c.GetUint(ContextProjectID),
		ServerID:  uint(serverID),
	}
}

// ActorUserID returns the authenticated user, if the token named one.
func ActorUserID(c *gin.Context) *uint {
	if id := c.GetUint(ContextUserID); id > 0 {
		return &id
	}
	return nil
}
