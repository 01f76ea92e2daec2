package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"example.com/backstage/services/fleet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger middleware.
func Logger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":    c.Writer.Status(),
			"latency":   time.Since(start),
			"client_ip": c.ClientIP(),
			"method":    c.Request.Method,
			"path":      path,
		}).Info("Request processed")
	}
}

// APIKeyAuth guards administrative endpoints.
func APIKeyAuth(repo core.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		apiKey, err := repo.GetAPIKey(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			c.Abort()
			return
		}

		if apiKey.ExpiresAt != nil && apiKey.ExpiresAt.Before(time.Now()) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "api key expired"})
			c.Abort()
			return
		}

		go repo.UpdateAPIKeyLastUsed(context.Background(), apiKey.Key)

		c.Set("api_key", apiKey)
		c.Next()
	}
}

// RequirePermission checks the authenticated key for a permission string.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyVal, exists := c.Get("api_key")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no api key found"})
			c.Abort()
			return
		}

		apiKey, ok := apiKeyVal.(*core.APIKey)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid api key type"})
			c.Abort()
			return
		}

		hasPermission := false
		for _, perm := range apiKey.Permissions {
			if perm == permission || perm == "admin" {
				hasPermission = true
				break
			}
		}

		if !hasPermission {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// CORS middleware.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
