package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joshua-takyi/bashbay-bookings/internal/helpers"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/supabase-community/gotrue-go/types"
)

// RequestID middleware adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// StructuredLogger provides structured logging middleware
func StructuredLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		requestID, _ := c.Get("request_id")

		logger.Info("HTTP Request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", latency,
			"client_ip", c.ClientIP(),
		)
	}
}

// ErrorHandler provides centralized error handling
func ErrorHandler(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()
			requestID, _ := c.Get("request_id")

			logger.Error("Request error",
				"request_id", requestID,
				"error", err.Error(),
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
			)

			// Don't return error details in production
			if !c.Writer.Written() {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":      "Internal server error",
					"request_id": requestID,
				})
			}
		}
	}
}

type TokenValidator interface {
	ValidateToken(token string) (*helpers.CustomClaims, error)
}

type ProfileLookup interface {
	GetProfile(ctx context.Context, id uuid.UUID, accessToken string) (*models.Profile, error)
	RefreshToken(ctx context.Context, refreshToken string) (*types.TokenResponse, error)
}

// accessToken reads the bearer header first and falls back to the
// access_token cookie set by the web client.
func accessToken(c *gin.Context) string {
	if token := helpers.BearerToken(c.GetHeader("Authorization")); token != "" {
		return token
	}
	token, _ := c.Cookie("access_token")
	return token
}

func unauthorized(c *gin.Context, reason string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"message": "Unauthorized access",
		"error":   reason,
	})
	c.Abort()
}

func AuthMiddleware(validator TokenValidator, profiles ProfileLookup, logger *slog.Logger, secureCookies bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := accessToken(c)
		if token == "" {
			unauthorized(c, "access token not found")
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			// Token validation failed, try to refresh
			refreshToken, refreshErr := c.Cookie("refresh_token")
			if refreshErr != nil {
				unauthorized(c, err.Error())
				return
			}

			tokenRes, refreshErr := profiles.RefreshToken(c.Request.Context(), refreshToken)
			if refreshErr != nil || tokenRes == nil || tokenRes.AccessToken == "" {
				logger.Error("Token refresh failed", "error", refreshErr)
				unauthorized(c, "Token expired and refresh failed")
				return
			}

			logger.Info("Token refreshed successfully",
				"user_id", tokenRes.User.ID,
				"expires_in", tokenRes.ExpiresIn,
			)
			c.SetCookie("access_token", tokenRes.AccessToken, tokenRes.ExpiresIn, "/", "", secureCookies, true)
			c.SetCookie("refresh_token", tokenRes.RefreshToken, 3600*24*30, "/", "", secureCookies, true)

			token = tokenRes.AccessToken
			claims, err = validator.ValidateToken(token)
			if err != nil {
				unauthorized(c, "Refreshed token validation failed")
				return
			}
		}

		// The role comes from the profiles table, not from the token.
		profileRole := models.RoleGuest
		var username, fullname string
		var createdAt time.Time
		userID, parseErr := uuid.Parse(claims.Subject)
		if parseErr != nil {
			logger.Error("Invalid user ID in token", "user_id", claims.Subject, "error", parseErr)
			unauthorized(c, "invalid subject in token")
			return
		}

		profile, err := profiles.GetProfile(c.Request.Context(), userID, token)
		if err != nil {
			logger.Info("Profile not found, using default role",
				"user_id", claims.Subject,
				"error", err,
			)
		} else {
			if profile.Role != "" {
				profileRole = profile.Role
			}
			username = profile.Username
			fullname = profile.FullName
			createdAt = profile.CreatedAt
		}

		enhancedClaims := &helpers.EnhancedClaims{
			CustomClaims: claims,
			Role:         profileRole,
			UserID:       claims.Subject,
			Username:     username,
			Email:        claims.Email,
			Fullname:     fullname,
			CreatedAt:    createdAt.Format(time.RFC3339),
		}

		c.Set("user", enhancedClaims)
		c.Set("user_id", enhancedClaims.UserID)
		c.Next()
	}
}

// RequireAdmin rejects callers whose profile role is not admin. It must
// run after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get("user")
		claims, ok := v.(*helpers.EnhancedClaims)
		if !ok || !claims.IsAdmin() {
			c.JSON(http.StatusForbidden, models.ErrorResponse("admin role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}
