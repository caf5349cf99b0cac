package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/imyashkale/mcporchestrator/internal/logger"
)

// Authentication validates HS256 bearer tokens signed with secret. An empty
// secret disables authentication.
func Authentication(secret string) gin.HandlerFunc {
	if secret == "" {
		logger.Warn("DASHBOARD_JWT_SECRET not set, API authentication is disabled")
		return func(c *gin.Context) { c.Next() }
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			logger.WithField("path", c.Request.URL.Path).Warn("Authentication failed: missing or invalid authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid authorization header",
			})
			return
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(strings.TrimSpace(authHeader[len(prefix):]), claims, keyFunc)
		if err != nil || !token.Valid {
			code, message := "invalid_token", "Token is not valid"
			if err != nil {
				message = err.Error()
			}
			if errors.Is(err, jwt.ErrTokenExpired) {
				code, message = "token_expired", "Token has expired"
			}
			logger.WithFields(map[string]interface{}{
				"path":  c.Request.URL.Path,
				"error": message,
			}).Warn("Authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": message,
			})
			return
		}

		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			c.Set("user_id", sub)
		}
		c.Set("token_claims", claims)
		c.Next()
	}
}
