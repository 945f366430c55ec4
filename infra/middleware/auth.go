package middleware

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
	"github.com/GPEire/Tradie-GSuite/pkg/response"
)

// JWTAuth validates a bearer token and stores the subject in
// c.Locals("user_id"). Tokens are HS256 signed with the shared secret.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		var tokenString string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
		if tokenString == "" {
			// EventSource cannot set headers, so the token may ride a
			// query param.
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return response.AppError(c, apperr.Unauthorized("missing authorization"))
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.WithError(err).Debug("token validation failed")
			return response.AppError(c, apperr.InvalidToken("invalid token"))
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return response.AppError(c, apperr.InvalidToken("invalid claims"))
		}

		if exp, ok := claims["exp"].(float64); ok {
			if time.Now().Unix() > int64(exp) {
				return response.AppError(c, apperr.InvalidToken("token expired"))
			}
		}

		userID, ok := claims["sub"].(string)
		if !ok || userID == "" {
			return response.AppError(c, apperr.InvalidToken("missing subject"))
		}

		c.Locals("user_id", userID)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// WebhookAuth gates push delivery endpoints with the shared token the
// push subscription was registered with. Pub/Sub appends it as a query
// param; other callers may use the X-Webhook-Token header.
func WebhookAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return response.AppError(c, apperr.ConfigError("webhook token not configured"))
		}
		got := c.Query("token")
		if got == "" {
			got = c.Get("X-Webhook-Token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warn("webhook call with bad token from %s", c.IP())
			return response.AppError(c, apperr.Unauthorized("invalid webhook token"))
		}
		return c.Next()
	}
}
