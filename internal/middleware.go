package internal

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// APIKeyMiddleware checks the bearer key on protected routes. When no key has been
// created yet the routes stay open.
func APIKeyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		required, err := HasAPIKeys()
		if err != nil {
			slog.Error("Error checking API keys", "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "Failed to check credentials",
			})
		}
		if !required {
			return next(c)
		}

		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || presented == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized: No API key presented",
			})
		}

		key, err := VerifyAPIKey(strings.TrimSpace(presented))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized: Invalid API key",
			})
		}

		// Store key name in context for logging by handlers
		c.Set("api_key", key.Name)

		return next(c)
	}
}

// NoCacheMiddleware adds cache control headers to prevent browser caching
// This ensures that converted files and API responses are always fetched fresh from the server
func NoCacheMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Set headers to prevent caching
		c.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, private")
		c.Response().Header().Set("Pragma", "no-cache")
		c.Response().Header().Set("Expires", "0")

		return next(c)
	}
}
