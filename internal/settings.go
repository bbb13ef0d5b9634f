package internal

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Settings represents persisted settings stored as JSON
type Settings struct {
	Defaults ConversionOptions `json:"defaults"`
}

// configDefaults are the options from the environment; stored settings override them
var configDefaults = ConversionOptions{NewFormat: "jpeg", MaxSize: 1000, Quality: 85}

// SetConfigDefaults installs the environment defaults
func SetConfigDefaults(opts ConversionOptions) {
	configDefaults = opts
}

// GetDefaultSettings returns the default settings
func GetDefaultSettings() Settings {
	return Settings{Defaults: configDefaults}
}

// GetSettings retrieves the stored settings, or the defaults when nothing is stored
func GetSettings() (Settings, error) {
	if db == nil {
		return GetDefaultSettings(), nil
	}

	var settingsJSON string
	err := db.QueryRow("SELECT settings_json FROM settings WHERE id = 1").Scan(&settingsJSON)
	if err == sql.ErrNoRows {
		// Return default settings if no settings exist
		return GetDefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}

	// fields missing from the stored JSON keep their defaults
	settings := GetDefaultSettings()
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// SaveSettings saves the settings
func SaveSettings(settings Settings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	_, err = db.Exec(`
		INSERT INTO settings (id, settings_json, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`, string(settingsJSON), now)

	return err
}

// currentDefaults is what a request without explicit options converts with
func currentDefaults() ConversionOptions {
	settings, err := GetSettings()
	if err != nil {
		slog.Error("Error getting settings", "error", err)
		return configDefaults
	}
	return settings.Defaults
}

// HandleGetSettings handles GET /api/settings
func HandleGetSettings(c echo.Context) error {
	settings, err := GetSettings()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to get settings",
		})
	}

	return c.JSON(http.StatusOK, settings)
}

// HandleUpdateSettings handles PUT /api/settings
func HandleUpdateSettings(c echo.Context) error {
	var settings Settings
	if err := c.Bind(&settings); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid settings data",
		})
	}

	if err := ValidateOptions(settings.Defaults); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	if err := SaveSettings(settings); err != nil {
		slog.Error("Error saving settings", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to save settings",
		})
	}

	return c.JSON(http.StatusOK, settings)
}
