package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const AppConfigDir = ".config/rox"

// GetConfigDir returns ~/.config/rox, creating it when missing.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}

// ResolveFilePath prefers an existing file in the working directory and
// otherwise points into the user config directory. Absolute paths and the
// in-memory database name are returned unchanged.
func ResolveFilePath(filename string) string {
	if filename == ":memory:" || filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(configDir, filename)
}
