package config

import (
	"os"
	"path/filepath"
)

// DataPath returns the root directory for supplybot data.
// It uses $SUPPLYBOT_PATH if set, otherwise defaults to ~/.supplybot.
func DataPath() string {
	if v := os.Getenv("SUPPLYBOT_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".supplybot")
	}
	return filepath.Join(home, ".supplybot")
}

// ConfigPath returns the path to the supplybot config file.
func ConfigPath() string {
	return filepath.Join(DataPath(), "config.jsonc")
}

// DotenvPath returns the path to the supplybot .env file.
func DotenvPath() string {
	return filepath.Join(DataPath(), ".env")
}

// TasksPath returns the directory holding persisted task records.
func TasksPath(dataDir string) string {
	return filepath.Join(dataDir, "tasks")
}

// AuditDBPath returns the path of the sqlite audit database.
func AuditDBPath(dataDir string) string {
	return filepath.Join(dataDir, "audit.db")
}
