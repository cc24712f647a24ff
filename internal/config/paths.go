package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the platform data directory where keepsake keeps its
// database and backups: ~/.local/share/keepsake on Linux (honoring
// XDG_DATA_HOME), ~/Library/Application Support/keepsake on macOS, and
// %LOCALAPPDATA%\keepsake on Windows.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "keepsake")
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "keepsake")
		}
		return filepath.Join(home, "AppData", "Local", "keepsake")
	default:
		if base := os.Getenv("XDG_DATA_HOME"); base != "" {
			return filepath.Join(base, "keepsake")
		}
		return filepath.Join(home, ".local", "share", "keepsake")
	}
}

// DefaultDatabasePath is where the sqlite_vec backend keeps its database
// when MCP_MEMORY_SQLITE_PATH is not set.
func DefaultDatabasePath() string {
	return filepath.Join(DataDir(), "keepsake.db")
}

// DefaultBackupDir is where snapshots land when MCP_MEMORY_BACKUPS_PATH is
// not set.
func DefaultBackupDir() string {
	return filepath.Join(DataDir(), "backups")
}
