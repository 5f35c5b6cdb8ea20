// Package common provides shared constants, types, and utilities
// used across the tunnel daemon.
package common

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// GetRuntimeDir returns the directory for the control socket.
// XDG_RUNTIME_DIR is preferred; the config directory is the fallback.
func GetRuntimeDir() (string, error) {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, ConfigDirName), nil
	}
	return GetConfigDir()
}

// DefaultSocketPath returns the default control socket location.
func DefaultSocketPath() string {
	dir, err := GetRuntimeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ConfigDirName, SocketFileName)
	}
	return filepath.Join(dir, SocketFileName)
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}
