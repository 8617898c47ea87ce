// Package config resolves vaultd's on-disk configuration directory,
// following the teacher CLI's pkg/config convention of wrapping
// os.UserConfigDir rather than hardcoding a platform path.
package config

import (
	"errors"
	"os"
	"path/filepath"
)

const (
	dirName          = "vaultd"
	RegistryFileName = "registry.db"
	PreferencesFileName = "preferences.json"
)

// UserConfigDirectory is overridable in tests, mirroring the teacher's
// config.UserConfigDirectory var.
var UserConfigDirectory = os.UserConfigDir

// Dir returns (and ensures exists) vaultd's config directory.
func Dir() (string, error) {
	base, err := UserConfigDirectory()
	if err != nil {
		return "", errors.New("user config directory not found")
	}
	dir := filepath.Join(base, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// RegistryPath returns the path to the sqlite-backed vault registry.
func RegistryPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, RegistryFileName), nil
}

// PreferencesPath returns the path to the JSON preferences blob.
func PreferencesPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, PreferencesFileName), nil
}
