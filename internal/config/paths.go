package config

import (
	"os"
	"path/filepath"
)

// Dir returns the per-user state directory, honouring GRIDLINK_HOME.
func Dir() (string, error) {
	if d := os.Getenv("GRIDLINK_HOME"); d != "" {
		return d, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".gridlink"), nil
}

// EnsureDir creates dir and its runtime subdirectories.
func EnsureDir(dir string) error {
	for _, d := range []string{dir, filepath.Join(dir, "relay"), filepath.Join(dir, "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
