package main

import (
	"os"
	"path/filepath"
)

// krillHome returns the path to the krill home directory (~/.krill).
func krillHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".krill"), nil
}
