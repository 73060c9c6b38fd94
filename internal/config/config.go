// Package config loads the daemon's small persistent settings file and
// locates the workspace manifest the same way the original CLI's
// config_discovery module does: explicit path, then KRILL_CONFIG, then
// ./krill.yaml or the nearest parent directory's krill.yaml, then
// ~/.krill/krill.yaml.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds persistent daemon configuration loaded from
// ~/.krill/config.yaml.
type Config struct {
	SocketPath string `yaml:"socket_path"`
	LogDir     string `yaml:"log_dir"`
}

// DefaultPath returns the default config file path: ~/.krill/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".krill", "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DiscoverManifest finds the workspace manifest to load, in priority order:
//  1. explicit, if non-empty
//  2. KRILL_CONFIG environment variable
//  3. ./krill.yaml in the current directory, else krill.yaml in the
//     nearest parent directory that has one
//  4. ~/.krill/krill.yaml
func DiscoverManifest(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", errFileNotFound(explicit)
		}
		return explicit, nil
	}

	if envPath := os.Getenv("KRILL_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", errFileNotFound(envPath)
		}
		return envPath, nil
	}

	if _, err := os.Stat("krill.yaml"); err == nil {
		return "krill.yaml", nil
	}
	if found, ok := findUpward("krill.yaml"); ok {
		return found, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		homeConfig := filepath.Join(home, ".krill", "krill.yaml")
		if _, err := os.Stat(homeConfig); err == nil {
			return homeConfig, nil
		}
	}

	return "", errNotFoundAnywhere
}

// findUpward walks from the current directory up through its parents
// looking for name, stopping at the filesystem root. This mirrors the
// original CLI's config_discovery module, which lets a subcommand run
// from any subdirectory of a workspace checkout and still find its
// manifest.
func findUpward(name string) (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

var errNotFoundAnywhere = errors.New("configuration file not found: tried --manifest, KRILL_CONFIG, ./krill.yaml and parent directories, ~/.krill/krill.yaml")

func errFileNotFound(path string) error {
	return &notFoundError{path: path}
}

type notFoundError struct{ path string }

func (e *notFoundError) Error() string {
	return "config file not found: " + e.path
}
