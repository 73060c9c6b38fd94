package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `socket_path: /tmp/krill/krill.sock
log_dir: /tmp/krill/logs
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SocketPath != "/tmp/krill/krill.sock" {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, "/tmp/krill/krill.sock")
	}
	if cfg.LogDir != "/tmp/krill/logs" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/tmp/krill/logs")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.SocketPath != "" || cfg.LogDir != "" {
		t.Errorf("cfg = %+v, want zero value", cfg)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SocketPath != "" || cfg.LogDir != "" {
		t.Errorf("cfg = %+v, want zero value", cfg)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `socket_path: /tmp/krill/krill.sock
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SocketPath != "/tmp/krill/krill.sock" {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, "/tmp/krill/krill.sock")
	}
	if cfg.LogDir != "" {
		t.Errorf("LogDir = %q, want empty", cfg.LogDir)
	}
}

func TestLoadCommentsOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `# socket_path: /tmp/krill/krill.sock
# log_dir: /tmp/krill/logs
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SocketPath != "" || cfg.LogDir != "" {
		t.Errorf("cfg = %+v, want zero value", cfg)
	}
}

func TestDiscoverManifestExplicitPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("workspace: {}"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := DiscoverManifest(path)
	if err != nil {
		t.Fatalf("DiscoverManifest: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestDiscoverManifestExplicitPathMissing(t *testing.T) {
	t.Parallel()
	if _, err := DiscoverManifest("/nonexistent/krill.yaml"); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestDiscoverManifestEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(path, []byte("workspace: {}"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KRILL_CONFIG", path)

	got, err := DiscoverManifest("")
	if err != nil {
		t.Fatalf("DiscoverManifest: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestDiscoverManifestCurrentDirectory(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("krill.yaml", []byte("workspace: {}"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := DiscoverManifest("")
	if err != nil {
		t.Fatalf("DiscoverManifest: %v", err)
	}
	if got != "krill.yaml" {
		t.Errorf("got %q, want krill.yaml", got)
	}
}

func TestDiscoverManifestNotFound(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KRILL_CONFIG", "")
	t.Setenv("HOME", dir)

	if _, err := DiscoverManifest(""); err == nil {
		t.Fatal("expected error when no manifest can be found")
	}
}
