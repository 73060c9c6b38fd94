package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "krill.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func TestLoadValidWorkspace(t *testing.T) {
	path := writeManifest(t, `
version: "1"
name: demo
log_dir: logs
services:
  broker:
    execute:
      type: shell
      command: broker-bin --port 9000
  worker:
    execute:
      type: shell
      command: worker-bin
    dependencies:
      - "broker healthy"
    policy:
      restart: always
      restart_delay: 2s
      stop_timeout: 10s
`)

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if w.Name != "demo" {
		t.Errorf("Name = %q, want demo", w.Name)
	}
	if len(w.Services) != 2 {
		t.Fatalf("len(Services) = %d, want 2", len(w.Services))
	}
	worker := w.Services["worker"]
	if len(worker.Dependencies) != 1 {
		t.Fatalf("len(worker.Dependencies) = %d, want 1", len(worker.Dependencies))
	}
	dep := worker.Dependencies[0]
	if dep.Target != "broker" || dep.Condition != ConditionHealthy {
		t.Errorf("dependency = %+v, want {broker healthy}", dep)
	}
	if worker.Policy.Restart != RestartAlways {
		t.Errorf("Policy.Restart = %q, want always", worker.Policy.Restart)
	}
}

func TestLoadDependencyForms(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  a:
    execute: {type: shell, command: a-bin}
  b:
    execute: {type: shell, command: b-bin}
    dependencies:
      - a
  c:
    execute: {type: shell, command: c-bin}
    dependencies:
      - a started
  d:
    execute: {type: shell, command: d-bin}
    dependencies:
      - {a: healthy}
`)

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := map[string]DependencyCondition{
		"b": ConditionStarted,
		"c": ConditionStarted,
		"d": ConditionHealthy,
	}
	for svc, want := range cases {
		deps := w.Services[svc].Dependencies
		if len(deps) != 1 || deps[0].Target != "a" || deps[0].Condition != want {
			t.Errorf("service %s dependencies = %+v, want [{a %s}]", svc, deps, want)
		}
	}
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  a:
    execute: {type: shell, command: a-bin}
    dependencies:
      - ghost
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for dependency on unknown service, got nil")
	}
}

func TestLoadRejectsSelfDependency(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  a:
    execute: {type: shell, command: a-bin}
    dependencies:
      - a
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for self-dependency, got nil")
	}
}

func TestLoadRejectsUnsafeShellCommand(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  a:
    execute: {type: shell, command: "a-bin; rm -rf /"}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for unsafe shell command, got nil")
	}
}

func TestLoadRejectsInvalidServiceName(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  "bad name!":
    execute: {type: shell, command: a-bin}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for invalid service name, got nil")
	}
}

func TestLoadRos2RequiresPackageAndLaunchFile(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  nav:
    execute:
      type: ros2
      package: nav2_bringup
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for ros2 service missing launch_file, got nil")
	}
}

func TestLoadAcceptsContainerTypeButOrchestratorRejectsLater(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  web:
    execute:
      type: docker
      command: nginx
`)
	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if w.Services["web"].Execute.Type != ExecuteContainer {
		t.Errorf("Execute.Type = %q, want docker", w.Services["web"].Execute.Type)
	}
}

func TestDefaultPolicyApplied(t *testing.T) {
	path := writeManifest(t, `
name: demo
services:
  a:
    execute: {type: shell, command: a-bin}
`)
	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := w.Services["a"].Policy
	if p.Restart != RestartOnFailure {
		t.Errorf("default Restart = %q, want on-failure", p.Restart)
	}
	if p.RestartDelay.Duration.Seconds() != 5 {
		t.Errorf("default RestartDelay = %v, want 5s", p.RestartDelay.Duration)
	}
}
