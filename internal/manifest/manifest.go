// Package manifest deserializes and validates a workspace manifest: the
// declarative YAML file listing named services, their dependencies, and
// their restart policy. Loading is a pure pass — it produces an
// immutable Workspace value and performs no process supervision.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var serviceNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Workspace is the whole set of services declared by one manifest, plus
// their shared environment and metadata. Immutable after Load.
type Workspace struct {
	Name     string
	Env      map[string]string
	LogDir   string
	Services map[string]*ServiceSpec

	// dir is the manifest's parent directory, used to resolve relative
	// working_dir paths in execute specs.
	dir string
}

// Dir returns the directory the manifest was loaded from.
func (w *Workspace) Dir() string { return w.dir }

// ServiceSpec is one named service definition.
type ServiceSpec struct {
	Name         string
	Execute      ExecuteSpec
	Dependencies []Dependency
	Critical     bool
	GPU          bool
	Health       *HealthCheck
	Policy       Policy
}

// ExecuteKind is the tagged variant of an ExecuteSpec.
type ExecuteKind string

const (
	ExecutePixi      ExecuteKind = "pixi"
	ExecuteROS2      ExecuteKind = "ros2"
	ExecuteShell     ExecuteKind = "shell"
	ExecuteContainer ExecuteKind = "docker"
)

// ExecuteSpec is a tagged union over the four executor kinds the manifest
// schema accepts. Only the fields relevant to Type are populated.
type ExecuteSpec struct {
	Type ExecuteKind

	// pixi
	Task        string
	Environment string
	StopTask    string

	// ros2
	Package    string
	LaunchFile string
	LaunchArgs map[string]string

	// shell
	Command     string
	StopCommand string

	// common to pixi/ros2/shell
	WorkingDir string
}

// DependencyCondition is the precondition a dependent waits for.
type DependencyCondition string

const (
	ConditionStarted DependencyCondition = "started"
	ConditionHealthy DependencyCondition = "healthy"
)

// Dependency is one declared edge: this service waits on Target reaching
// Condition before it is started.
type Dependency struct {
	Target    string
	Condition DependencyCondition
}

// HealthCheck configures an optional active health probe. Out of the
// orchestration core proper — see internal/health — but parsed here
// since it lives in the manifest schema.
type HealthCheck struct {
	Type               string // "http" | "tcp" | "exec"
	Path               string
	Port               int
	Command            string
	Interval           Duration
	Timeout            Duration
	GracePeriod        Duration
	UnhealthyThreshold int
}

// RestartKind is the service's restart policy.
type RestartKind string

const (
	RestartAlways    RestartKind = "always"
	RestartOnFailure RestartKind = "on-failure"
	RestartNever     RestartKind = "never"
)

// Policy is a service's restart and stop behavior.
type Policy struct {
	Restart      RestartKind
	MaxRestarts  uint32
	RestartDelay Duration
	StopTimeout  Duration
}

// DefaultPolicy is applied when a service omits its policy block.
func DefaultPolicy() Policy {
	return Policy{
		Restart:      RestartOnFailure,
		MaxRestarts:  0,
		RestartDelay: Duration{5 * time.Second},
		StopTimeout:  Duration{30 * time.Second},
	}
}

// Load reads and validates a workspace manifest from path.
func Load(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var doc yamlWorkspace
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	w, err := doc.toWorkspace(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("validating manifest %s: %w", path, err)
	}

	return w, nil
}
