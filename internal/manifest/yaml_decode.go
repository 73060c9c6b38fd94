package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlWorkspace mirrors the on-disk manifest shape before it is lifted
// into the immutable Workspace value.
type yamlWorkspace struct {
	Version  string                 `yaml:"version"`
	Name     string                 `yaml:"name"`
	LogDir   string                 `yaml:"log_dir,omitempty"`
	Env      map[string]string      `yaml:"env,omitempty"`
	Services map[string]yamlService `yaml:"services"`
}

type yamlService struct {
	Execute      yamlExecute          `yaml:"execute"`
	Dependencies []yamlDependency     `yaml:"dependencies,omitempty"`
	Critical     bool                 `yaml:"critical,omitempty"`
	GPU          bool                 `yaml:"gpu,omitempty"`
	Health       *yamlHealth          `yaml:"health_check,omitempty"`
	Policy       *yamlPolicy          `yaml:"policy,omitempty"`
}

type yamlHealth struct {
	Type               string   `yaml:"type"`
	Path               string   `yaml:"path,omitempty"`
	Port               int      `yaml:"port,omitempty"`
	Command            string   `yaml:"command,omitempty"`
	Interval           Duration `yaml:"interval"`
	Timeout            Duration `yaml:"timeout"`
	GracePeriod        Duration `yaml:"grace_period,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty"`
}

type yamlPolicy struct {
	Restart      string   `yaml:"restart"`
	MaxRestarts  uint32   `yaml:"max_restarts,omitempty"`
	RestartDelay Duration `yaml:"restart_delay,omitempty"`
	StopTimeout  Duration `yaml:"stop_timeout,omitempty"`
}

// yamlExecute decodes the `execute` tagged union. It is decoded by hand
// (rather than relying on yaml.v3's lack of tagged-enum support) because
// the variant is picked by a `type` field and each variant accepts a
// different field set.
type yamlExecute struct {
	Type        ExecuteKind
	Task        string
	Environment string
	StopTask    string
	Package     string
	LaunchFile  string
	LaunchArgs  map[string]string
	Command     string
	StopCommand string
	WorkingDir  string
}

func (e *yamlExecute) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Type        string            `yaml:"type"`
		Task        string            `yaml:"task"`
		Environment string            `yaml:"environment"`
		StopTask    string            `yaml:"stop_task"`
		Package     string            `yaml:"package"`
		LaunchFile  string            `yaml:"launch_file"`
		LaunchArgs  map[string]string `yaml:"launch_args"`
		Command     string            `yaml:"command"`
		StopCommand string            `yaml:"stop_command"`
		WorkingDir  string            `yaml:"working_dir"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	kind := ExecuteKind(raw.Type)
	switch kind {
	case ExecutePixi:
		if raw.Task == "" {
			return fmt.Errorf("execute.task is required for pixi services")
		}
	case ExecuteROS2:
		if raw.Package == "" || raw.LaunchFile == "" {
			return fmt.Errorf("execute.package and execute.launch_file are required for ros2 services")
		}
	case ExecuteShell:
		if raw.Command == "" {
			return fmt.Errorf("execute.command is required for shell services")
		}
	case ExecuteContainer:
		// accepted by the loader; the orchestrator rejects it when it is constructed.
	default:
		return fmt.Errorf("execute.type must be one of pixi, ros2, shell, docker, got %q", raw.Type)
	}

	*e = yamlExecute{
		Type:        kind,
		Task:        raw.Task,
		Environment: raw.Environment,
		StopTask:    raw.StopTask,
		Package:     raw.Package,
		LaunchFile:  raw.LaunchFile,
		LaunchArgs:  raw.LaunchArgs,
		Command:     raw.Command,
		StopCommand: raw.StopCommand,
		WorkingDir:  raw.WorkingDir,
	}
	return nil
}

// yamlDependency accepts all three legal forms (spec.md §6 and §9 Open
// Question 1): a bare "svc" string (defaults to Started), a "svc
// condition" string, and a single-key mapping {svc: condition}.
type yamlDependency struct {
	Target    string
	Condition DependencyCondition
}

func (d *yamlDependency) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		target, cond, err := splitDependencyString(s)
		if err != nil {
			return err
		}
		d.Target, d.Condition = target, cond
		return nil

	case yaml.MappingNode:
		var m map[string]string
		if err := value.Decode(&m); err != nil {
			return err
		}
		if len(m) != 1 {
			return fmt.Errorf("dependency mapping must have exactly one key, got %d", len(m))
		}
		for target, condStr := range m {
			cond, err := parseCondition(condStr)
			if err != nil {
				return err
			}
			d.Target, d.Condition = target, cond
		}
		return nil

	default:
		return fmt.Errorf("dependency entry must be a string or a single-key mapping")
	}
}

func splitDependencyString(s string) (string, DependencyCondition, error) {
	target, condStr, hasCond := cutLastSpace(s)
	if !hasCond {
		return target, ConditionStarted, nil
	}
	cond, err := parseCondition(condStr)
	if err != nil {
		return "", "", err
	}
	return target, cond, nil
}

// cutLastSpace splits "svc condition" into ("svc", "condition", true);
// a bare "svc" with no space returns (s, "", false).
func cutLastSpace(s string) (string, string, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func parseCondition(s string) (DependencyCondition, error) {
	switch DependencyCondition(s) {
	case ConditionStarted, ConditionHealthy:
		return DependencyCondition(s), nil
	default:
		return "", fmt.Errorf("dependency condition must be \"started\" or \"healthy\", got %q", s)
	}
}
