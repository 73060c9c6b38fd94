package manifest

import (
	"fmt"
	"strings"

	"github.com/zero-robotics/krill/internal/safetylint"
)

// Validate checks structural and cross-reference constraints that a
// single service or the yaml.v3 decode step cannot catch on its own:
// name shape, executor-specific required fields, dependency targets
// that actually exist, and shell commands free of shell metacharacters.
func (w *Workspace) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workspace name is required")
	}
	if len(w.Services) == 0 {
		return fmt.Errorf("workspace must declare at least one service")
	}

	for name, svc := range w.Services {
		if name != svc.Name {
			return fmt.Errorf("service key %q does not match its name %q", name, svc.Name)
		}
		if !serviceNameRe.MatchString(name) {
			return fmt.Errorf("service %q: invalid name, must match %s", name, serviceNameRe.String())
		}
		if err := svc.validate(); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		for _, dep := range svc.Dependencies {
			if dep.Target == name {
				return fmt.Errorf("service %q: cannot depend on itself", name)
			}
			if _, ok := w.Services[dep.Target]; !ok {
				return fmt.Errorf("service %q: depends on unknown service %q", name, dep.Target)
			}
		}
	}

	return nil
}

func (svc *ServiceSpec) validate() error {
	switch svc.Execute.Type {
	case ExecutePixi:
		if svc.Execute.Task == "" {
			return fmt.Errorf("pixi service requires execute.task")
		}
	case ExecuteROS2:
		if svc.Execute.Package == "" || svc.Execute.LaunchFile == "" {
			return fmt.Errorf("ros2 service requires execute.package and execute.launch_file")
		}
	case ExecuteShell:
		if err := safetylint.Validate(svc.Execute.Command); err != nil {
			return fmt.Errorf("execute.command: %w", err)
		}
		if svc.Execute.StopCommand != "" {
			if err := safetylint.Validate(svc.Execute.StopCommand); err != nil {
				return fmt.Errorf("execute.stop_command: %w", err)
			}
		}
	case ExecuteContainer:
		// legal in the manifest schema; the orchestrator rejects it at
		// startup since no container engine is wired in this build.
	default:
		return fmt.Errorf("unknown execute type %q", svc.Execute.Type)
	}

	if svc.Health != nil {
		switch svc.Health.Type {
		case "http":
			if svc.Health.Path == "" || svc.Health.Port == 0 {
				return fmt.Errorf("http health check requires path and port")
			}
			if !strings.HasPrefix(svc.Health.Path, "/") {
				return fmt.Errorf("http health check path must start with /")
			}
		case "tcp":
			if svc.Health.Port == 0 {
				return fmt.Errorf("tcp health check requires port")
			}
		case "exec":
			if svc.Health.Command == "" {
				return fmt.Errorf("exec health check requires command")
			}
			if err := safetylint.Validate(svc.Health.Command); err != nil {
				return fmt.Errorf("health_check.command: %w", err)
			}
		default:
			return fmt.Errorf("unknown health check type %q", svc.Health.Type)
		}
		if svc.Health.Interval.Duration <= 0 {
			return fmt.Errorf("health_check.interval must be positive")
		}
		if svc.Health.Timeout.Duration <= 0 {
			return fmt.Errorf("health_check.timeout must be positive")
		}
	}

	switch svc.Policy.Restart {
	case RestartAlways, RestartOnFailure, RestartNever:
	default:
		return fmt.Errorf("unknown restart policy %q", svc.Policy.Restart)
	}

	return nil
}
