// Package execspec translates a manifest ExecuteSpec into a concrete
// argv the runner can hand to exec.Command. It is a pure function of
// its input: no process is spawned here.
package execspec

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/zero-robotics/krill/internal/manifest"
)

// ErrExecutorUnsupported is returned for execute specs the engine
// accepts in the manifest schema but cannot run itself.
var ErrExecutorUnsupported = fmt.Errorf("executor type not supported by this build")

// Command is the result of building an ExecuteSpec: a concrete argv to
// run, its stop argv (if the spec declares one), and the resolved
// working directory.
type Command struct {
	Argv       []string
	StopArgv   []string
	WorkingDir string
}

// Build translates spec into a Command. manifestDir is the manifest
// file's parent directory, used to resolve a relative working_dir.
func Build(spec manifest.ExecuteSpec, manifestDir string) (Command, error) {
	cmd := Command{WorkingDir: resolveWorkingDir(spec.WorkingDir, manifestDir)}

	switch spec.Type {
	case manifest.ExecutePixi:
		cmd.Argv = pixiArgv(spec.Environment, spec.Task)
		if spec.StopTask != "" {
			cmd.StopArgv = pixiArgv(spec.Environment, spec.StopTask)
		}

	case manifest.ExecuteROS2:
		cmd.Argv = ros2Argv(spec.Package, spec.LaunchFile, spec.LaunchArgs)
		if spec.StopTask != "" {
			cmd.StopArgv = []string{"sh", "-c", spec.StopTask}
		}

	case manifest.ExecuteShell:
		cmd.Argv = []string{"sh", "-c", spec.Command}
		if spec.StopCommand != "" {
			cmd.StopArgv = []string{"sh", "-c", spec.StopCommand}
		}

	case manifest.ExecuteContainer:
		return Command{}, ErrExecutorUnsupported

	default:
		return Command{}, fmt.Errorf("unknown execute type %q", spec.Type)
	}

	return cmd, nil
}

func pixiArgv(environment, task string) []string {
	argv := []string{"pixi", "run"}
	if environment != "" {
		argv = append(argv, "-e", environment)
	}
	return append(argv, task)
}

func ros2Argv(pkg, launchFile string, launchArgs map[string]string) []string {
	argv := []string{"ros2", "launch", pkg, launchFile}
	for _, kv := range sortedKeys(launchArgs) {
		argv = append(argv, fmt.Sprintf("%s:=%s", kv.Key, kv.Value))
	}
	return argv
}

// sortedKeys returns launch_args as key/value pairs in a deterministic
// order, so the same manifest always produces the same argv.
func sortedKeys(m map[string]string) []keyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]keyValue, len(keys))
	for i, k := range keys {
		out[i] = keyValue{k, m[k]}
	}
	return out
}

type keyValue struct{ Key, Value string }

func resolveWorkingDir(workingDir, manifestDir string) string {
	if workingDir == "" {
		return manifestDir
	}
	if filepath.IsAbs(workingDir) {
		return workingDir
	}
	return filepath.Join(manifestDir, workingDir)
}
