package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/zero-robotics/krill/internal/execspec"
	"github.com/zero-robotics/krill/internal/manifest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, spec *manifest.ServiceSpec, cmd execspec.Command) *Runner {
	t.Helper()
	if spec.Policy.Restart == "" {
		spec.Policy = manifest.DefaultPolicy()
	}
	return New(spec, cmd, os.Environ(), testLogger())
}

func TestStartAndStopSleepProcess(t *testing.T) {
	spec := &manifest.ServiceSpec{Name: "sleeper"}
	cmd := execspec.Command{Argv: []string{"sleep", "30"}, WorkingDir: t.TempDir()}
	r := newTestRunner(t, spec, cmd)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != StateRunning {
		t.Fatalf("State = %s, want running", r.State())
	}
	if !r.IsRunning() {
		t.Fatal("IsRunning = false, want true right after start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("State after Stop = %s, want stopped", r.State())
	}
	if r.IsRunning() {
		t.Fatal("IsRunning = true after Stop, want false")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	spec := &manifest.ServiceSpec{Name: "idle", Policy: manifest.DefaultPolicy()}
	cmd := execspec.Command{Argv: []string{"true"}, WorkingDir: t.TempDir()}
	r := newTestRunner(t, spec, cmd)

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on pending runner: %v", err)
	}
	if r.State() != StatePending {
		t.Fatalf("State after Stop on pending = %s, want unchanged pending", r.State())
	}
}

func TestExitIsObservedByIsRunning(t *testing.T) {
	spec := &manifest.ServiceSpec{Name: "quick", Policy: manifest.DefaultPolicy()}
	cmd := execspec.Command{Argv: []string{"sh", "-c", "exit 3"}, WorkingDir: t.TempDir()}
	r := newTestRunner(t, spec, cmd)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.IsRunning() {
		t.Fatal("IsRunning still true after process should have exited")
	}

	code := r.ExitCode()
	if code == nil || *code != 3 {
		t.Fatalf("ExitCode = %v, want 3", code)
	}
}

func TestUpdateHealthTransitions(t *testing.T) {
	spec := &manifest.ServiceSpec{Name: "svc", Policy: manifest.DefaultPolicy()}
	cmd := execspec.Command{Argv: []string{"sleep", "30"}, WorkingDir: t.TempDir()}
	r := newTestRunner(t, spec, cmd)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(ctx)
	}()

	r.UpdateHealth(false) // Running + false is a no-op per the state table
	if r.State() != StateRunning {
		t.Fatalf("State after false on Running = %s, want still running", r.State())
	}

	r.UpdateHealth(true)
	if r.State() != StateHealthy {
		t.Fatalf("State after true on Running = %s, want healthy", r.State())
	}

	r.UpdateHealth(false)
	if r.State() != StateDegraded {
		t.Fatalf("State after false on Healthy = %s, want degraded", r.State())
	}

	r.UpdateHealth(true)
	if r.State() != StateHealthy {
		t.Fatalf("State after true on Degraded = %s, want healthy", r.State())
	}
}

func TestShouldRestartPolicies(t *testing.T) {
	zero := 0
	one := 1

	cases := []struct {
		name         string
		restart      manifest.RestartKind
		maxRestarts  uint32
		restartCount uint32
		exitCode     *int
		want         bool
	}{
		{"never always false", manifest.RestartNever, 0, 0, &one, false},
		{"always under cap", manifest.RestartAlways, 0, 5, &zero, true},
		{"always at cap", manifest.RestartAlways, 3, 3, &zero, false},
		{"on-failure success", manifest.RestartOnFailure, 0, 0, &zero, false},
		{"on-failure failure", manifest.RestartOnFailure, 0, 0, &one, true},
		{"on-failure at cap", manifest.RestartOnFailure, 2, 2, &one, false},
		{"on-failure nil exit code treated as failure", manifest.RestartOnFailure, 0, 0, nil, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			spec := &manifest.ServiceSpec{
				Name: "svc",
				Policy: manifest.Policy{
					Restart:     c.restart,
					MaxRestarts: c.maxRestarts,
				},
			}
			cmd := execspec.Command{Argv: []string{"true"}}
			r := New(spec, cmd, nil, testLogger())
			r.restartCount = c.restartCount

			if got := r.ShouldRestart(c.exitCode); got != c.want {
				t.Errorf("ShouldRestart = %v, want %v", got, c.want)
			}
		})
	}
}

func TestMarkFailedIncrementsRestartCount(t *testing.T) {
	spec := &manifest.ServiceSpec{Name: "svc", Policy: manifest.DefaultPolicy()}
	r := New(spec, execspec.Command{Argv: []string{"true"}}, nil, testLogger())

	code := 1
	r.MarkFailed(&code)
	if r.State() != StateFailed {
		t.Fatalf("State = %s, want failed", r.State())
	}
	if r.restartCount != 1 {
		t.Fatalf("restartCount = %d, want 1", r.restartCount)
	}
}

func TestTakeStdoutIsSingleConsumer(t *testing.T) {
	spec := &manifest.ServiceSpec{Name: "svc", Policy: manifest.DefaultPolicy()}
	cmd := execspec.Command{Argv: []string{"echo", "hello"}, WorkingDir: t.TempDir()}
	r := newTestRunner(t, spec, cmd)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(ctx)
	}()

	first := r.TakeStdout()
	if first == nil {
		t.Fatal("TakeStdout first call = nil, want a reader")
	}
	second := r.TakeStdout()
	if second != nil {
		t.Fatal("TakeStdout second call = non-nil, want nil")
	}
}
