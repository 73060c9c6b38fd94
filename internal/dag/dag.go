// Package dag builds the static dependency graph over a workspace's
// services and answers the pure graph questions the orchestrator needs:
// a valid startup order, its reverse for shutdown, and the set of
// services a failing service would cascade into.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zero-robotics/krill/internal/manifest"
)

// ErrCycle is returned by Build when the dependency graph is not a DAG.
type ErrCycle struct {
	Path []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// ErrUnknownDependency is returned by Build when a service depends on a
// name absent from the workspace. manifest.Workspace.Validate already
// rejects this for manifests loaded through Load, but DAG is built
// standalone in tests and is defensive here too.
type ErrUnknownDependency struct {
	Service string
	Target  string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("service %q depends on unknown service %q", e.Service, e.Target)
}

// DAG is the built, acyclic dependency graph over a fixed set of
// service names. It holds no runtime state; it is rebuilt once at
// workspace load and then queried by the orchestrator as runners move
// through their state machine.
type DAG struct {
	order        []string            // insertion order, stable tie-break for traversal
	dependencies map[string][]manifest.Dependency
	dependents   map[string][]string // reverse edges: who depends on this service
}

// Build constructs a DAG from a workspace's service specs and
// validates it has no cycles.
func Build(services map[string]*manifest.ServiceSpec) (*DAG, error) {
	g := &DAG{
		order:        make([]string, 0, len(services)),
		dependencies: make(map[string][]manifest.Dependency, len(services)),
		dependents:   make(map[string][]string, len(services)),
	}

	// Deterministic traversal order independent of Go's randomized map
	// iteration; callers that care about tie-breaks (tests, startup
	// order) get a stable result across runs.
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g.order = append(g.order, name)
		g.dependencies[name] = services[name].Dependencies
	}

	for _, name := range g.order {
		for _, dep := range g.dependencies[name] {
			if _, ok := services[dep.Target]; !ok {
				return nil, &ErrUnknownDependency{Service: name, Target: dep.Target}
			}
			g.dependents[dep.Target] = append(g.dependents[dep.Target], name)
		}
	}

	if cyclePath := g.findCycle(); cyclePath != nil {
		return nil, &ErrCycle{Path: cyclePath}
	}

	return g, nil
}

const (
	stateUnvisited = iota
	stateVisiting
	stateDone
)

func (g *DAG) findCycle() []string {
	state := make(map[string]int, len(g.order))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = stateVisiting
		path = append(path, name)
		for _, dep := range g.dependencies[name] {
			switch state[dep.Target] {
			case stateVisiting:
				cycleStart := 0
				for i, n := range path {
					if n == dep.Target {
						cycleStart = i
						break
					}
				}
				return append(append([]string{}, path[cycleStart:]...), dep.Target)
			case stateUnvisited:
				if found := visit(dep.Target); found != nil {
					return found
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = stateDone
		return nil
	}

	for _, name := range g.order {
		if state[name] == stateUnvisited {
			if found := visit(name); found != nil {
				return found
			}
		}
	}
	return nil
}

// StartupOrder returns a valid topological order: every service appears
// after all services it depends on. Ties are broken by the service's
// position in the workspace's (sorted) declaration order, so the result
// is deterministic across runs of the same manifest.
func (g *DAG) StartupOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indegree[name] = len(g.dependencies[name])
	}

	var ready []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	result := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		// Pop the lowest-index ready node to keep ordering stable.
		next := ready[0]
		ready = ready[1:]
		result = append(result, next)

		for _, dependent := range g.dependentsInOrder(next) {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = insertSorted(ready, dependent, g.order)
			}
		}
	}

	return result
}

// dependentsInOrder returns name's direct dependents in g.order order.
func (g *DAG) dependentsInOrder(name string) []string {
	set := make(map[string]bool, len(g.dependents[name]))
	for _, d := range g.dependents[name] {
		set[d] = true
	}
	var out []string
	for _, n := range g.order {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}

func insertSorted(ready []string, name string, order []string) []string {
	pos := indexOf(order, name)
	for i, r := range ready {
		if indexOf(order, r) > pos {
			out := append([]string{}, ready[:i]...)
			out = append(out, name)
			out = append(out, ready[i:]...)
			return out
		}
	}
	return append(ready, name)
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

// ShutdownOrder is StartupOrder reversed: dependents stop before their
// dependencies do.
func (g *DAG) ShutdownOrder() []string {
	startup := g.StartupOrder()
	reversed := make([]string, len(startup))
	for i, name := range startup {
		reversed[len(startup)-1-i] = name
	}
	return reversed
}

// CascadeFailure returns every service transitively depending on name,
// excluding name itself, in breadth-first discovery order. This is the
// full set the orchestrator must stop when name fails and cannot
// recover, regardless of whether the dependent declared a "started" or
// "healthy" condition on it.
func (g *DAG) CascadeFailure(name string) []string {
	seen := map[string]bool{name: true}
	queue := append([]string{}, g.dependents[name]...)
	var result []string

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		result = append(result, next)
		queue = append(queue, g.dependents[next]...)
	}

	return result
}

// Dependencies returns the declared dependencies of a service, in
// manifest declaration order.
func (g *DAG) Dependencies(name string) []manifest.Dependency {
	return g.dependencies[name]
}

// ServiceStatus is the minimal view DependenciesSatisfied needs from the
// orchestrator's live runner state, kept here to avoid an import cycle
// between dag and runner.
type ServiceStatus int

const (
	StatusUnknown ServiceStatus = iota
	StatusPending
	StatusStarting
	StatusRunning
	StatusHealthy
	StatusDegraded
	StatusStopping
	StatusStopped
	StatusFailed
)

// DependenciesSatisfied reports whether every dependency of name has
// reached the condition its edge requires, given a callback that
// returns the current live status of any service by name.
func (g *DAG) DependenciesSatisfied(name string, statusOf func(string) ServiceStatus) bool {
	for _, dep := range g.dependencies[name] {
		status := statusOf(dep.Target)
		switch dep.Condition {
		case manifest.ConditionHealthy:
			if status != StatusHealthy {
				return false
			}
		case manifest.ConditionStarted:
			if status != StatusRunning && status != StatusHealthy && status != StatusDegraded {
				return false
			}
		}
	}
	return true
}
