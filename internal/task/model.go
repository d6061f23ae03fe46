// Package task defines the immutable, resolved shape of a batect task: the
// container it runs in, the transitive graph of containers it depends on,
// and any run-time overrides supplied on the command line.
//
// Nothing in this package talks to Docker or reads YAML; it is the typed
// plan the engine is handed once config resolution (an external concern,
// see SPEC_FULL.md §6) has already happened.
package task

import (
	"fmt"
	"time"
)

// ImageSourceKind distinguishes the two ways a container's image can be
// obtained.
type ImageSourceKind int

const (
	// Pull indicates the image should be pulled from a registry.
	Pull ImageSourceKind = iota
	// Build indicates the image should be built from a local context.
	Build
)

// ImageSource is a tagged variant: exactly one of Pull's or Build's fields
// is meaningful, selected by Kind.
type ImageSource struct {
	Kind ImageSourceKind

	// Ref is the image reference to pull. Only set when Kind == Pull.
	Ref string

	// ContextPath is the build context directory. Only set when Kind == Build.
	ContextPath string

	// Dockerfile is the dockerfile path relative to ContextPath. Empty means
	// the default "Dockerfile" at the context root.
	Dockerfile string

	// BuildArgs are passed through to the Docker build API.
	BuildArgs map[string]string
}

// UserAndGroup identifies the uid:gid a container should run as.
type UserAndGroup struct {
	UID int
	GID int
}

// VolumeMount binds a host path into the container.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	Options       string // e.g. "ro"; empty means default (rw)
}

// PortMapping exposes a container port on the host.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// HealthCheckConfig mirrors the subset of Docker's HEALTHCHECK the engine
// needs to compute a wait budget and, when the user overrides it, the test
// command itself.
type HealthCheckConfig struct {
	// Test overrides the image's built-in health check command. Nil means
	// "use whatever the image declares".
	Test []string

	Interval    time.Duration
	Retries     int
	StartPeriod time.Duration
}

// Container is the declaration of one logical container: its image source,
// runtime configuration, and the names of containers it depends on.
type Container struct {
	Name string

	ImageSource ImageSource

	Command     []string // nil means "use the image's default command"
	Environment map[string]string
	WorkingDir  string // empty means "use the image's default"

	Volumes []VolumeMount
	Ports   []PortMapping

	HealthCheck HealthCheckConfig

	RunAs *UserAndGroup // nil means "use the image's default user"

	// DependsOn names other containers in the same project that must be
	// healthy before this container starts.
	DependsOn []string
}

// RequiresDependenciesHealthy reports whether this container should wait
// for its dependencies to report healthy before starting. batect containers
// always do; this exists so the reactor's dependency check (SPEC_FULL.md
// §4.4) has a single place to read the rule from.
func (c Container) RequiresDependenciesHealthy() bool {
	return true
}

// HasHealthCheck reports whether the container's configuration declares a
// health check (a test command, an interval or a retry count), which
// decides whether a WaitForContainerToBecomeHealthy step waits for a
// "healthy" status or only for "running". A health check declared only by
// the image, with none of these fields set, is not detected here: the step
// then waits only for "running".
func (h HealthCheckConfig) HasHealthCheck() bool {
	return len(h.Test) > 0 || h.Interval > 0 || h.Retries > 0
}

// Task names the main container to run plus any run-time overrides. The
// dependency closure is implicit: it is whatever Container.DependsOn, when
// walked, reaches.
type Task struct {
	Name string

	MainContainer string // name of the container this task runs

	// CommandOverride replaces the main container's declared command when set.
	CommandOverride []string

	// EnvironmentOverrides are merged over the main container's declared
	// environment (overrides win), per spec.md §4.3.
	EnvironmentOverrides map[string]string
}

// Model is the fully resolved plan handed to the engine: the task plus the
// set of all containers it can reach, keyed by name. It is immutable after
// construction.
type Model struct {
	Task       Task
	Containers map[string]Container
}

// MainContainer returns the task's main container declaration.
func (m Model) MainContainer() (Container, error) {
	c, ok := m.Containers[m.Task.MainContainer]
	if !ok {
		return Container{}, fmt.Errorf("task %q references unknown container %q", m.Task.Name, m.Task.MainContainer)
	}
	return c, nil
}

// DependencyClosure returns the names of every container reachable from the
// main container (including the main container itself), in no particular
// order. It is the static graph the reactor and cleanup planner consult —
// never prior events — per spec.md §4.4.
func (m Model) DependencyClosure() ([]string, error) {
	seen := map[string]bool{}
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		c, ok := m.Containers[name]
		if !ok {
			return fmt.Errorf("container %q depends on unknown container %q", m.Task.MainContainer, name)
		}
		order = append(order, name)
		for _, dep := range c.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(m.Task.MainContainer); err != nil {
		return nil, err
	}
	return order, nil
}

// DirectDependencies returns the names of containers that must be healthy
// before the named container can start.
func (m Model) DirectDependencies(name string) []string {
	return m.Containers[name].DependsOn
}

// Dependents returns the names of containers that directly depend on name.
// Used by the cleanup planner to compute dependency-reverse stop order.
func (m Model) Dependents(name string) []string {
	var out []string
	for candidate, c := range m.Containers {
		for _, dep := range c.DependsOn {
			if dep == name {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}
