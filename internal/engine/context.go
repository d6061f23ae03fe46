package engine

import (
	"sync"
	"sync/atomic"

	"github.com/batect/batect-engine/internal/task"
)

// Context is the per-run, mutable-only-via-event-append state threaded
// through the pure Reactor.React and Cleanup.Plan functions (design note
// §9: "ambient context... replaced by explicit TaskContext value").
//
// Generalizes the teacher's implicit global state (Manager's TaskDb/EventDb/
// WorkerTaskMap maps) into one struct owned exclusively by a single run.
type Context struct {
	Model task.Model

	Events *Store
	Queue  *Queue

	aborting  atomic.Bool
	forceKill atomic.Bool

	mu                 sync.RWMutex
	dockerContainerIDs map[string]string // container name -> Docker container id
	network            string            // Docker network id, once created
	tempFiles          []string          // registered for cleanup
}

// NewContext constructs a fresh, empty per-run context for model.
func NewContext(model task.Model) *Context {
	return &Context{
		Model:              model,
		Events:             NewStore(),
		Queue:              NewQueue(),
		dockerContainerIDs: map[string]string{},
	}
}

// IsAborting reports the current value of the monotonic isAborting flag
// (invariant 6, spec.md §3).
func (c *Context) IsAborting() bool {
	return c.aborting.Load()
}

// SetAborting sets isAborting. Once set it is never cleared within a run;
// callers never need to check before calling this, CompareAndSwap-style,
// because "set true when already true" is a harmless no-op.
func (c *Context) SetAborting() {
	c.aborting.Store(true)
}

// RequestForceKill escalates a pending stop/run to an immediate kill,
// triggered by a second user interrupt within the grace period (spec.md
// §5). Like isAborting, this is monotonic for the run.
func (c *Context) RequestForceKill() {
	c.forceKill.Store(true)
}

// ForceKillRequested reports whether a forced kill has been requested.
func (c *Context) ForceKillRequested() bool {
	return c.forceKill.Load()
}

// RecordDockerContainerID remembers the Docker container id created for a
// logical container.
func (c *Context) RecordDockerContainerID(container, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dockerContainerIDs[container] = id
}

// DockerContainerID returns the Docker container id for a logical
// container, if one has been created.
func (c *Context) DockerContainerID(container string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.dockerContainerIDs[container]
	return id, ok
}

// CreatedContainers returns the names of every container a DockerContainerID
// has been recorded for.
func (c *Context) CreatedContainers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.dockerContainerIDs))
	for name := range c.dockerContainerIDs {
		out = append(out, name)
	}
	return out
}

// RecordNetwork remembers the Docker network id created for this run.
func (c *Context) RecordNetwork(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.network = id
}

// Network returns the Docker network id for this run, if created.
func (c *Context) Network() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.network, c.network != ""
}

// RegisterTempFile records a temporary file the cleanup planner must
// delete before the run ends.
func (c *Context) RegisterTempFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempFiles = append(c.tempFiles, path)
}

// TempFiles returns every temporary file registered for this run.
func (c *Context) TempFiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.tempFiles))
	copy(out, c.tempFiles)
	return out
}
