package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/batect/batect-engine/internal/shellwords"
	"github.com/batect/batect-engine/internal/task"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// minHealthPollInterval is the floor used when computing how often to poll
// container health, resolving the open question in spec.md §9: "100ms or
// the image's reported interval, whichever is larger".
const minHealthPollInterval = 100 * time.Millisecond

// healthWaitSlack is the safety margin added on top of
// startPeriod + retries*interval before giving up on a health check.
const healthWaitSlack = 2 * time.Second

// defaultStopGrace is the grace period given to a container on a normal
// stop request (spec.md §4.3).
const defaultStopGrace = 10 * time.Second

// secondInterruptGrace is how long a second interrupt has to arrive after
// the first before the engine escalates to a forced kill (spec.md §5).
const secondInterruptGrace = 5 * time.Second

// StreamMultiplexer attaches to a running container's stdio for the
// lifetime of a RunContainer step, forwarding local input and signals and
// relaying output, per spec.md §4.3/Stream Multiplexer. Implemented by
// internal/stream; the engine only depends on this interface.
type StreamMultiplexer interface {
	// Run blocks until the container exits. aborting reports the run's
	// isAborting flag; the Multiplexer in internal/stream does not consult
	// it, and its attach stream ends when a StopContainer step stops the
	// container. containerID is the Docker container id (not the logical container
	// name) so the multiplexer can inspect the real exit code once the
	// attach stream closes.
	Run(ctx context.Context, attachment Attachment, containerID string, stopGrace time.Duration, aborting func() bool) (exitCode int, err error)
}

// Logger is the minimal structured-logging surface the executor needs.
// Its single method is deliberately shaped to match *logrus.Logger's
// Printf, continuing the teacher's task.Logger interface unchanged.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Executor is a pool of workers that pop steps from a Queue and invoke the
// matching Docker operation, translating the outcome into events. Handlers
// are pure functions of (step, docker client, context read-view): they
// never enqueue steps themselves (spec.md §4.3) — only the Reactor and
// Cleanup planner do that, reading the events this executor emits.
//
// Grounded on the teacher's task.Docker (ImagePull/ContainerCreate/
// ContainerStart/ContainerLogs/Run), generalized from one hardcoded
// sequential Run() into per-step handler dispatch driven by a worker pool.
type Executor struct {
	Docker  DockerClient
	Stream  StreamMultiplexer
	Logger  Logger
	Workers int

	// HostTerm is the host console's TERM, forwarded to containers that
	// don't declare their own (spec.md §4.3, §6).
	HostTerm string
}

// clampWorkers enforces "N = number of logical CPUs, clamped to >= 2"
// (spec.md §4.3).
func clampWorkers(n int) int {
	if n < 2 {
		return 2
	}
	return n
}

// Run starts the worker pool and processes steps from queue until ctx is
// done. Every resulting event is sent to events. Run blocks until ctx is
// cancelled and all in-flight handlers have returned.
//
// Grounded on aws-copilot-cli's Orchestrator, which fans work for a single
// Task out across goroutines with golang.org/x/sync/errgroup rather than a
// hand-rolled WaitGroup/done-channel pair; workers here never return an
// error (handler failures become events, not Go errors), so g.Wait() only
// ever blocks until every worker notices ctx is done.
func (ex *Executor) Run(ctx context.Context, taskCtx *Context, events chan<- Event) {
	n := clampWorkers(ex.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			ex.worker(gctx, taskCtx, events)
			return nil
		})
	}
	g.Wait()
}

func (ex *Executor) worker(ctx context.Context, taskCtx *Context, events chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		step, ok := taskCtx.Queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		for _, e := range ex.execute(ctx, taskCtx, step) {
			if e.ID == uuid.Nil {
				e.ID = uuid.New()
			}
			e.StepID = step.ID
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}
		taskCtx.Queue.Complete()
	}
}

// execute dispatches one step to its handler. It never panics on handler
// error: every failure path is translated into the step kind's
// corresponding *Failed (or CleanupFailed, for teardown steps) event.
func (ex *Executor) execute(ctx context.Context, taskCtx *Context, step Step) []Event {
	switch step.Kind {
	case BuildImage:
		return ex.handleBuildImage(ctx, taskCtx, step)
	case PullImage:
		return ex.handlePullImage(ctx, taskCtx, step)
	case CreateTaskNetwork:
		return ex.handleCreateTaskNetwork(ctx, taskCtx, step)
	case CreateContainer:
		return ex.handleCreateContainer(ctx, taskCtx, step)
	case StartContainer:
		return ex.handleStartContainer(ctx, taskCtx, step)
	case WaitForContainerToBecomeHealthy:
		return ex.handleWaitForHealthy(ctx, taskCtx, step)
	case RunContainer:
		return ex.handleRunContainer(ctx, taskCtx, step)
	case StopContainer:
		return ex.handleStopContainer(ctx, taskCtx, step)
	case RemoveContainer:
		return ex.handleRemoveContainer(ctx, taskCtx, step)
	case DeleteTaskNetwork:
		return ex.handleDeleteTaskNetwork(ctx, taskCtx, step)
	case DeleteTemporaryFile:
		return ex.handleDeleteTemporaryFile(ctx, taskCtx, step)
	default:
		return []Event{{ID: uuid.New(), Kind: ExecutionAborted, Timestamp: time.Now(), Reason: fmt.Sprintf("unknown step kind %s", step.Kind)}}
	}
}

func (ex *Executor) handleBuildImage(ctx context.Context, taskCtx *Context, step Step) []Event {
	container := taskCtx.Model.Containers[step.Container]
	var progress []Event

	image, err := ex.Docker.BuildImage(ctx, container, func(percent int, message string) {
		progress = append(progress, Event{Kind: ImageBuildProgress, Container: step.Container, Percent: percent, Message: message})
	})
	if err != nil {
		return append(progress, Event{Kind: ImageBuildFailed, Container: step.Container, Reason: err.Error()})
	}
	return append(progress, Event{Kind: ImageBuilt, Container: step.Container, Image: image})
}

func (ex *Executor) handlePullImage(ctx context.Context, taskCtx *Context, step Step) []Event {
	container := taskCtx.Model.Containers[step.Container]
	image, err := ex.Docker.PullImage(ctx, container.ImageSource.Ref)
	if err != nil {
		return []Event{{Kind: ImagePullFailed, Container: step.Container, Reason: err.Error()}}
	}
	return []Event{{Kind: ImagePulled, Container: step.Container, Image: image}}
}

func (ex *Executor) handleCreateTaskNetwork(ctx context.Context, taskCtx *Context, step Step) []Event {
	name := "batect-task-" + uuid.New().String()
	id, err := ex.Docker.CreateNetwork(ctx, name)
	if err != nil {
		return []Event{{Kind: TaskNetworkCreationFailed, Reason: err.Error()}}
	}
	taskCtx.RecordNetwork(id)
	return []Event{{Kind: TaskNetworkCreated, Network: id}}
}

func (ex *Executor) handleCreateContainer(ctx context.Context, taskCtx *Context, step Step) []Event {
	container := taskCtx.Model.Containers[step.Container]
	network, _ := taskCtx.Network()

	command := container.Command
	if step.Container == taskCtx.Model.Task.MainContainer && taskCtx.Model.Task.CommandOverride != nil {
		command = taskCtx.Model.Task.CommandOverride
	}

	req := ContainerCreateRequest{
		Name:        step.Container,
		Image:       imageRefFor(container, taskCtx.Events),
		Command:     command,
		Hostname:    step.Container,
		WorkingDir:  container.WorkingDir,
		Environment: ex.mergedEnvironment(taskCtx, step.Container, container),
		User:        container.RunAs,
		NetworkName: network,
		Volumes:     container.Volumes,
		Ports:       container.Ports,
		HealthCheck: container.HealthCheck,
	}

	id, err := ex.Docker.CreateContainer(ctx, req)
	if err != nil {
		return []Event{{Kind: ContainerCreationFailed, Container: step.Container, Reason: err.Error()}}
	}
	taskCtx.RecordDockerContainerID(step.Container, id)
	return []Event{{Kind: ContainerCreated, Container: step.Container, DockerContainerID: id}}
}

// imageRefFor returns the image reference to pass to /containers/create:
// the pull reference for Pull sources, and for Build sources the image
// reported by the container's ImageBuilt event (CreateContainer is only
// enqueued once that event is in the store).
func imageRefFor(c task.Container, events *Store) string {
	if c.ImageSource.Kind == task.Pull {
		return c.ImageSource.Ref
	}
	for _, e := range events.OfType(ImageBuilt) {
		if e.Container == c.Name {
			return e.Image
		}
	}
	return c.Name
}

// mergedEnvironment implements spec.md §4.3's merge rule: container-declared
// env overlaid by the run-time override, with a container-declared TERM
// winning over the host's, otherwise the host's TERM forwarded if set.
func (ex *Executor) mergedEnvironment(taskCtx *Context, name string, c task.Container) []string {
	merged := map[string]string{}
	for k, v := range c.Environment {
		merged[k] = v
	}
	if name == taskCtx.Model.Task.MainContainer {
		for k, v := range taskCtx.Model.Task.EnvironmentOverrides {
			merged[k] = v
		}
	}
	if _, hasTerm := merged["TERM"]; !hasTerm && ex.HostTerm != "" {
		merged["TERM"] = ex.HostTerm
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(merged))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func (ex *Executor) handleStartContainer(ctx context.Context, taskCtx *Context, step Step) []Event {
	id, _ := taskCtx.DockerContainerID(step.Container)
	if err := ex.Docker.StartContainer(ctx, id); err != nil {
		return []Event{{Kind: ContainerStartFailed, Container: step.Container, Reason: err.Error()}}
	}
	return []Event{{Kind: ContainerStarted, Container: step.Container}}
}

func (ex *Executor) handleWaitForHealthy(ctx context.Context, taskCtx *Context, step Step) []Event {
	id, _ := taskCtx.DockerContainerID(step.Container)
	container := taskCtx.Model.Containers[step.Container]

	if !container.HealthCheck.HasHealthCheck() {
		info, err := ex.Docker.InspectContainer(ctx, id)
		if err != nil {
			return []Event{{Kind: ContainerDidNotBecomeHealthy, Container: step.Container, Reason: err.Error()}}
		}
		if info.Running {
			return []Event{{Kind: ContainerBecameHealthy, Container: step.Container}}
		}
		return []Event{{Kind: ContainerDidNotBecomeHealthy, Container: step.Container, Reason: "container is not running"}}
	}

	interval := container.HealthCheck.Interval
	if interval < minHealthPollInterval {
		interval = minHealthPollInterval
	}
	budget := container.HealthCheck.StartPeriod + time.Duration(container.HealthCheck.Retries)*interval + healthWaitSlack
	deadline := time.Now().Add(budget)

	var lastReason string
	for {
		if taskCtx.IsAborting() {
			return []Event{{Kind: ContainerDidNotBecomeHealthy, Container: step.Container, Reason: "execution was aborted while waiting for health check"}}
		}

		info, err := ex.Docker.InspectContainer(ctx, id)
		if err != nil {
			return []Event{{Kind: ContainerDidNotBecomeHealthy, Container: step.Container, Reason: err.Error()}}
		}

		switch info.Health {
		case HealthHealthy:
			return []Event{{Kind: ContainerBecameHealthy, Container: step.Container}}
		case HealthUnhealthy:
			return []Event{{Kind: ContainerDidNotBecomeHealthy, Container: step.Container, Reason: info.LastHealthLogLine}}
		}
		lastReason = info.LastHealthLogLine

		if time.Now().After(deadline) {
			return []Event{{Kind: ContainerDidNotBecomeHealthy, Container: step.Container, Reason: fmt.Sprintf("timed out waiting for container to become healthy: %s", lastReason)}}
		}

		select {
		case <-ctx.Done():
			return []Event{{Kind: ContainerDidNotBecomeHealthy, Container: step.Container, Reason: "execution was aborted while waiting for health check"}}
		case <-time.After(interval):
		}
	}
}

func (ex *Executor) handleRunContainer(ctx context.Context, taskCtx *Context, step Step) []Event {
	id, _ := taskCtx.DockerContainerID(step.Container)

	attachment, err := ex.Docker.AttachContainer(ctx, id)
	if err != nil {
		return []Event{{Kind: ExecutionAborted, Container: step.Container, Reason: fmt.Sprintf("failed to attach to container: %s", err)}}
	}
	defer attachment.Close()

	grace := defaultStopGrace
	if taskCtx.ForceKillRequested() {
		grace = 0
	}
	exitCode, err := ex.Stream.Run(ctx, attachment, id, grace, taskCtx.IsAborting)
	if err != nil {
		return []Event{{Kind: ExecutionAborted, Container: step.Container, Reason: fmt.Sprintf("failed while running container: %s", err)}}
	}
	return []Event{{Kind: RunningContainerExited, Container: step.Container, ExitCode: exitCode}}
}

func (ex *Executor) handleStopContainer(ctx context.Context, taskCtx *Context, step Step) []Event {
	id, ok := taskCtx.DockerContainerID(step.Container)
	if !ok {
		return []Event{{Kind: ContainerStopped, Container: step.Container}}
	}
	grace := defaultStopGrace
	if taskCtx.ForceKillRequested() {
		grace = 0
	}
	if err := ex.Docker.StopContainer(ctx, id, grace); err != nil && !isNotFound(err) {
		return []Event{{Kind: CleanupFailed, Container: step.Container, Reason: fmt.Sprintf("failed to stop container: %s", err)}}
	}
	return []Event{{Kind: ContainerStopped, Container: step.Container}}
}

func (ex *Executor) handleRemoveContainer(ctx context.Context, taskCtx *Context, step Step) []Event {
	id, ok := taskCtx.DockerContainerID(step.Container)
	if !ok {
		return []Event{{Kind: ContainerRemoved, Container: step.Container}}
	}
	if err := ex.Docker.RemoveContainer(ctx, id, true); err != nil && !isNotFound(err) {
		return []Event{{Kind: CleanupFailed, Container: step.Container, Reason: fmt.Sprintf("failed to remove container: %s", err)}}
	}
	return []Event{{Kind: ContainerRemoved, Container: step.Container}}
}

func (ex *Executor) handleDeleteTaskNetwork(ctx context.Context, taskCtx *Context, step Step) []Event {
	id, ok := taskCtx.Network()
	if !ok {
		return []Event{{Kind: TaskNetworkDeleted}}
	}
	if err := ex.Docker.DeleteNetwork(ctx, id); err != nil && !isNotFound(err) {
		return []Event{{Kind: CleanupFailed, Reason: fmt.Sprintf("failed to delete task network: %s", err)}}
	}
	return []Event{{Kind: TaskNetworkDeleted}}
}

func (ex *Executor) handleDeleteTemporaryFile(ctx context.Context, taskCtx *Context, step Step) []Event {
	if err := os.Remove(step.Path); err != nil && !os.IsNotExist(err) {
		return []Event{{Kind: CleanupFailed, Path: step.Path, Reason: fmt.Sprintf("failed to delete temporary file: %s", err)}}
	}
	return []Event{{Kind: TemporaryFileDeleted, Path: step.Path}}
}

// ParseCommandLine splits a user-supplied command string using the POSIX
// shell quoting rules of spec.md §4.3, by delegating to shellwords.Split.
// Neither internal/config nor cmd/batect calls it: the CLI passes its
// `-- args` through as separate arguments without re-splitting them.
func ParseCommandLine(line string) ([]string, error) {
	return shellwords.Split(line)
}

// isNotFound reports whether err represents Docker's "no such
// container/network" condition, which spec.md §4.3 treats as success for
// every idempotent teardown step.
func isNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}
