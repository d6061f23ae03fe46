package engine

// Cleanup synthesises stop/remove steps in dependency-reverse order on
// normal completion, failure, or cancellation (spec.md §4.5). A container
// is stopped only after every container that depends on it has already
// been stopped; the planner re-runs each time a ContainerRemoved event
// lands (see Reactor.onContainerRemoved) to discover the next eligible
// layer, rather than enqueueing the whole teardown order up front — the
// Step Queue/executor never guarantee inter-step ordering (spec.md §5), so
// ordering has to come from waiting for the previous layer's terminal
// events, not from enqueue order.
//
// New component: the teacher has no symmetric teardown analogue. Grounded
// in shape on moby/moby's cluster container adapter
// (daemon/cluster/executor/container/adapter.go, example pack), whose
// removeNetworks treats "active endpoints"/"no such network" as a
// continue, not a failure — the same not-found-is-success idempotency
// spec.md asks for here.
type Cleanup struct{}

// NewCleanup constructs a Cleanup planner. Like Reactor, it is stateless;
// everything it needs is read from the Context.
func NewCleanup() *Cleanup {
	return &Cleanup{}
}

// Trigger is invoked by the run loop when any of the three cleanup-causing
// conditions occurs (spec.md §4.5). For the latter two, it sets isAborting
// before planning, per spec; RunningContainerExited does not set isAborting
// (a non-zero exit is not a failure, spec.md §7).
type Trigger int

const (
	TriggerTaskExited Trigger = iota
	TriggerFailure
	TriggerUserInterrupted
)

// Plan computes the next batch of teardown steps to enqueue for trigger.
// It is idempotent: calling it again with no new terminal events since the
// last call yields nothing new, because the Step Queue dedups by
// structural equality and Plan only ever proposes a step for a container
// that doesn't already have a later lifecycle event.
func (cp *Cleanup) Plan(trigger Trigger, ctx *Context) []Step {
	if trigger == TriggerFailure || trigger == TriggerUserInterrupted {
		ctx.SetAborting()
	}
	return cp.nextLayer(ctx)
}

// nextLayer returns StopContainer steps for every created container that
// has no created-and-not-yet-cleaned-up dependent left (the containers it
// is now safe to stop), skipping any container already stopped or
// resolved (removed, or a reported CleanupFailed — spec.md §7:
// "CleanupFailed is reported but does not trigger further cleanup", so a
// container that failed to stop/remove must not be retried, nor allowed to
// block its dependents or siblings forever).
func (cp *Cleanup) nextLayer(ctx *Context) []Step {
	var steps []Step
	for _, name := range ctx.CreatedContainers() {
		if containerCleanedUp(ctx, name) {
			continue
		}
		if ctx.Events.HasEventForContainer(ContainerStopped, name) {
			continue // already stopped, awaiting the RemoveContainer React enqueues on ContainerStopped
		}
		if cp.hasUncleanedDependent(ctx, name) {
			continue
		}
		steps = append(steps, newStep(StopContainer, name))
	}
	return steps
}

// hasUncleanedDependent reports whether any container that depends on name
// has been created but not yet resolved (removed, or failed to clean up)
// — i.e. name is not yet safe to stop.
func (cp *Cleanup) hasUncleanedDependent(ctx *Context, name string) bool {
	for _, dependent := range ctx.Model.Dependents(name) {
		if !ctx.containerCreated(dependent) {
			continue // never got far enough to need stopping
		}
		if !containerCleanedUp(ctx, dependent) {
			return true
		}
	}
	return false
}

// containerCleanedUp reports whether name's teardown has reached a
// terminal state: either it was removed, or stopping/removing it failed.
// Both end the chain for that container the same way — a CleanupFailed is
// never retried and must not stall the containers that depend on it, nor
// the network/temp-file phases that follow (spec.md §7, §8 "Cleanup
// completeness": "... or a final CleanupFailed naming c").
func containerCleanedUp(ctx *Context, name string) bool {
	return ctx.Events.HasEventForContainer(ContainerRemoved, name) || ctx.Events.HasEventForContainer(CleanupFailed, name)
}

// allCreatedContainersRemoved reports whether every container that was
// ever created has reached a terminal cleanup state (invariant 4, spec.md
// §3), which gates deleting the task network (invariant 3).
func (cp *Cleanup) allCreatedContainersRemoved(ctx *Context) bool {
	for _, name := range ctx.CreatedContainers() {
		if !containerCleanedUp(ctx, name) {
			return false
		}
	}
	return true
}

// onContainerRemoved is part of the Reactor's cleanup-phase dispatch: once
// a container is removed, either more containers just became eligible to
// stop (their last blocking dependent is now gone), or every created
// container has reached a terminal state and it's time to delete the
// network.
func (r *Reactor) onContainerRemoved(ctx *Context) []Step {
	cleanup := NewCleanup()
	steps := cleanup.nextLayer(ctx)

	if cleanup.allCreatedContainersRemoved(ctx) {
		if _, ok := ctx.Network(); ok && !ctx.Events.HasEventForContainer(TaskNetworkDeleted, "") && !hasNetworkCleanupFailed(ctx) {
			steps = append(steps, newStep(DeleteTaskNetwork, ""))
		}
	}
	return steps
}

// onNetworkDeleted enqueues deletion of every temporary file registered
// during the run that hasn't already been deleted or reported as a
// CleanupFailed, the final cleanup phase (spec.md §4.5).
func (r *Reactor) onNetworkDeleted(ctx *Context) []Step {
	var steps []Step
	for _, path := range ctx.TempFiles() {
		if hasTempFileDeletedEvent(ctx, path) || hasTempFileCleanupFailedEvent(ctx, path) {
			continue
		}
		steps = append(steps, Step{ID: newStep(DeleteTemporaryFile, "").ID, Kind: DeleteTemporaryFile, Path: path})
	}
	return steps
}

// onCleanupFailed is part of the Reactor's cleanup-phase dispatch
// (spec.md §7: "CleanupFailed is reported but does not trigger further
// cleanup"). A container-level failure is resolved the same way its
// removal would have been, so the chain keeps moving: dependents may now
// be safe to stop, and the network/temp-file phases aren't blocked
// forever by one container's stop/remove error. A network- or
// temp-file-level failure (Container unset) likewise doesn't stop the
// remaining teardown phase(s) from being enqueued.
func (r *Reactor) onCleanupFailed(e Event, ctx *Context) []Step {
	if e.Container != "" {
		return r.onContainerRemoved(ctx)
	}
	return r.onNetworkDeleted(ctx)
}

func hasTempFileDeletedEvent(ctx *Context, path string) bool {
	for _, e := range ctx.Events.OfType(TemporaryFileDeleted) {
		if e.Path == path {
			return true
		}
	}
	return false
}

// hasTempFileCleanupFailedEvent reports whether path's own deletion was
// already attempted and reported as a CleanupFailed, so onNetworkDeleted
// doesn't re-enqueue (and thus infinitely retry) a temp file deletion that
// has already reached its terminal state.
func hasTempFileCleanupFailedEvent(ctx *Context, path string) bool {
	for _, e := range ctx.Events.OfType(CleanupFailed) {
		if e.Path == path {
			return true
		}
	}
	return false
}

// hasNetworkCleanupFailed reports whether DeleteTaskNetwork's own
// CleanupFailed (Container and Path both unset) has already been
// observed, so onContainerRemoved doesn't re-enqueue (and thus infinitely
// retry) a network deletion that already reached its terminal state.
func hasNetworkCleanupFailed(ctx *Context) bool {
	for _, e := range ctx.Events.OfType(CleanupFailed) {
		if e.Container == "" && e.Path == "" {
			return true
		}
	}
	return false
}
