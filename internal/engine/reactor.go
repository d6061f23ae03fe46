package engine

// Reactor computes, for each appended event, the set of follow-up steps to
// enqueue. It is a pure function of the Event Store's current contents plus
// the static Task Model — never of prior steps' timing (spec.md §4.4,
// §5) — so running it twice over the same event sequence must enqueue
// nothing new; the Queue's structural-equality dedup combined with the
// "does this already have a later event" guards below make that hold.
//
// Grounded on the teacher's manager.Manager.SelectWorker/SendWork/UpdateTasks
// stubs (println placeholders for "decide what happens next"), generalized
// into the real exhaustive event-kind switch spec.md §4.4 describes.
type Reactor struct{}

// NewReactor constructs a Reactor. It carries no state of its own; all
// state lives in the Context passed to React.
func NewReactor() *Reactor {
	return &Reactor{}
}

// Seed computes the initial steps for a fresh run: create the task network,
// and build or pull every container's image (spec.md §4.4, "Initial
// seeding (synthetic TaskStarted)").
func (r *Reactor) Seed(ctx *Context) ([]Step, error) {
	names, err := ctx.Model.DependencyClosure()
	if err != nil {
		return nil, err
	}

	steps := []Step{newStep(CreateTaskNetwork, "")}
	for _, name := range names {
		c := ctx.Model.Containers[name]
		if c.ImageSource.Kind == 0 { // task.Pull
			steps = append(steps, newStep(PullImage, name))
		} else {
			steps = append(steps, newStep(BuildImage, name))
		}
	}
	return steps, nil
}

// React computes the follow-up steps for one newly appended event.
func (r *Reactor) React(e Event, ctx *Context) []Step {
	if e.Kind.IsFailure() {
		return r.onFailure(e, ctx)
	}

	// Cleanup-phase transitions run regardless of isAborting — indeed they
	// matter most because of it — so they're dispatched before the guard
	// below that stops forward progress.
	switch e.Kind {
	case ContainerStopped:
		return []Step{newStep(RemoveContainer, e.Container)}
	case ContainerRemoved:
		return r.onContainerRemoved(ctx)
	case TaskNetworkDeleted:
		return r.onNetworkDeleted(ctx)
	case CleanupFailed:
		return r.onCleanupFailed(e, ctx)
	}

	if ctx.IsAborting() {
		return nil
	}

	switch e.Kind {
	case ImageBuilt, ImagePulled:
		return r.onImageReady(e, ctx)
	case TaskNetworkCreated:
		return r.onNetworkReady(ctx)
	case ContainerCreated:
		return r.onContainerCreated(e, ctx)
	case ContainerStarted:
		return []Step{newStep(WaitForContainerToBecomeHealthy, e.Container)}
	case ContainerBecameHealthy:
		return r.onContainerHealthy(e, ctx)
	case RunningContainerExited:
		return nil // cleanup is triggered by the caller (run loop), not here
	default:
		return nil
	}
}

func (r *Reactor) onImageReady(e Event, ctx *Context) []Step {
	if !ctx.networkReady() {
		return nil
	}
	if ctx.containerCreated(e.Container) {
		return nil
	}
	return []Step{newStep(CreateContainer, e.Container)}
}

// onNetworkReady fires when TaskNetworkCreated lands; any container whose
// image was already ready before the network existed can now be created.
func (r *Reactor) onNetworkReady(ctx *Context) []Step {
	var steps []Step
	for name := range ctx.Model.Containers {
		if ctx.imageReady(name) && !ctx.containerCreated(name) {
			steps = append(steps, newStep(CreateContainer, name))
		}
	}
	return steps
}

func (r *Reactor) onContainerCreated(e Event, ctx *Context) []Step {
	if ctx.dependenciesHealthy(e.Container) && !ctx.containerStarted(e.Container) {
		return []Step{newStep(StartContainer, e.Container)}
	}
	return nil
}

func (r *Reactor) onContainerHealthy(e Event, ctx *Context) []Step {
	var steps []Step
	for name, c := range ctx.Model.Containers {
		if name == e.Container {
			continue
		}
		if ctx.containerCreated(name) && !ctx.containerStarted(name) && ctx.dependenciesHealthy(name) {
			steps = append(steps, newStep(StartContainer, name))
		}
		_ = c
	}
	if e.Container == ctx.Model.Task.MainContainer {
		steps = append(steps, newStep(RunContainer, e.Container))
	}
	return steps
}

// onFailure implements spec.md §7: any *Failed/ExecutionAborted event sets
// isAborting and stops enqueueing forward-progress steps. The actual
// cleanup steps are synthesised by Cleanup.Plan, invoked by the run loop
// for every failure event, UserInterrupted and RunningContainerExited.
func (r *Reactor) onFailure(e Event, ctx *Context) []Step {
	ctx.SetAborting()
	return nil
}

func (c *Context) networkReady() bool {
	return len(c.Events.OfType(TaskNetworkCreated)) > 0
}

func (c *Context) imageReady(container string) bool {
	for _, e := range c.Events.OfType(ImageBuilt) {
		if e.Container == container {
			return true
		}
	}
	for _, e := range c.Events.OfType(ImagePulled) {
		if e.Container == container {
			return true
		}
	}
	return false
}

func (c *Context) containerCreated(container string) bool {
	_, ok := c.DockerContainerID(container)
	return ok
}

func (c *Context) containerStarted(container string) bool {
	return c.Events.HasEventForContainer(ContainerStarted, container)
}

func (c *Context) containerHealthy(container string) bool {
	return c.Events.HasEventForContainer(ContainerBecameHealthy, container)
}

// dependenciesHealthy reports whether every dependency of container has
// become healthy, or does not require health-gating at all (spec.md §4.4:
// "or are not required healthy"). Dependency edges are always read from
// the static Model, never from prior events.
func (c *Context) dependenciesHealthy(container string) bool {
	me, ok := c.Model.Containers[container]
	if !ok || !me.RequiresDependenciesHealthy() {
		return true
	}
	for _, dep := range c.Model.DirectDependencies(container) {
		if _, ok := c.Model.Containers[dep]; !ok {
			return false
		}
		if !c.containerHealthy(dep) {
			return false
		}
	}
	return true
}
