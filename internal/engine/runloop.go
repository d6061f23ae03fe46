package engine

import (
	"context"
	"sync"
	"time"

	"github.com/batect/batect-engine/internal/task"
)

// RunLoop owns the single thread that appends to the Event Store and
// invokes the Reactor/Cleanup planner (spec.md §4.6, §5: "the Run Loop
// never blocks on a Docker call directly"). It pumps Step Executor output
// events through to the Reactor, which enqueues derived steps, and
// terminates once the queue is idle — nothing queued, nothing in flight.
//
// Grounded on the teacher's main.go, which sequentially wires task,
// manager and worker together; generalized here into the actual
// while-pending-or-running dispatch loop.
type RunLoop struct {
	Executor *Executor
	Context  *Context

	// OnEvent, if set, is invoked synchronously for every event as it is
	// appended to the Event Store, in append order — the "event stream"
	// the console renderer subscribes to (spec.md §6). It must not block
	// for long: it runs on the Run Loop's own goroutine.
	OnEvent func(Event)

	reactor *Reactor
	cleanup *Cleanup

	events      chan Event
	interrupted sync.Once
	lastInterrupt time.Time
	mu            sync.Mutex
}

// NewRunLoop constructs a run loop for model, wired to the given executor.
func NewRunLoop(model task.Model, executor *Executor) *RunLoop {
	ctx := NewContext(model)
	return &RunLoop{
		Executor: executor,
		Context:  ctx,
		reactor:  NewReactor(),
		cleanup:  NewCleanup(),
		events:   make(chan Event, 64),
	}
}

// Result is the outcome of one completed run.
type Result struct {
	ExitCode int
	Events   []Event
}

// Run drives the task to completion: seeds initial steps, starts the
// executor pool, and pumps events through the Reactor/Cleanup planner
// until the step queue is fully drained. It returns once cleanup has run
// regardless of how the task finished (spec.md §4.6).
func (rl *RunLoop) Run(parent context.Context) (Result, error) {
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()

	steps, err := rl.reactor.Seed(rl.Context)
	if err != nil {
		return Result{}, err
	}
	for _, s := range steps {
		rl.Context.Queue.Enqueue(s)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rl.Executor.Run(runCtx, rl.Context, rl.events)
	}()

	exitCode := -1
	sawFailure := false

	drain := func(e Event) {
		stored := rl.Context.Events.Append(e)
		if rl.OnEvent != nil {
			rl.OnEvent(stored)
		}
		var follow []Step
		follow = append(follow, rl.reactor.React(stored, rl.Context)...)

		switch stored.Kind {
		case RunningContainerExited:
			exitCode = stored.ExitCode
			follow = append(follow, rl.cleanup.Plan(TriggerTaskExited, rl.Context)...)
		case UserInterrupted:
			follow = append(follow, rl.cleanup.Plan(TriggerUserInterrupted, rl.Context)...)
		}
		if stored.Kind.IsFailure() {
			sawFailure = true
			follow = append(follow, rl.cleanup.Plan(TriggerFailure, rl.Context)...)
		}

		for _, s := range follow {
			rl.Context.Queue.Enqueue(s)
		}
	}

loop:
	for {
		if rl.Context.Queue.Idle() {
			select {
			case e := <-rl.events:
				drain(e)
			case <-time.After(20 * time.Millisecond):
				if rl.Context.Queue.Idle() {
					break loop
				}
			}
			continue
		}
		e := <-rl.events
		drain(e)
	}

	cancel()
	wg.Wait()

	if exitCode < 0 {
		if sawFailure {
			exitCode = 1
		} else {
			exitCode = 0
		}
	}

	return Result{ExitCode: exitCode, Events: rl.Context.Events.All()}, nil
}

// Interrupt signals a user interrupt (SIGINT/SIGTERM), appending
// UserInterrupted as an event the run loop will process on its next pass.
// A second call within secondInterruptGrace escalates to requesting a
// forced container kill, without skipping the terminal event a step
// handler must still emit (spec.md §5).
func (rl *RunLoop) Interrupt() {
	rl.mu.Lock()
	now := time.Now()
	isSecond := !rl.lastInterrupt.IsZero() && now.Sub(rl.lastInterrupt) <= secondInterruptGrace
	rl.lastInterrupt = now
	rl.mu.Unlock()

	if isSecond {
		rl.Context.RequestForceKill()
		return
	}

	select {
	case rl.events <- Event{Kind: UserInterrupted}:
	default:
		// Channel briefly full under heavy event load; the interrupt isn't
		// lost, merely delayed — isAborting will still be set once the
		// goroutine below completes the send, and a determined user's
		// second SIGINT will escalate to a forced kill regardless.
		go func() { rl.events <- Event{Kind: UserInterrupted} }()
	}
}
