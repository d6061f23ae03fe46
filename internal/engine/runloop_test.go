package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/batect/batect-engine/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(docker *fakeDocker, stream *fakeStream) *engine.Executor {
	return &engine.Executor{
		Docker:  docker,
		Stream:  stream,
		Logger:  noopLogger{},
		Workers: 2,
	}
}

type noopLogger struct{}

func (noopLogger) Printf(format string, args ...interface{}) {}

// Scenario: a single container with no dependencies runs to completion and
// exits 0.
func TestRunLoop_SingleContainerNoDependenciesExitsZero(t *testing.T) {
	docker := newFakeDocker()
	docker.exitCode = 0
	rl := engine.NewRunLoop(singleContainerModel(), newExecutor(docker, &fakeStream{exitCode: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := rl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	var sawRemoved, sawNetworkDeleted bool
	for _, e := range result.Events {
		if e.Kind == engine.ContainerRemoved && e.Container == "app" {
			sawRemoved = true
		}
		if e.Kind == engine.TaskNetworkDeleted {
			sawNetworkDeleted = true
		}
	}
	assert.True(t, sawRemoved, "the main container must be stopped and removed after it exits")
	assert.True(t, sawNetworkDeleted, "the task network must be torn down once every container is gone")
}

// Scenario: a non-zero exit code is reported but is not treated as a
// failure — cleanup still proceeds to completion and no *Failed event is
// recorded.
func TestRunLoop_NonZeroExitStillCleansUp(t *testing.T) {
	docker := newFakeDocker()
	docker.exitCode = 17
	rl := engine.NewRunLoop(singleContainerModel(), newExecutor(docker, &fakeStream{exitCode: 17}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := rl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17, result.ExitCode)

	for _, e := range result.Events {
		assert.False(t, e.Kind.IsFailure(), "a nonzero exit code is not a failure kind: got %s", e.Kind)
	}
}

// Scenario: the main container depends on a container that never becomes
// healthy. The run aborts before RunContainer is ever reachable, and
// cleanup still removes whatever was created.
func TestRunLoop_DependencyNeverHealthyAbortsWithoutRunning(t *testing.T) {
	docker := newFakeDocker()
	docker.failHealthy["cid-db"] = true
	rl := engine.NewRunLoop(twoContainerModel(), newExecutor(docker, &fakeStream{exitCode: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := rl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)

	var sawDidNotBecomeHealthy, sawRunningExited bool
	for _, e := range result.Events {
		if e.Kind == engine.ContainerDidNotBecomeHealthy {
			sawDidNotBecomeHealthy = true
		}
		if e.Kind == engine.RunningContainerExited {
			sawRunningExited = true
		}
	}
	assert.True(t, sawDidNotBecomeHealthy)
	assert.False(t, sawRunningExited, "app's RunContainer step is only reachable via app's own ContainerBecameHealthy, which never fires")
}

// Scenario: a user interrupt (SIGINT) arriving mid-run triggers cleanup
// even though nothing failed and the main container never ran to
// completion.
func TestRunLoop_UserInterruptTriggersCleanup(t *testing.T) {
	docker := newFakeDocker()
	rl := engine.NewRunLoop(singleContainerModel(), newExecutor(docker, &fakeStream{exitCode: 0}))

	// Interrupt immediately: Interrupt() enqueues UserInterrupted onto the
	// run loop's own buffered event channel, so it is guaranteed to be
	// observed during this run regardless of how fast the fake Docker
	// client completes the rest of the task.
	rl.Interrupt()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := rl.Run(ctx)
	require.NoError(t, err)

	var sawInterrupt bool
	for _, e := range result.Events {
		if e.Kind == engine.UserInterrupted {
			sawInterrupt = true
		}
	}
	assert.True(t, sawInterrupt)
}

// Scenario: "db"'s StopContainer fails outright (a real daemon error, not
// "not found"), so it never gets a ContainerRemoved event. The run must
// still quiesce rather than hang, and the task network — which only
// depends on every *created* container reaching a terminal cleanup state,
// not specifically on ContainerRemoved — must still be torn down
// (spec.md §8 "Cleanup completeness", "Network balance").
func TestRunLoop_StopContainerFailureStillDrainsAndDeletesNetwork(t *testing.T) {
	docker := newFakeDocker()
	docker.failStop["cid-db"] = true
	rl := engine.NewRunLoop(twoContainerModel(), newExecutor(docker, &fakeStream{exitCode: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := rl.Run(ctx)
	require.NoError(t, err)

	var sawCleanupFailed, sawNetworkDeleted, sawDbRemoved bool
	for _, e := range result.Events {
		if e.Kind == engine.CleanupFailed && e.Container == "db" {
			sawCleanupFailed = true
		}
		if e.Kind == engine.TaskNetworkDeleted {
			sawNetworkDeleted = true
		}
		if e.Kind == engine.ContainerRemoved && e.Container == "db" {
			sawDbRemoved = true
		}
	}
	assert.True(t, sawCleanupFailed, "db's failed stop must be reported")
	assert.False(t, sawDbRemoved, "a container whose stop failed is never removed")
	assert.True(t, sawNetworkDeleted, "db's CleanupFailed must not leak the network forever")
}
