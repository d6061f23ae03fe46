package engine_test

import (
	"testing"

	"github.com/batect/batect-engine/internal/engine"
	"github.com/batect/batect-engine/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainModel is app -> db -> migrations, a straight-line dependency chain.
func chainModel() task.Model {
	return task.Model{
		Task: task.Task{Name: "run", MainContainer: "app"},
		Containers: map[string]task.Container{
			"app":        {Name: "app", DependsOn: []string{"db"}},
			"db":         {Name: "db", DependsOn: []string{"migrations"}},
			"migrations": {Name: "migrations"},
		},
	}
}

func createAll(ctx *engine.Context, names ...string) {
	for _, n := range names {
		ctx.RecordDockerContainerID(n, "cid-"+n)
	}
}

func TestCleanup_Plan_OnlyStopsContainersWithNoLiveDependent(t *testing.T) {
	cp := engine.NewCleanup()
	ctx := engine.NewContext(chainModel())
	createAll(ctx, "app", "db", "migrations")

	steps := cp.Plan(engine.TriggerTaskExited, ctx)

	require.Len(t, steps, 1, "only app has no dependent left running, so only it is safe to stop first")
	assert.Equal(t, engine.StopContainer, steps[0].Kind)
	assert.Equal(t, "app", steps[0].Container)
}

func TestCleanup_NextLayerAdvancesAsEachContainerIsRemoved(t *testing.T) {
	cp := engine.NewCleanup()
	ctx := engine.NewContext(chainModel())
	createAll(ctx, "app", "db", "migrations")

	cp.Plan(engine.TriggerTaskExited, ctx)
	ctx.Events.Append(engine.Event{Kind: engine.ContainerStopped, Container: "app"})
	ctx.Events.Append(engine.Event{Kind: engine.ContainerRemoved, Container: "app"})

	next := cp.Plan(engine.TriggerTaskExited, ctx)
	require.Len(t, next, 1, "app is gone, so db is now safe to stop")
	assert.Equal(t, "db", next[0].Container)

	// migrations must not be stoppable yet: db hasn't been removed.
	for _, s := range next {
		assert.NotEqual(t, "migrations", s.Container)
	}
}

func TestCleanup_Plan_IsIdempotentWithNoNewTerminalEvents(t *testing.T) {
	cp := engine.NewCleanup()
	ctx := engine.NewContext(chainModel())
	createAll(ctx, "app", "db", "migrations")

	first := cp.Plan(engine.TriggerTaskExited, ctx)
	second := cp.Plan(engine.TriggerTaskExited, ctx)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Container, second[0].Container)

	q := engine.NewQueue()
	assert.True(t, q.Enqueue(first[0]))
	assert.False(t, q.Enqueue(second[0]), "replanning without new events must yield the same structural step")
}

// diamondModel is api -> {cache, db}, both of which depend on shared:
// a shared dependency with two dependents, the case that makes a naive
// "stop as soon as no other single dependent needs it" rule wrong.
func diamondModel() task.Model {
	return task.Model{
		Task: task.Task{Name: "run", MainContainer: "api"},
		Containers: map[string]task.Container{
			"api":   {Name: "api", DependsOn: []string{"cache", "db"}},
			"cache": {Name: "cache", DependsOn: []string{"shared"}},
			"db":    {Name: "db", DependsOn: []string{"shared"}},
			"shared": {Name: "shared"},
		},
	}
}

func TestCleanup_SharedDependencyWaitsForBothDependents(t *testing.T) {
	cp := engine.NewCleanup()
	ctx := engine.NewContext(diamondModel())
	createAll(ctx, "api", "cache", "db", "shared")

	// api goes first.
	steps := cp.Plan(engine.TriggerTaskExited, ctx)
	require.Len(t, steps, 1)
	assert.Equal(t, "api", steps[0].Container)
	ctx.Events.Append(engine.Event{Kind: engine.ContainerStopped, Container: "api"})
	ctx.Events.Append(engine.Event{Kind: engine.ContainerRemoved, Container: "api"})

	// cache and db are both now eligible, but shared is not until BOTH are removed.
	steps = cp.Plan(engine.TriggerTaskExited, ctx)
	var names []string
	for _, s := range steps {
		names = append(names, s.Container)
	}
	assert.ElementsMatch(t, []string{"cache", "db"}, names)

	ctx.Events.Append(engine.Event{Kind: engine.ContainerStopped, Container: "cache"})
	ctx.Events.Append(engine.Event{Kind: engine.ContainerRemoved, Container: "cache"})

	steps = cp.Plan(engine.TriggerTaskExited, ctx)
	for _, s := range steps {
		assert.NotEqual(t, "shared", s.Container, "db still depends on shared and hasn't been removed yet")
	}

	ctx.Events.Append(engine.Event{Kind: engine.ContainerStopped, Container: "db"})
	ctx.Events.Append(engine.Event{Kind: engine.ContainerRemoved, Container: "db"})

	steps = cp.Plan(engine.TriggerTaskExited, ctx)
	require.Len(t, steps, 1)
	assert.Equal(t, "shared", steps[0].Container)
}

// Scenario: stopping "db" fails permanently (CleanupFailed, not a
// transient retry). Its dependent "app" already went first, but "db"'s own
// CleanupFailed must still count as terminal so that "migrations" (db's
// dependency, with db as its only dependent) becomes eligible to stop, rather than waiting
// forever for a ContainerRemoved(db) that will never come (spec.md §7,
// §8 "Cleanup completeness").
func TestCleanup_CleanupFailedForAContainerUnblocksItsDependencies(t *testing.T) {
	cp := engine.NewCleanup()
	ctx := engine.NewContext(chainModel())
	createAll(ctx, "app", "db", "migrations")

	cp.Plan(engine.TriggerTaskExited, ctx)
	ctx.Events.Append(engine.Event{Kind: engine.ContainerStopped, Container: "app"})
	ctx.Events.Append(engine.Event{Kind: engine.ContainerRemoved, Container: "app"})

	next := cp.Plan(engine.TriggerTaskExited, ctx)
	require.Len(t, next, 1)
	assert.Equal(t, "db", next[0].Container)

	// db's stop fails outright; no ContainerStopped/ContainerRemoved will
	// ever follow for it.
	ctx.Events.Append(engine.Event{Kind: engine.CleanupFailed, Container: "db", Reason: "boom"})

	next = cp.Plan(engine.TriggerTaskExited, ctx)
	require.Len(t, next, 1, "db's CleanupFailed must still unblock migrations, the one container still waiting on it")
	assert.Equal(t, "migrations", next[0].Container)
}

// Scenario: every created container reaches a terminal state through a mix
// of ContainerRemoved and CleanupFailed; the network must still be queued
// for deletion rather than left to leak because not every container was
// literally *removed* (spec.md §8 "Network balance").
func TestCleanup_NetworkIsDeletedEvenWhenAContainerOnlyReachedCleanupFailed(t *testing.T) {
	ctx := engine.NewContext(singleContainerModel())
	ctx.RecordDockerContainerID("app", "cid-app")
	ctx.RecordNetwork("net-1")

	r := engine.NewReactor()
	steps := r.React(ctx.Events.Append(engine.Event{Kind: engine.CleanupFailed, Container: "app", Reason: "boom"}), ctx)

	require.Len(t, steps, 1)
	assert.Equal(t, engine.DeleteTaskNetwork, steps[0].Kind)
}

// Scenario: DeleteTaskNetwork itself fails; temp file cleanup must still be
// enqueued, and the reaction to that failure must not re-attempt the
// network deletion.
func TestCleanup_TempFilesAreDeletedEvenWhenNetworkCleanupFails(t *testing.T) {
	ctx := engine.NewContext(singleContainerModel())
	ctx.RegisterTempFile("/tmp/batect-config-123")

	r := engine.NewReactor()
	steps := r.React(engine.Event{Kind: engine.CleanupFailed, Reason: "network busy"}, ctx)

	require.Len(t, steps, 1)
	assert.Equal(t, engine.DeleteTemporaryFile, steps[0].Kind)
	assert.Equal(t, "/tmp/batect-config-123", steps[0].Path)
}

func TestCleanup_TriggerFailureAndUserInterruptedSetAborting(t *testing.T) {
	cp := engine.NewCleanup()

	ctx := engine.NewContext(singleContainerModel())
	cp.Plan(engine.TriggerFailure, ctx)
	assert.True(t, ctx.IsAborting())

	ctx2 := engine.NewContext(singleContainerModel())
	cp.Plan(engine.TriggerUserInterrupted, ctx2)
	assert.True(t, ctx2.IsAborting())

	ctx3 := engine.NewContext(singleContainerModel())
	cp.Plan(engine.TriggerTaskExited, ctx3)
	assert.False(t, ctx3.IsAborting(), "a normal exit does not itself set isAborting")
}
