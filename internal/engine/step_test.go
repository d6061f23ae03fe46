package engine_test

import (
	"testing"

	"github.com/batect/batect-engine/internal/engine"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStep(kind engine.StepKind, container string) engine.Step {
	return engine.Step{Kind: kind, Container: container}
}

func TestQueue_EnqueueDedupsStructurallyEqualSteps(t *testing.T) {
	q := engine.NewQueue()

	added := q.Enqueue(newStep(engine.StartContainer, "db"))
	assert.True(t, added)

	addedAgain := q.Enqueue(newStep(engine.StartContainer, "db"))
	assert.False(t, addedAgain, "a second structurally-identical step must not be queued twice")
	assert.Equal(t, 1, q.Len())
}

func TestQueue_DedupIgnoresID(t *testing.T) {
	q := engine.NewQueue()
	first := engine.Step{ID: uuid.New(), Kind: engine.StartContainer, Container: "db"}
	second := engine.Step{ID: uuid.New(), Kind: engine.StartContainer, Container: "db"}

	assert.NotEqual(t, first.ID, second.ID, "steps minted separately must not share an ID")
	assert.True(t, q.Enqueue(first))
	assert.False(t, q.Enqueue(second), "dedup key excludes ID, so these collide")
}

func TestQueue_DistinctContainersDoNotCollide(t *testing.T) {
	q := engine.NewQueue()

	assert.True(t, q.Enqueue(newStep(engine.StartContainer, "db")))
	assert.True(t, q.Enqueue(newStep(engine.StartContainer, "web")))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_PopMarksInFlightUntilComplete(t *testing.T) {
	q := engine.NewQueue()
	q.Enqueue(newStep(engine.StartContainer, "db"))

	assert.False(t, q.Idle())

	step, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "db", step.Container)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.InFlightCount())
	assert.False(t, q.Idle(), "a popped-but-not-completed step keeps the queue non-idle")

	q.Complete()
	assert.Equal(t, 0, q.InFlightCount())
	assert.True(t, q.Idle())
}

func TestQueue_PopEmptyReturnsFalse(t *testing.T) {
	q := engine.NewQueue()

	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueue_AStepCanBeRequeuedOnceItsPredecessorIsPopped(t *testing.T) {
	q := engine.NewQueue()
	q.Enqueue(newStep(engine.StartContainer, "db"))
	q.Pop()

	assert.True(t, q.Enqueue(newStep(engine.StartContainer, "db")),
		"popping clears the dedup key, so the same logical step can be queued again later")
	q.Complete()
}
