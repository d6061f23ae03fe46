package engine

import (
	"fmt"
	"sync"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
)

// StepKind tags a TaskStep. As with EventKind, this is a closed, exhaustive
// set switched over by the executor — not an interface hierarchy.
type StepKind int

const (
	BuildImage StepKind = iota
	PullImage
	CreateTaskNetwork
	CreateContainer
	StartContainer
	WaitForContainerToBecomeHealthy
	RunContainer
	StopContainer
	RemoveContainer
	DeleteTaskNetwork
	DeleteTemporaryFile
)

func (k StepKind) String() string {
	switch k {
	case BuildImage:
		return "BuildImage"
	case PullImage:
		return "PullImage"
	case CreateTaskNetwork:
		return "CreateTaskNetwork"
	case CreateContainer:
		return "CreateContainer"
	case StartContainer:
		return "StartContainer"
	case WaitForContainerToBecomeHealthy:
		return "WaitForContainerToBecomeHealthy"
	case RunContainer:
		return "RunContainer"
	case StopContainer:
		return "StopContainer"
	case RemoveContainer:
		return "RemoveContainer"
	case DeleteTaskNetwork:
		return "DeleteTaskNetwork"
	case DeleteTemporaryFile:
		return "DeleteTemporaryFile"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// Step is a discrete, executable operation against Docker or the local
// filesystem. Steps reference prior events only by type + filter (never by
// back-pointer, per design note §9); they carry just enough data for the
// executor to act and for structural-equality dedup to work.
type Step struct {
	ID        uuid.UUID
	Kind      StepKind
	Container string // empty for CreateTaskNetwork/DeleteTaskNetwork

	Path string // DeleteTemporaryFile
}

func newStep(kind StepKind, container string) Step {
	return Step{ID: uuid.New(), Kind: kind, Container: container}
}

// dedupKey is the structural-equality key used by Queue to satisfy
// invariant 5 (spec.md §3): the queue never holds two steps that would be
// semantically equivalent. Equality is on (Kind, Container, Path) — the ID
// is deliberately excluded, since two freshly minted StartContainer(c)
// steps must collide even though their IDs differ.
type dedupKey struct {
	kind      StepKind
	container string
	path      string
}

func (s Step) dedupKey() dedupKey {
	return dedupKey{kind: s.Kind, container: s.Container, path: s.Path}
}

// Queue is an ordered FIFO of steps ready to execute, with best-effort
// dedup by structural equality and a count of steps currently in flight
// (popped but not yet completed).
//
// Grounded on the teacher's manager.Manager.Pending queue.Queue field
// (github.com/golang-collections/collections/queue): we keep using that
// package's ring buffer as the backing FIFO and add the dedup/in-flight
// bookkeeping the teacher never implemented (its SelectWorker/SendWork
// were stubs).
type Queue struct {
	mu       sync.Mutex
	q        *queue.Queue
	queued   map[dedupKey]bool
	inFlight int
}

// NewQueue creates an empty step queue.
func NewQueue() *Queue {
	return &Queue{
		q:      queue.New(),
		queued: map[dedupKey]bool{},
	}
}

// Enqueue adds step to the back of the queue unless an equivalent step is
// already queued (invariant 5). Returns true if the step was actually
// added.
func (q *Queue) Enqueue(step Step) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := step.dedupKey()
	if q.queued[key] {
		return false
	}
	q.queued[key] = true
	q.q.Enqueue(step)
	return true
}

// Pop removes and returns the front step, marking it in-flight. The second
// return value is false when the queue was empty.
func (q *Queue) Pop() (Step, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.q.Len() == 0 {
		return Step{}, false
	}
	v := q.q.Dequeue()
	step := v.(Step)
	delete(q.queued, step.dedupKey())
	q.inFlight++
	return step, true
}

// Complete marks a previously popped step as no longer in flight. Must be
// called exactly once per successful Pop, once the executor has emitted
// the step's resulting event(s).
func (q *Queue) Complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
}

// Len reports the number of steps currently waiting (not counting in-flight
// steps).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Len()
}

// InFlightCount reports the number of steps popped but not yet Complete'd.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Idle reports whether the queue is fully drained: nothing waiting and
// nothing in flight. The run loop terminates when this is true.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Len() == 0 && q.inFlight == 0
}
