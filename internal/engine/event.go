package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind tags a TaskEvent as a tagged variant rather than through
// subtyping. The switches over it in the reactor and
// cleanup planner have default branches, so a new kind compiles without
// them being updated; they have to be extended by hand.
type EventKind int

const (
	ImageBuilt EventKind = iota
	ImagePulled
	ImageBuildProgress
	ImageBuildFailed
	ImagePullFailed
	TaskNetworkCreated
	TaskNetworkCreationFailed
	ContainerCreated
	ContainerCreationFailed
	ContainerStarted
	ContainerStartFailed
	ContainerBecameHealthy
	ContainerDidNotBecomeHealthy
	RunningContainerExited
	ContainerStopped
	ContainerRemoved
	TaskNetworkDeleted
	TemporaryFileDeleted
	UserInterrupted
	ExecutionAborted
	CleanupFailed
)

func (k EventKind) String() string {
	switch k {
	case ImageBuilt:
		return "ImageBuilt"
	case ImagePulled:
		return "ImagePulled"
	case ImageBuildProgress:
		return "ImageBuildProgress"
	case ImageBuildFailed:
		return "ImageBuildFailed"
	case ImagePullFailed:
		return "ImagePullFailed"
	case TaskNetworkCreated:
		return "TaskNetworkCreated"
	case TaskNetworkCreationFailed:
		return "TaskNetworkCreationFailed"
	case ContainerCreated:
		return "ContainerCreated"
	case ContainerCreationFailed:
		return "ContainerCreationFailed"
	case ContainerStarted:
		return "ContainerStarted"
	case ContainerStartFailed:
		return "ContainerStartFailed"
	case ContainerBecameHealthy:
		return "ContainerBecameHealthy"
	case ContainerDidNotBecomeHealthy:
		return "ContainerDidNotBecomeHealthy"
	case RunningContainerExited:
		return "RunningContainerExited"
	case ContainerStopped:
		return "ContainerStopped"
	case ContainerRemoved:
		return "ContainerRemoved"
	case TaskNetworkDeleted:
		return "TaskNetworkDeleted"
	case TemporaryFileDeleted:
		return "TemporaryFileDeleted"
	case UserInterrupted:
		return "UserInterrupted"
	case ExecutionAborted:
		return "ExecutionAborted"
	case CleanupFailed:
		return "CleanupFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// IsFailure reports whether this event kind is one of the "*Failed" /
// ExecutionAborted terminal-failure kinds that the reactor treats as an
// implicit abort (spec.md §7). RunningContainerExited with a non-zero exit
// code is deliberately NOT a failure kind: it is surfaced via its ExitCode
// field and cleanup proceeds normally (spec.md §7).
func (k EventKind) IsFailure() bool {
	switch k {
	case ImageBuildFailed, ImagePullFailed, TaskNetworkCreationFailed,
		ContainerCreationFailed, ContainerStartFailed,
		ContainerDidNotBecomeHealthy, ExecutionAborted:
		return true
	default:
		return false
	}
}

// Event is an immutable record of something that happened during one task
// run. Only the fields relevant to Kind are populated; this mirrors the
// teacher's task.TaskEvent{ID, State, Timestamp, Task} shape, generalized
// from "a single state transition" to "any one of the engine's tagged
// events", and fitted with the union-of-payload-fields encoding described
// in SPEC_FULL.md §3.
type Event struct {
	ID        uuid.UUID
	Index     int // position in the store; assigned on append
	Kind      EventKind
	Timestamp time.Time

	// StepID identifies the TaskStep that produced this event, when any did
	// (UserInterrupted, raised by RunLoop.Interrupt, has none).
	StepID uuid.UUID

	Container string // container name this event concerns, if any
	Image     string
	Network   string
	Path      string // TemporaryFileDeleted

	DockerContainerID string // ContainerCreated
	ExitCode          int    // RunningContainerExited
	Percent           int    // ImageBuildProgress
	Message           string // ImageBuildProgress
	Reason            string // *Failed / ExecutionAborted / CleanupFailed
}

func newEvent(kind EventKind, stepID uuid.UUID) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		Timestamp: time.Now(),
		StepID:    stepID,
	}
}

// Store is an append-only, ordered log of Events for one task run.
// Many readers may scan concurrently; writers are serialised. Readers
// always observe a snapshot consistent with a prefix of appends (invariant
// 1, spec.md §3): All/OfType copy the backing slice under the lock.
//
// Grounded on the teacher's manager.Manager.EventDb map[string][]*task.TaskEvent,
// generalized from a map keyed by an ad hoc task id string into the single
// linear append log spec.md §4.1 calls for.
type Store struct {
	mu     sync.RWMutex
	events []Event
}

// NewStore creates an empty event store for one run.
func NewStore() *Store {
	return &Store{}
}

// Append adds an event to the log, assigning it the next index, and
// returns the stored copy (with Index populated).
func (s *Store) Append(e Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Index = len(s.events)
	s.events = append(s.events, e)
	return e
}

// All returns a snapshot of every event appended so far, in append order.
func (s *Store) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns every event of the given kind, in append order.
func (s *Store) OfType(kind EventKind) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ErrEventNotFound is returned by SingleOfType when no event matches.
type ErrEventNotFound struct{ Kind EventKind }

func (e ErrEventNotFound) Error() string {
	return fmt.Sprintf("no event of kind %s found matching predicate", e.Kind)
}

// ErrEventNotUnique is returned by SingleOfType when more than one event
// matches.
type ErrEventNotUnique struct {
	Kind  EventKind
	Count int
}

func (e ErrEventNotUnique) Error() string {
	return fmt.Sprintf("expected exactly one event of kind %s matching predicate, found %d", e.Kind, e.Count)
}

// SingleOfType returns the one event of the given kind matching predicate.
// Callers are expected to only call this when the invariants of the event
// model guarantee at most one match exists; violations are programmer
// errors, not recoverable conditions, so the returned errors are typed for
// tests and panics-on-misuse callers alike, not for control flow.
func (s *Store) SingleOfType(kind EventKind, predicate func(Event) bool) (Event, error) {
	matches := s.OfType(kind)
	var found []Event
	for _, e := range matches {
		if predicate == nil || predicate(e) {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return Event{}, ErrEventNotFound{Kind: kind}
	case 1:
		return found[0], nil
	default:
		return Event{}, ErrEventNotUnique{Kind: kind, Count: len(found)}
	}
}

// HasEventForContainer reports whether any event of kind exists for the
// named container.
func (s *Store) HasEventForContainer(kind EventKind, container string) bool {
	for _, e := range s.OfType(kind) {
		if e.Container == container {
			return true
		}
	}
	return false
}
