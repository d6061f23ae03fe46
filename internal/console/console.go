// Package console renders the Event Store's stream to a terminal using
// logrus, the same logging library the teacher's Docker struct takes as its
// Logger dependency. It is a pure consumer: it never touches the engine's
// queue or context, only the events handed to it as they are appended.
package console

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/batect/batect-engine/internal/engine"
)

// Console renders engine events as they arrive and produces the final
// summary printed once a run completes.
type Console struct {
	log *logrus.Logger
}

// New builds a Console writing to out, at the given logrus level (e.g.
// logrus.InfoLevel for normal runs, logrus.DebugLevel for --log-level debug).
func New(out io.Writer, level logrus.Level) *Console {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   false,
		TimestampFormat: "15:04:05.000",
	})
	return &Console{log: log}
}

// Printf satisfies engine.Logger, so Console can also be handed to an
// Executor directly for step-level diagnostics.
func (c *Console) Printf(format string, args ...interface{}) {
	c.log.Infof(format, args...)
}

// OnEvent renders a single event, suitable for RunLoop.OnEvent.
func (c *Console) OnEvent(e engine.Event) {
	entry := c.log.WithField("container", e.Container)

	switch e.Kind {
	case engine.ImageBuildProgress:
		if e.Percent >= 0 {
			entry.Infof("building %s: %s (%d%%)", e.Container, e.Message, e.Percent)
		} else {
			entry.Infof("building %s: %s", e.Container, e.Message)
		}
	case engine.ImageBuilt:
		entry.Infof("image built: %s", e.Image)
	case engine.ImagePulled:
		entry.Infof("image pulled: %s", e.Image)
	case engine.TaskNetworkCreated:
		c.log.Infof("network ready: %s", e.Network)
	case engine.ContainerCreated:
		entry.Infof("container created (%s)", e.DockerContainerID)
	case engine.ContainerStarted:
		entry.Info("container started")
	case engine.ContainerBecameHealthy:
		entry.Info("container healthy")
	case engine.ContainerStopped:
		entry.Info("container stopped")
	case engine.ContainerRemoved:
		entry.Info("container removed")
	case engine.TaskNetworkDeleted:
		c.log.Infof("network removed: %s", e.Network)
	case engine.TemporaryFileDeleted:
		c.log.Debugf("temporary file deleted: %s", e.Path)
	case engine.RunningContainerExited:
		entry.Infof("container exited with code %d", e.ExitCode)
	case engine.UserInterrupted:
		c.log.Warn("interrupt received, cleaning up")
	case engine.ExecutionAborted:
		c.log.Error("execution aborted")
	default:
		if e.Kind.IsFailure() {
			entry.Errorf("%s: %s", e.Kind, e.Reason)
		} else {
			entry.Debugf("%s", e.Kind)
		}
	}
}

// Summarise prints the final outcome of a run: the exit code on success, or
// the first-observed failure plus any cleanup failures (spec.md §7).
func (c *Console) Summarise(result engine.Result) {
	var failure *engine.Event
	var cleanupFailures []engine.Event
	for i := range result.Events {
		e := result.Events[i]
		if e.Kind == engine.CleanupFailed {
			cleanupFailures = append(cleanupFailures, e)
			continue
		}
		if failure == nil && e.Kind.IsFailure() {
			failure = &result.Events[i]
		}
	}

	if failure != nil {
		c.log.WithField("container", failure.Container).Errorf("task failed: %s: %s", failure.Kind, failure.Reason)
	} else {
		c.log.Infof("task finished, exit code %d", result.ExitCode)
	}

	if err := combineCleanupFailures(cleanupFailures); err != nil {
		c.log.Error(err)
	}
}

// combineCleanupFailures folds every CleanupFailed event into a single
// error, the way the console reports "any cleanup failures" alongside the
// first-observed task failure (spec.md §7). go-multierror is the teacher's
// module graph's own error-aggregation library (pulled in transitively
// through the Docker client stack); this is its first direct use.
func combineCleanupFailures(events []engine.Event) error {
	var result *multierror.Error
	for _, e := range events {
		result = multierror.Append(result, fmt.Errorf("%s: %s", e.Container, e.Reason))
	}
	return result.ErrorOrNil()
}

// Fprintln is a small helper used by cmd/batect for non-event CLI output
// (e.g. --list-tasks), kept separate from the logrus-backed event log so
// task listings aren't timestamped like log lines.
func Fprintln(w io.Writer, a ...interface{}) {
	fmt.Fprintln(w, a...)
}
