package console_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/batect/batect-engine/internal/console"
	"github.com/batect/batect-engine/internal/engine"
)

func TestConsole_SummariseReportsFirstFailureAndAggregatesCleanupFailures(t *testing.T) {
	var out bytes.Buffer
	c := console.New(&out, logrus.InfoLevel)

	result := engine.Result{
		ExitCode: 1,
		Events: []engine.Event{
			{Kind: engine.ContainerStartFailed, Container: "app", Reason: "boom"},
			{Kind: engine.CleanupFailed, Container: "db", Reason: "could not stop"},
			{Kind: engine.CleanupFailed, Container: "net", Reason: "could not remove network"},
		},
	}

	c.Summarise(result)

	logged := out.String()
	assert.Contains(t, logged, "app")
	assert.Contains(t, logged, "boom")
	assert.Contains(t, logged, "could not stop")
	assert.Contains(t, logged, "could not remove network")
}

func TestConsole_SummariseReportsSuccessWhenNoFailureOccurred(t *testing.T) {
	var out bytes.Buffer
	c := console.New(&out, logrus.InfoLevel)

	c.Summarise(engine.Result{ExitCode: 0})

	assert.Contains(t, out.String(), "finished")
}

func TestConsole_OnEventRendersWithoutPanicking(t *testing.T) {
	var out bytes.Buffer
	c := console.New(&out, logrus.DebugLevel)

	for _, kind := range []engine.EventKind{
		engine.ImageBuilt, engine.ImagePulled, engine.TaskNetworkCreated,
		engine.ContainerCreated, engine.ContainerStarted, engine.ContainerBecameHealthy,
		engine.RunningContainerExited, engine.ContainerStopped, engine.ContainerRemoved,
		engine.TaskNetworkDeleted, engine.UserInterrupted, engine.ExecutionAborted,
	} {
		c.OnEvent(engine.Event{Kind: kind, Container: "app"})
	}

	assert.NotEmpty(t, out.String())
}
