package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/batect/batect-engine/internal/engine"
	"github.com/batect/batect-engine/internal/shellwords"
	"github.com/batect/batect-engine/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario: a command line with quoted arguments splits the way a POSIX
// shell would (spec.md §4.3).
func TestParseCommandLine_QuotedArgumentsSplitCorrectly(t *testing.T) {
	args, err := engine.ParseCommandLine(`run.sh --name "my app" --flag`)
	require.NoError(t, err)
	assert.Equal(t, []string{"run.sh", "--name", "my app", "--flag"}, args)
}

// Scenario: an unbalanced quote is a typed, reportable error rather than a
// silently mis-split command.
func TestParseCommandLine_UnbalancedQuoteIsAnError(t *testing.T) {
	_, err := engine.ParseCommandLine(`run.sh --name "my app`)
	require.Error(t, err)
	assert.IsType(t, &shellwords.InvalidCommandLineError{}, err)
}

// Scenario: CreateContainer's merged environment is sorted by key, so the
// same logical env produces the same Env array every run (spec.md §8,
// "Deterministic JSON").
func TestCreateContainer_EnvironmentIsSortedByKey(t *testing.T) {
	model := task.Model{
		Task: task.Task{Name: "run", MainContainer: "app"},
		Containers: map[string]task.Container{
			"app": {
				Name:        "app",
				ImageSource: task.ImageSource{Kind: task.Pull, Ref: "app:latest"},
				Environment: map[string]string{"ZEBRA": "1", "ALPHA": "2", "MIKE": "3"},
			},
		},
	}

	docker := newFakeDocker()
	rl := engine.NewRunLoop(model, newExecutor(docker, &fakeStream{exitCode: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := rl.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"ALPHA=2", "MIKE=3", "ZEBRA=1"}, docker.capturedEnv["app"])
}
