// Command batect runs a single task declared in a batect project file,
// driving the Task Execution Engine to completion and exiting with the
// main container's exit code.
//
// Grounded on the teacher's main.go (a sequential demo wiring task, worker
// and manager together) and cuemby/warren's cmd/warren/main.go, which
// generalizes the same pattern into a real cobra-based CLI (RunE handlers,
// PersistentFlags, os/signal forwarding into a running component).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/batect/batect-engine/internal/config"
	"github.com/batect/batect-engine/internal/console"
	"github.com/batect/batect-engine/internal/docker"
	"github.com/batect/batect-engine/internal/engine"
	"github.com/batect/batect-engine/internal/stream"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var listTasks bool
	var envOverrides []string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "batect <task> [-- <args...>]",
		Short: "Run a containerized task",
		Long: `batect resolves a task's container dependency graph and drives
each container through build/pull, create, start, health-wait, run and
teardown, exiting with the main container's exit code.`,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listTasks {
				return runListTasks(cmd, configPath)
			}
			if len(args) == 0 {
				return fmt.Errorf("no task name given (usage: %s)", cmd.Use)
			}
			taskName := args[0]
			commandOverride := args[1:]
			return runTask(cmd, configPath, taskName, commandOverride, envOverrides, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "batect.yml", "Path to the project configuration file")
	cmd.Flags().BoolVar(&listTasks, "list-tasks", false, "List the tasks defined in the project configuration")
	cmd.Flags().StringSliceVarP(&envOverrides, "env", "e", nil, "Override an environment variable for the main container (KEY=VALUE)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

func runListTasks(cmd *cobra.Command, configPath string) error {
	names, err := config.ListTasks(configPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		console.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runTask(cmd *cobra.Command, configPath, taskName string, commandOverride, envOverrides []string, logLevel string) error {
	model, err := config.Load(configPath, taskName)
	if err != nil {
		return err
	}
	if len(commandOverride) > 0 {
		model.Task.CommandOverride = commandOverride
	}
	if len(envOverrides) > 0 {
		model.Task.EnvironmentOverrides = parseEnvOverrides(envOverrides)
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	out := console.New(cmd.ErrOrStderr(), level)

	dockerClient, err := docker.NewClient()
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}

	executor := &engine.Executor{
		Docker:   dockerClient,
		Logger:   out,
		Workers:  runtime.NumCPU(),
		HostTerm: os.Getenv("TERM"),
		Stream: &stream.Multiplexer{
			Inspector: dockerClient,
			Stdin:     cmd.InOrStdin(),
			Stdout:    cmd.OutOrStdout(),
			Stderr:    cmd.ErrOrStderr(),
		},
	}

	runLoop := engine.NewRunLoop(model, executor)
	runLoop.OnEvent = out.OnEvent

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			runLoop.Interrupt()
		}
	}()

	result, err := runLoop.Run(context.Background())
	if err != nil {
		return fmt.Errorf("run task %q: %w", taskName, err)
	}

	out.Summarise(result)
	os.Exit(result.ExitCode)
	return nil
}

func parseEnvOverrides(overrides []string) map[string]string {
	out := make(map[string]string, len(overrides))
	for _, o := range overrides {
		idx := strings.Index(o, "=")
		if idx == -1 {
			out[o] = ""
			continue
		}
		out[o[:idx]] = o[idx+1:]
	}
	return out
}
