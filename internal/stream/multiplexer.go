// Package stream implements the Stream Multiplexer: attaching to a running
// container's stdio, relaying output, forwarding local input, and
// surfacing the container's exit code once the attach stream closes.
//
// Grounded on the teacher's task.Docker.ContainerLogs, which demuxes a
// container's combined log stream with github.com/docker/docker/pkg/stdcopy.
// Generalized from a one-shot post-hoc log fetch into a live, bidirectional
// attach for the one container a run executes interactively.
package stream

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// Attachment is a live bidirectional connection to a container's stdio.
// Deliberately duplicated from engine.Attachment rather than imported: any
// concrete type satisfying one structurally satisfies the other, so this
// package needs no import of internal/engine (cmd/batect is what wires the
// two together).
type Attachment interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Inspector fetches a stopped container's exit code. Satisfied by
// internal/docker's Client.
type Inspector interface {
	ExitCode(ctx context.Context, containerID string) (int, error)
}

// Multiplexer is the default StreamMultiplexer implementation.
type Multiplexer struct {
	Inspector Inspector

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run attaches stdin/stdout/stderr to attachment, blocking until the
// attach stream closes (the container exited), then returns the
// container's exit code. Run does not itself request the container stop
// on interrupt: a concurrently-executing StopContainer step (see the
// Cleanup Planner, triggered off the same UserInterrupted event) does
// that, and closing the attach stream is what unblocks the copy below.
// aborting/stopGrace are accepted to satisfy the engine's
// StreamMultiplexer contract and for implementations that do drive the
// stop themselves; this implementation relies on the planner instead.
func (m *Multiplexer) Run(ctx context.Context, attachment Attachment, containerID string, stopGrace time.Duration, aborting func() bool) (int, error) {
	stdin := m.Stdin
	stdout := m.Stdout
	stderr := m.Stderr

	if stdin != nil {
		go func() {
			io.Copy(attachment, stdin)
			attachment.CloseWrite()
		}()
	}

	_, copyErr := stdcopy.StdCopy(stdout, stderr, attachment)
	if copyErr != nil && copyErr != io.EOF {
		return 0, copyErr
	}

	exitCode, err := m.Inspector.ExitCode(ctx, containerID)
	if err != nil {
		return 0, err
	}
	return exitCode, nil
}
