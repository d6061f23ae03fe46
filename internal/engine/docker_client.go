package engine

import (
	"context"
	"io"
	"time"

	"github.com/batect/batect-engine/internal/task"
)

// DockerClient is everything the Step Executor needs from Docker. The
// engine depends only on this interface (accept interfaces, spec.md §6);
// internal/docker provides the concrete implementation over
// github.com/docker/docker/client, the same package the teacher's
// task.Docker wraps directly.
type DockerClient interface {
	BuildImage(ctx context.Context, container task.Container, onProgress func(percent int, message string)) (string, error)
	PullImage(ctx context.Context, ref string) (string, error)
	CreateNetwork(ctx context.Context, name string) (string, error)
	CreateContainer(ctx context.Context, req ContainerCreateRequest) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)
	AttachContainer(ctx context.Context, id string) (Attachment, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	DeleteNetwork(ctx context.Context, id string) error
}

// Attachment is a live bidirectional connection to a running container's
// stdio, as produced by the Docker attach/hijack API.
type Attachment interface {
	io.ReadWriteCloser
	// CloseWrite half-closes the write side, signalling EOF on stdin
	// without tearing down the read side (used when forwarding a closed
	// local stdin).
	CloseWrite() error
}

// ContainerCreateRequest carries everything needed to build the
// /containers/create JSON body described bit-exactly in spec.md §6.
type ContainerCreateRequest struct {
	Name        string
	Image       string
	Command     []string
	Hostname    string
	WorkingDir  string
	Environment []string // "KEY=value", always non-nil (possibly empty)
	User        *task.UserAndGroup

	NetworkName string // the task network to join, aliased to Name

	Volumes []task.VolumeMount
	Ports   []task.PortMapping

	HealthCheck task.HealthCheckConfig
}

// ContainerInfo is the subset of `docker inspect` state the engine reasons
// about.
type ContainerInfo struct {
	Running           bool
	ExitCode          int
	Health            HealthStatus // zero value (HealthUnknown) when the image has no health check
	LastHealthLogLine string
}

// HealthStatus mirrors Docker's container health states.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthStarting
	HealthHealthy
	HealthUnhealthy
)
