package engine_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/batect/batect-engine/internal/engine"
	"github.com/batect/batect-engine/internal/task"
)

// fakeDocker is a minimal, in-memory engine.DockerClient used to drive the
// run loop end to end without a real Docker daemon. Every operation
// succeeds unless the matching failure map says otherwise, mirroring the
// teacher's own example_test.go style of hand-rolled fakes over a
// generated mock.
type fakeDocker struct {
	mu sync.Mutex

	failBuild   map[string]bool
	failPull    map[string]bool
	failCreate  map[string]bool
	failStart   map[string]bool
	failHealthy map[string]bool
	failStop    map[string]bool
	failRemove  map[string]bool

	exitCode  int
	created   []string
	started   []string
	stopped   []string
	removed   []string
	networkID string

	// capturedEnv records the Environment slice passed to CreateContainer,
	// keyed by container name, so tests can assert on its exact ordering.
	capturedEnv map[string][]string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		failBuild:   map[string]bool{},
		failPull:    map[string]bool{},
		failCreate:  map[string]bool{},
		failStart:   map[string]bool{},
		failHealthy: map[string]bool{},
		failStop:    map[string]bool{},
		failRemove:  map[string]bool{},
	}
}

func (f *fakeDocker) BuildImage(ctx context.Context, c task.Container, onProgress func(int, string)) (string, error) {
	if f.failBuild[c.Name] {
		return "", fmt.Errorf("build failed for %s", c.Name)
	}
	if onProgress != nil {
		onProgress(100, "done")
	}
	return "sha256:" + c.Name, nil
}

func (f *fakeDocker) PullImage(ctx context.Context, ref string) (string, error) {
	if f.failPull[ref] {
		return "", fmt.Errorf("pull failed for %s", ref)
	}
	return "sha256:" + ref, nil
}

func (f *fakeDocker) CreateNetwork(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networkID = "net-" + name
	return f.networkID, nil
}

func (f *fakeDocker) CreateContainer(ctx context.Context, req engine.ContainerCreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[req.Name] {
		return "", fmt.Errorf("create failed for %s", req.Name)
	}
	f.created = append(f.created, req.Name)
	if f.capturedEnv == nil {
		f.capturedEnv = map[string][]string{}
	}
	f.capturedEnv[req.Name] = req.Environment
	return "cid-" + req.Name, nil
}

func (f *fakeDocker) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart[id] {
		return fmt.Errorf("start failed for %s", id)
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) InspectContainer(ctx context.Context, id string) (engine.ContainerInfo, error) {
	if f.failHealthy[id] {
		return engine.ContainerInfo{Running: true, Health: engine.HealthUnhealthy, LastHealthLogLine: "check failed"}, nil
	}
	return engine.ContainerInfo{Running: true, Health: engine.HealthHealthy, ExitCode: f.exitCode}, nil
}

func (f *fakeDocker) AttachContainer(ctx context.Context, id string) (engine.Attachment, error) {
	return &fakeAttachment{}, nil
}

func (f *fakeDocker) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStop[id] {
		return fmt.Errorf("stop failed for %s", id)
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove[id] {
		return fmt.Errorf("remove failed for %s", id)
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) DeleteNetwork(ctx context.Context, id string) error {
	return nil
}

// fakeAttachment is a no-op Attachment: reads fail immediately with an
// error whose text is "EOF". fakeStream.Run (below) never reads from it and
// returns as soon as it's invoked.
type fakeAttachment struct{}

func (a *fakeAttachment) Read(p []byte) (int, error)  { return 0, fmt.Errorf("EOF") }
func (a *fakeAttachment) Write(p []byte) (int, error) { return len(p), nil }
func (a *fakeAttachment) Close() error                { return nil }
func (a *fakeAttachment) CloseWrite() error            { return nil }

// fakeStream is a StreamMultiplexer that returns immediately with a fixed
// exit code, standing in for internal/stream.Multiplexer in run-loop tests
// that don't need real stdio plumbing.
type fakeStream struct {
	exitCode int
	err      error
}

func (s *fakeStream) Run(ctx context.Context, attachment engine.Attachment, containerID string, stopGrace time.Duration, aborting func() bool) (int, error) {
	return s.exitCode, s.err
}
