package builder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// MaxOutputTail bounds the captured build output, keeping only the most
	// recent bytes regardless of how verbose the build tool is.
	MaxOutputTail = 20000

	// TimeoutMarker is appended to the captured output when the wall-clock
	// timer kills the build, so a timeout is distinguishable from an
	// ordinary build failure in the log tail.
	TimeoutMarker = "--- build timed out"

	// containerProjectDir is where the project tree is mounted inside the
	// build container.
	containerProjectDir = "/project"
)

// Result is the outcome of one build execution. OK is true only on a zero
// exit code; every failure mode ends up as OK=false with the failure text in
// Output. Run never reports an error to its caller.
type Result struct {
	OK     bool
	Output string
}

// RunSpec describes one build execution.
type RunSpec struct {
	Image      string
	ProjectDir string
	Command    []string
	Timeout    time.Duration
}

// Runner executes a build command inside an isolated, time-bounded
// environment and captures its output.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) Result
}

// ContainerAPI is the slice of the Docker Engine API the runner needs.
// *client.Client satisfies it.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRunner runs builds in throwaway Docker containers with the project
// directory bind-mounted.
type DockerRunner struct {
	api ContainerAPI
}

// NewDockerRunner creates a runner over the given Docker API client.
func NewDockerRunner(api ContainerAPI) *DockerRunner {
	return &DockerRunner{api: api}
}

// Run executes the build command in a fresh container. The combined stdout
// and stderr streams are captured incrementally into a bounded buffer. A hard
// wall-clock timer kills the container when the timeout elapses and appends
// an explicit timeout marker instead of hanging.
func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) Result {
	out := newTailBuffer(MaxOutputTail)

	created, err := r.api.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Command,
			WorkingDir: containerProjectDir,
		},
		&container.HostConfig{
			Binds: []string{spec.ProjectDir + ":" + containerProjectDir},
		},
		nil, nil, "")
	if err != nil {
		fmt.Fprintf(out, "failed to create build container: %v\n", err)
		return Result{OK: false, Output: out.String()}
	}
	id := created.ID
	defer func() {
		_ = r.api.ContainerRemove(context.Background(), id, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
	}()

	if err := r.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		fmt.Fprintf(out, "failed to start build container: %v\n", err)
		return Result{OK: false, Output: out.String()}
	}

	logsDone := make(chan struct{})
	logs, err := r.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		fmt.Fprintf(out, "failed to attach to build output: %v\n", err)
		close(logsDone)
	} else {
		go func() {
			defer close(logsDone)
			defer func() { _ = logs.Close() }()
			// The engine multiplexes stdout and stderr over one stream.
			_, _ = stdcopy.StdCopy(out, out, logs)
		}()
	}

	waitCh, waitErrCh := r.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	select {
	case status := <-waitCh:
		drainLogs(logsDone)
		if status.StatusCode != 0 {
			fmt.Fprintf(out, "\nbuild exited with code %d\n", status.StatusCode)
			return Result{OK: false, Output: out.String()}
		}
		return Result{OK: true, Output: out.String()}

	case err := <-waitErrCh:
		drainLogs(logsDone)
		fmt.Fprintf(out, "\nfailed to wait for build container: %v\n", err)
		return Result{OK: false, Output: out.String()}

	case <-timer.C:
		_ = r.api.ContainerKill(context.Background(), id, "SIGKILL")
		fmt.Fprintf(out, "\n%s after %s; container killed ---\n", TimeoutMarker, spec.Timeout)
		return Result{OK: false, Output: out.String()}

	case <-ctx.Done():
		_ = r.api.ContainerKill(context.Background(), id, "SIGKILL")
		fmt.Fprintf(out, "\nbuild canceled: %v\n", ctx.Err())
		return Result{OK: false, Output: out.String()}
	}
}

// drainLogs waits briefly for the log copier to finish so the tail includes
// the final build output.
func drainLogs(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// tailBuffer is an io.Writer that retains only the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
