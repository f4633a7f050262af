// Package docker implements workflows.StepRunner by running a step's
// callable inside a short-lived container, for steps whose callables
// need filesystem/process isolation from the worker. callableRef names
// the image to run; the image's entrypoint reads the task input as a
// single JSON value on stdin and must write exactly one JSON value to
// stdout before exiting.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	workflows "github.com/Singularity-ng/singularity-workflows"
)

// Runner implements workflows.StepRunner over the Docker Engine API.
type Runner struct {
	cli         *client.Client
	pullTimeout time.Duration
	network     string
	exposed     nat.PortSet
	bindings    nat.PortMap
}

var _ workflows.StepRunner = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithPullTimeout bounds how long a missing image is given to pull
// before the run fails. Default 2 minutes.
func WithPullTimeout(d time.Duration) Option {
	return func(r *Runner) { r.pullTimeout = d }
}

// WithNetwork sets the container's network mode (e.g. "bridge") for
// callables that need outbound access. Default "none".
func WithNetwork(mode string) Option {
	return func(r *Runner) { r.network = mode }
}

// WithPortBindings exposes and binds host ports for callables that
// need to be reached from outside the container (e.g. a sidecar health
// check), in Docker's "80/tcp:8080" spec form.
func WithPortBindings(specs ...string) Option {
	return func(r *Runner) {
		exposed, bindings, err := nat.ParsePortSpecs(specs)
		if err != nil {
			return
		}
		r.exposed = exposed
		r.bindings = bindings
	}
}

// NewRunner creates a Runner using the Docker client configuration from
// the environment (DOCKER_HOST, DOCKER_TLS_VERIFY, ...).
func NewRunner(opts ...Option) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: new client: %w", err)
	}
	r := &Runner{cli: cli, pullTimeout: 2 * time.Minute, network: "none"}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Runner) Close() error {
	return r.cli.Close()
}

// Run starts a container from the callableRef image, writes input to
// its stdin, and returns its stdout as the task output. The container
// is removed once it exits, success or failure alike.
func (r *Runner) Run(ctx context.Context, callableRef string, input json.RawMessage) (json.RawMessage, error) {
	return r.runContainer(ctx, callableRef, nil, input)
}

// runContainer is Run's implementation, with an explicit cmd override
// used by tests to exercise the plumbing against stock images whose
// default entrypoint doesn't speak the stdin/stdout JSON protocol.
func (r *Runner) runContainer(ctx context.Context, callableRef string, cmd []string, input json.RawMessage) (json.RawMessage, error) {
	if err := r.ensureImage(ctx, callableRef); err != nil {
		return nil, err
	}

	hostCfg := &container.HostConfig{
		AutoRemove:   true,
		NetworkMode:  container.NetworkMode(r.network),
		PortBindings: r.bindings,
	}
	containerCfg := &container.Config{
		Image:        callableRef,
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
		ExposedPorts: r.exposed,
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: create container for %s: %w", callableRef, err)
	}

	hijack, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: attach %s: %w", created.ID, err)
	}
	defer hijack.Close()

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox/docker: start %s: %w", created.ID, err)
	}

	go func() {
		_, _ = hijack.Conn.Write(input)
		hijack.CloseWrite()
	}()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader)
		copyDone <- err
	}()

	statusCh, errCh := r.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("sandbox/docker: wait %s: %w", created.ID, err)
	case status := <-statusCh:
		<-copyDone
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("sandbox/docker: %s exited %d: %s", callableRef, status.StatusCode, stderr.String())
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("sandbox/docker: %s: %w", callableRef, ctx.Err())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("sandbox/docker: %s produced non-JSON output: %s", callableRef, stderr.String())
	}
	return json.RawMessage(out), nil
}

// ensureImage pulls callableRef if it isn't already present locally,
// draining the pull's progress stream without surfacing it — the
// Worker Loop only cares whether the image ended up available.
func (r *Runner) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()

	rc, err := r.cli.ImagePull(pullCtx, ref, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox/docker: pull %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("sandbox/docker: pull %s: %w", ref, err)
	}
	return nil
}
