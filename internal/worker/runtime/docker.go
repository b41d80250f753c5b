package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerAPI is the subset of the Docker engine the runtime drives.
type ContainerAPI interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, cfg *container.Config) (string, error)
	// Attach returns the container stdin and its multiplexed stdout/stderr stream.
	Attach(ctx context.Context, id string) (io.WriteCloser, io.Reader, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error)
	Stop(ctx context.Context, id string, timeoutSeconds int) error
	Remove(ctx context.Context, id string) error
}

// DockerRuntime implements the Runtime interface using one long-lived container per unit.
type DockerRuntime struct {
	api         ContainerAPI
	Image       string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	StopTimeout int // seconds
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime(imageRef string, command []string, env map[string]string) (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewDockerRuntimeWithAPI(&dockerClient{cli: cli}, imageRef, command, env), nil
}

// NewDockerRuntimeWithAPI creates a runtime on top of an existing engine connection.
func NewDockerRuntimeWithAPI(api ContainerAPI, imageRef string, command []string, env map[string]string) *DockerRuntime {
	return &DockerRuntime{
		api:         api,
		Image:       imageRef,
		Command:     command,
		Env:         env,
		StopTimeout: 5,
	}
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, events Events) (Unit, error) {
	if d.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if err := d.api.EnsureImage(ctx, d.Image); err != nil {
		return nil, err
	}

	id, err := d.api.Create(ctx, &container.Config{
		Image:        d.Image,
		Cmd:          d.Command,
		Env:          mapToEnvList(d.Env),
		Labels:       d.Labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	stdin, output, err := d.api.Attach(ctx, id)
	if err != nil {
		d.api.Remove(context.Background(), id)
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	// Wait is registered before start so an immediate exit is not missed.
	statusCh, errCh := d.api.Wait(context.Background(), id)

	if err := d.api.Start(ctx, id); err != nil {
		stdin.Close()
		d.api.Remove(context.Background(), id)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	u := &dockerUnit{
		id:          nextUnitID(),
		containerID: id,
		api:         d.api,
		stdin:       stdin,
		stopTimeout: d.StopTimeout,
	}
	go u.supervise(output, statusCh, errCh, events)
	return u, nil
}

type dockerUnit struct {
	id          int64
	containerID string
	api         ContainerAPI
	stdin       io.WriteCloser
	stopTimeout int

	mu     sync.Mutex
	closed bool
}

func (u *dockerUnit) ID() int64 { return u.id }

func (u *dockerUnit) Send(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUnitStopped
	}
	if _, err := u.stdin.Write(b); err != nil {
		return fmt.Errorf("failed to write to container %s: %w", u.containerID, err)
	}
	return nil
}

func (u *dockerUnit) Stop(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.stdin.Close()
	u.mu.Unlock()

	if err := u.api.Stop(ctx, u.containerID, u.stopTimeout); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", u.containerID, err)
	}
	return u.api.Remove(ctx, u.containerID)
}

func (u *dockerUnit) supervise(output io.Reader, statusCh <-chan container.WaitResponse, errCh <-chan error, events Events) {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, os.Stderr, output)
		pw.CloseWithError(err)
	}()
	if err := readMessages(pr, u.id, events); err != nil {
		pr.CloseWithError(err)
		go u.Stop(context.Background())
	}

	select {
	case err := <-errCh:
		events.crash(u.id, err)
	case status := <-statusCh:
		if status.Error != nil {
			events.crash(u.id, fmt.Errorf("%s", status.Error.Message))
			return
		}
		events.exit(u.id, int(status.StatusCode))
	}
}

// dockerClient adapts the engine SDK client to ContainerAPI.
type dockerClient struct {
	cli *client.Client
}

func (c *dockerClient) EnsureImage(ctx context.Context, ref string) error {
	// Check if it exists locally first to save time.
	if _, _, err := c.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (c *dockerClient) Create(ctx context.Context, cfg *container.Config) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, nil, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *dockerClient) Attach(ctx context.Context, id string) (io.WriteCloser, io.Reader, error) {
	resp, err := c.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return hijackedStdin{resp}, resp.Reader, nil
}

func (c *dockerClient) Start(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *dockerClient) Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error) {
	return c.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
}

func (c *dockerClient) Stop(ctx context.Context, id string, timeoutSeconds int) error {
	return c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds})
}

func (c *dockerClient) Remove(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// hijackedStdin half-closes the attach connection so the container sees EOF on stdin.
type hijackedStdin struct {
	resp types.HijackedResponse
}

func (h hijackedStdin) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h hijackedStdin) Close() error {
	return h.resp.CloseWrite()
}
