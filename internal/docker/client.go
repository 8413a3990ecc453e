// Package docker implements the sandbox lifecycle on a local Docker engine:
// containers stand in for sandboxes, pause/unpause for pause/resume, and an
// exec of the workload command for connect.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

const (
	labelPrefix = "sandpress."
	keepalive   = "while true; do sleep 3600; done"
)

type Options struct {
	Image    string
	MemLimit string // human size, e.g. "512m"; empty means unlimited
	Workload string
	RunID    string
}

// Client implements lifecycle.Client and lifecycle.Killer.
type Client struct {
	engine   Engine
	image    string
	memBytes int64
	workload string
	runID    string
	seq      atomic.Int64
}

// New connects to the engine configured by the environment (DOCKER_HOST etc.).
func New(opts Options) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	c, err := NewWithEngine(cli, opts)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return c, nil
}

func NewWithEngine(e Engine, opts Options) (*Client, error) {
	var mem int64
	if opts.MemLimit != "" {
		n, err := units.RAMInBytes(opts.MemLimit)
		if err != nil {
			return nil, fmt.Errorf("parsing mem limit %q: %w", opts.MemLimit, err)
		}
		mem = n
	}
	return &Client{
		engine:   e,
		image:    opts.Image,
		memBytes: mem,
		workload: opts.Workload,
		runID:    opts.RunID,
	}, nil
}

func (c *Client) Close() error {
	return c.engine.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.engine.Ping(ctx)
	return err
}

func (c *Client) Create(ctx context.Context) (lifecycle.Handle, time.Duration, error) {
	start := time.Now()
	n := c.seq.Add(1)

	cfg := &container.Config{
		Image: c.image,
		Cmd:   []string{"sh", "-c", keepalive},
		Labels: map[string]string{
			labelPrefix + "managed": "true",
			labelPrefix + "run_id":  c.runID,
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{Memory: c.memBytes},
	}

	resp, err := c.engine.ContainerCreate(ctx, cfg, hostCfg, nil, nil, fmt.Sprintf("sandpress-%s-%d", c.runID, n))
	if err != nil {
		return lifecycle.Handle{}, time.Since(start), classify(lifecycle.KindCreate, "container create", err)
	}
	if err := c.engine.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		c.engine.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return lifecycle.Handle{}, time.Since(start), classify(lifecycle.KindCreate, "container start", err)
	}
	return lifecycle.Handle{ID: resp.ID, Running: true}, time.Since(start), nil
}

func (c *Client) Pause(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	if err := c.engine.ContainerPause(ctx, id); err != nil {
		return time.Since(start), classify(lifecycle.KindPause, "container pause", err)
	}
	return time.Since(start), nil
}

func (c *Client) Resume(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	if err := c.engine.ContainerUnpause(ctx, id); err != nil {
		return time.Since(start), classify(lifecycle.KindResume, "container unpause", err)
	}
	return time.Since(start), nil
}

// Connect runs the workload command inside the container and requires it
// to exit 0.
func (c *Client) Connect(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	err := c.exec(ctx, id)
	return time.Since(start), err
}

func (c *Client) exec(ctx context.Context, id string) error {
	execResp, err := c.engine.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", c.workload},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return classify(lifecycle.KindConnect, "exec create", err)
	}

	attachResp, err := c.engine.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return classify(lifecycle.KindConnect, "exec attach", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return &lifecycle.TransportError{Op: lifecycle.KindConnect, Err: fmt.Errorf("exec read: %w", err)}
	}

	info, err := c.engine.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return classify(lifecycle.KindConnect, "exec inspect", err)
	}
	if info.ExitCode != 0 {
		return &lifecycle.ProtocolError{
			Op:     lifecycle.KindConnect,
			Detail: fmt.Sprintf("workload exited %d: %s", info.ExitCode, lifecycle.Truncate(stderr.Bytes(), 200)),
		}
	}
	return nil
}

// Kill force-removes the container.
func (c *Client) Kill(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()
	err := c.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return time.Since(start), classify(lifecycle.KindKill, "container remove", err)
	}
	return time.Since(start), nil
}

// classify maps an engine error onto the lifecycle taxonomy: an unreachable
// daemon or an expired deadline is a transport failure, anything the daemon
// answered with is a protocol failure.
func classify(op lifecycle.Kind, what string, err error) error {
	if client.IsErrConnectionFailed(err) || errors.Is(err, context.DeadlineExceeded) {
		return &lifecycle.TransportError{Op: op, Err: fmt.Errorf("%s: %w", what, err)}
	}
	return &lifecycle.ProtocolError{Op: op, Detail: fmt.Sprintf("%s: %v", what, err)}
}
