package docker

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/mock"
)

// MockEngine mocks the Engine interface.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Ping(ctx context.Context) (types.Ping, error) {
	args := m.Called(ctx)
	return types.Ping{}, args.Error(0)
}

func (m *MockEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	args := m.Called(ctx, config, hostConfig, containerName)
	return container.CreateResponse{ID: args.String(0)}, args.Error(1)
}

func (m *MockEngine) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockEngine) ContainerPause(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockEngine) ContainerUnpause(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockEngine) ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	args := m.Called(ctx, containerID, options)
	return container.ExecCreateResponse{ID: args.String(0)}, args.Error(1)
}

func (m *MockEngine) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error) {
	args := m.Called(ctx, execID)
	return args.Get(0).(types.HijackedResponse), args.Error(1)
}

func (m *MockEngine) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	args := m.Called(ctx, execID)
	return container.ExecInspect{ExitCode: args.Int(0)}, args.Error(1)
}

func (m *MockEngine) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *MockEngine) Close() error {
	args := m.Called()
	return args.Error(0)
}
