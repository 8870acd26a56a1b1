package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MockDockerClient records Docker operations for deployment tests.
type MockDockerClient struct {
	mu sync.Mutex

	Containers      []containertypes.Summary
	Networks        []networktypes.Summary
	Volumes         []*volume.Volume
	PulledImages    []string
	StartedIDs      []string
	StoppedIDs      []string
	RemovedIDs      []string
	CreatedNames    []string
	CreatedNetworks []string

	ContainerListError error
	CreateError        error
	StartError         error
	PullError          error

	nextID int
}

// NewMockDockerClient creates an empty mock.
func NewMockDockerClient() *MockDockerClient {
	return &MockDockerClient{}
}

func (m *MockDockerClient) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ContainerListError != nil {
		return nil, m.ContainerListError
	}
	return append([]containertypes.Summary(nil), m.Containers...), nil
}

func (m *MockDockerClient) ContainerCreate(
	ctx context.Context,
	config *containertypes.Config,
	hostConfig *containertypes.HostConfig,
	networkingConfig *networktypes.NetworkingConfig,
	platform *ocispec.Platform,
	containerName string,
) (containertypes.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateError != nil {
		return containertypes.CreateResponse{}, m.CreateError
	}
	m.nextID++
	id := fmt.Sprintf("container-%d", m.nextID)
	m.CreatedNames = append(m.CreatedNames, containerName)
	m.Containers = append(m.Containers, containertypes.Summary{
		ID:    id,
		Names: []string{"/" + containerName},
		Image: config.Image,
	})
	return containertypes.CreateResponse{ID: id}, nil
}

func (m *MockDockerClient) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartError != nil {
		return m.StartError
	}
	m.StartedIDs = append(m.StartedIDs, containerID)
	return nil
}

func (m *MockDockerClient) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StoppedIDs = append(m.StoppedIDs, containerID)
	return nil
}

func (m *MockDockerClient) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemovedIDs = append(m.RemovedIDs, containerID)
	for i, c := range m.Containers {
		if c.ID == containerID {
			m.Containers = append(m.Containers[:i], m.Containers[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PullError != nil {
		return nil, m.PullError
	}
	m.PulledImages = append(m.PulledImages, refStr)
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (m *MockDockerClient) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := volume.Volume{Name: options.Name}
	m.Volumes = append(m.Volumes, &v)
	return v, nil
}

func (m *MockDockerClient) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return volume.ListResponse{Volumes: append([]*volume.Volume(nil), m.Volumes...)}, nil
}

func (m *MockDockerClient) NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedNetworks = append(m.CreatedNetworks, name)
	m.Networks = append(m.Networks, networktypes.Summary{Name: name})
	return networktypes.CreateResponse{ID: "network-" + name}, nil
}

func (m *MockDockerClient) NetworkList(ctx context.Context, options networktypes.ListOptions) ([]networktypes.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]networktypes.Summary(nil), m.Networks...), nil
}

func (m *MockDockerClient) Close() error {
	return nil
}
