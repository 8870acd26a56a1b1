// Package deploy stands up the pipeline's backing services as Docker
// containers: PostgreSQL, RabbitMQ and Redis, joined to one network with
// persistent volumes. It targets single-host development and staging
// deployments; production clusters bring their own infrastructure.
package deploy

import (
	"context"
	"fmt"
	"io"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerClient is the subset of the Docker SDK the deployer uses. The
// interface enables testing deployments against a mock.
type DockerClient interface {
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerCreate(
		ctx context.Context,
		config *containertypes.Config,
		hostConfig *containertypes.HostConfig,
		networkingConfig *networktypes.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error

	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)

	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)

	NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error)
	NetworkList(ctx context.Context, options networktypes.ListOptions) ([]networktypes.Summary, error)

	Close() error
}

// NewDockerClient connects to the Docker daemon using the environment
// configuration (DOCKER_HOST et al.).
func NewDockerClient() (DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}

// containerID returns the id of the named container, or "" when it does not
// exist. Stopped containers count as existing.
func containerID(ctx context.Context, cli DockerClient, name string) (string, error) {
	containers, err := cli.ContainerList(ctx, containertypes.ListOptions{All: true})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

// ensureNetwork creates the network when missing. Idempotent.
func ensureNetwork(ctx context.Context, cli DockerClient, name string) error {
	networks, err := cli.NetworkList(ctx, networktypes.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}
	if _, err := cli.NetworkCreate(ctx, name, networktypes.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// ensureVolume creates the volume when missing. Idempotent.
func ensureVolume(ctx context.Context, cli DockerClient, name string) error {
	volumes, err := cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, v := range volumes.Volumes {
		if v != nil && v.Name == name {
			return nil
		}
	}
	if _, err := cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// pullImage pulls an image and drains the progress stream.
func pullImage(ctx context.Context, cli DockerClient, ref string) error {
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull completes only once the stream is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull progress for %s: %w", ref, err)
	}
	return nil
}

// createAndStart creates a named container attached to the given network and
// starts it.
func createAndStart(ctx context.Context, cli DockerClient, config containertypes.Config, hostConfig containertypes.HostConfig, name, networkName string) (string, error) {
	var networking *networktypes.NetworkingConfig
	if networkName != "" {
		networking = &networktypes.NetworkingConfig{
			EndpointsConfig: map[string]*networktypes.EndpointSettings{
				networkName: {},
			},
		}
	}

	created, err := cli.ContainerCreate(ctx, &config, &hostConfig, networking, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return created.ID, nil
}
