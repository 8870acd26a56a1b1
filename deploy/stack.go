package deploy

import (
	"context"
	"fmt"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
)

// StackConfig describes the infrastructure stack backing the pipeline.
type StackConfig struct {
	// NetworkName joins all services; pipeline containers attach to it too.
	NetworkName string

	Postgres PostgresConfig
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
}

// PostgresConfig configures the PostgreSQL container.
type PostgresConfig struct {
	ContainerName string
	Image         string
	Port          string
	Username      string
	Password      string
	Database      string
	DataVolume    string
}

// RabbitMQConfig configures the RabbitMQ container.
type RabbitMQConfig struct {
	ContainerName  string
	Image          string
	AMQPPort       string
	ManagementPort string
	Username       string
	Password       string
	DataVolume     string
}

// RedisConfig configures the Redis container.
type RedisConfig struct {
	ContainerName string
	Image         string
	Port          string
	DataVolume    string
}

// DefaultStackConfig returns the development defaults. The credentials match
// the configuration defaults of the pipeline services, so a stack deployed
// with this config works without further setup.
func DefaultStackConfig() StackConfig {
	return StackConfig{
		NetworkName: "docproc-network",
		Postgres: PostgresConfig{
			ContainerName: "docproc-postgres",
			Image:         "postgres:16-alpine",
			Port:          "5432",
			Username:      "docproc",
			Password:      "docproc",
			Database:      "docproc",
			DataVolume:    "docproc-postgres-data",
		},
		RabbitMQ: RabbitMQConfig{
			ContainerName:  "docproc-rabbitmq",
			Image:          "rabbitmq:4.1.0-management",
			AMQPPort:       "5672",
			ManagementPort: "15672",
			Username:       "guest",
			Password:       "guest",
			DataVolume:     "docproc-rabbitmq-data",
		},
		Redis: RedisConfig{
			ContainerName: "docproc-redis",
			Image:         "redis:7-alpine",
			Port:          "6379",
			DataVolume:    "docproc-redis-data",
		},
	}
}

// PostgresURL returns the connection string for a deployed stack, as the
// pipeline services expect it in database_url.
func (c StackConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		c.Postgres.Username, c.Postgres.Password, c.Postgres.Port, c.Postgres.Database)
}

// RabbitMQURL returns the broker connection string for a deployed stack.
func (c StackConfig) RabbitMQURL() string {
	return fmt.Sprintf("amqp://%s:%s@localhost:%s/",
		c.RabbitMQ.Username, c.RabbitMQ.Password, c.RabbitMQ.AMQPPort)
}

// RedisURL returns the cache connection string for a deployed stack.
func (c StackConfig) RedisURL() string {
	return fmt.Sprintf("redis://localhost:%s/0", c.Redis.Port)
}

// DeployStack deploys the full infrastructure stack. Containers that already
// exist are left untouched and reported, not recreated.
func DeployStack(ctx context.Context, cli DockerClient, config StackConfig) error {
	if config.NetworkName != "" {
		if err := ensureNetwork(ctx, cli, config.NetworkName); err != nil {
			return err
		}
	}
	if _, err := DeployPostgres(ctx, cli, config.NetworkName, config.Postgres); err != nil {
		return err
	}
	if _, err := DeployRabbitMQ(ctx, cli, config.NetworkName, config.RabbitMQ); err != nil {
		return err
	}
	if _, err := DeployRedis(ctx, cli, config.NetworkName, config.Redis); err != nil {
		return err
	}
	return nil
}

// RemoveStack stops and removes the stack containers. Volumes are kept so
// data survives a redeploy.
func RemoveStack(ctx context.Context, cli DockerClient, config StackConfig) error {
	names := []string{
		config.Postgres.ContainerName,
		config.RabbitMQ.ContainerName,
		config.Redis.ContainerName,
	}
	for _, name := range names {
		id, err := containerID(ctx, cli, name)
		if err != nil {
			return err
		}
		if id == "" {
			continue
		}
		timeout := 30
		if err := cli.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &timeout}); err != nil {
			return fmt.Errorf("failed to stop container %s: %w", name, err)
		}
		if err := cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", name, err)
		}
	}
	return nil
}

// DeployPostgres deploys the PostgreSQL container. Returns the container id,
// or "" when a container with the configured name already exists.
func DeployPostgres(ctx context.Context, cli DockerClient, networkName string, config PostgresConfig) (string, error) {
	existing, err := containerID(ctx, cli, config.ContainerName)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", nil
	}

	if err := ensureVolume(ctx, cli, config.DataVolume); err != nil {
		return "", err
	}
	if err := pullImage(ctx, cli, config.Image); err != nil {
		return "", err
	}

	containerConfig := containertypes.Config{
		Image: config.Image,
		Env: []string{
			"POSTGRES_USER=" + config.Username,
			"POSTGRES_PASSWORD=" + config.Password,
			"POSTGRES_DB=" + config.Database,
		},
		ExposedPorts: nat.PortSet{"5432/tcp": struct{}{}},
		Healthcheck: &containertypes.HealthConfig{
			Test:     []string{"CMD-SHELL", "pg_isready -U " + config.Username},
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			Retries:  3,
		},
	}
	hostConfig := containertypes.HostConfig{
		PortBindings: nat.PortMap{
			"5432/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: config.Port}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: config.DataVolume, Target: "/var/lib/postgresql/data"},
		},
		RestartPolicy: containertypes.RestartPolicy{Name: "unless-stopped"},
	}

	return createAndStart(ctx, cli, containerConfig, hostConfig, config.ContainerName, networkName)
}

// DeployRabbitMQ deploys the RabbitMQ container with the management plugin.
// Returns the container id, or "" when it already exists.
func DeployRabbitMQ(ctx context.Context, cli DockerClient, networkName string, config RabbitMQConfig) (string, error) {
	existing, err := containerID(ctx, cli, config.ContainerName)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", nil
	}

	if err := ensureVolume(ctx, cli, config.DataVolume); err != nil {
		return "", err
	}
	if err := pullImage(ctx, cli, config.Image); err != nil {
		return "", err
	}

	containerConfig := containertypes.Config{
		Image: config.Image,
		Env: []string{
			"RABBITMQ_DEFAULT_USER=" + config.Username,
			"RABBITMQ_DEFAULT_PASS=" + config.Password,
		},
		ExposedPorts: nat.PortSet{
			"5672/tcp":  struct{}{},
			"15672/tcp": struct{}{},
		},
		Healthcheck: &containertypes.HealthConfig{
			Test:     []string{"CMD", "rabbitmq-diagnostics", "-q", "ping"},
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			Retries:  3,
		},
	}
	hostConfig := containertypes.HostConfig{
		PortBindings: nat.PortMap{
			"5672/tcp":  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: config.AMQPPort}},
			"15672/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: config.ManagementPort}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: config.DataVolume, Target: "/var/lib/rabbitmq"},
		},
		RestartPolicy: containertypes.RestartPolicy{Name: "unless-stopped"},
	}

	return createAndStart(ctx, cli, containerConfig, hostConfig, config.ContainerName, networkName)
}

// DeployRedis deploys the Redis container with append-only persistence.
// Returns the container id, or "" when it already exists.
func DeployRedis(ctx context.Context, cli DockerClient, networkName string, config RedisConfig) (string, error) {
	existing, err := containerID(ctx, cli, config.ContainerName)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", nil
	}

	if err := ensureVolume(ctx, cli, config.DataVolume); err != nil {
		return "", err
	}
	if err := pullImage(ctx, cli, config.Image); err != nil {
		return "", err
	}

	containerConfig := containertypes.Config{
		Image:        config.Image,
		Cmd:          []string{"redis-server", "--appendonly", "yes"},
		ExposedPorts: nat.PortSet{"6379/tcp": struct{}{}},
		Healthcheck: &containertypes.HealthConfig{
			Test:     []string{"CMD", "redis-cli", "ping"},
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			Retries:  3,
		},
	}
	hostConfig := containertypes.HostConfig{
		PortBindings: nat.PortMap{
			"6379/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: config.Port}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: config.DataVolume, Target: "/data"},
		},
		RestartPolicy: containertypes.RestartPolicy{Name: "unless-stopped"},
	}

	return createAndStart(ctx, cli, containerConfig, hostConfig, config.ContainerName, networkName)
}
