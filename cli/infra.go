package cli

import (
	"context"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/deploy"
)

var infraCmd = &cobra.Command{
	Use:   "infra",
	Short: "manage the local infrastructure stack",
	Long: `Deploy or remove the backing services the pipeline needs:
PostgreSQL, RabbitMQ and Redis, as Docker containers on one network with
persistent volumes. Intended for development and staging hosts.`,
}

var infraUpCmd = &cobra.Command{
	Use:   "up",
	Short: "deploy PostgreSQL, RabbitMQ and Redis containers",
	RunE:  runInfraUp,
}

var infraDownCmd = &cobra.Command{
	Use:   "down",
	Short: "stop and remove the stack containers (volumes are kept)",
	RunE:  runInfraDown,
}

func init() {
	infraCmd.AddCommand(infraUpCmd)
	infraCmd.AddCommand(infraDownCmd)
	RootCmd.AddCommand(infraCmd)
}

func runInfraUp(cmd *cobra.Command, args []string) error {
	cli, err := deploy.NewDockerClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	config := deploy.DefaultStackConfig()
	if err := deploy.DeployStack(context.Background(), cli, config); err != nil {
		return err
	}

	log := common.ComponentLogger("infra")
	log.WithField("database_url", config.PostgresURL()).Info("postgres ready")
	log.WithField("rabbitmq_url", config.RabbitMQURL()).Info("rabbitmq ready")
	log.WithField("redis_url", config.RedisURL()).Info("redis ready")
	return nil
}

func runInfraDown(cmd *cobra.Command, args []string) error {
	cli, err := deploy.NewDockerClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	if err := deploy.RemoveStack(context.Background(), cli, deploy.DefaultStackConfig()); err != nil {
		return err
	}
	common.ComponentLogger("infra").Info("stack removed")
	return nil
}
