package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	docprochttp "docproc.evalgo.org/http"
	"docproc.evalgo.org/pipeline"
	"docproc.evalgo.org/queue"
	"docproc.evalgo.org/stages"
	"docproc.evalgo.org/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker <component>",
	Short: "run one pipeline stage worker",
	Long: fmt.Sprintf(`Run the consume loop for one pipeline component.

Components: %s

The worker declares the full queue topology on startup, consumes from its
own queue and serves /healthz and /readyz on the configured health port.`,
		strings.Join(stages.Components, ", ")),
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: stages.Components,
	RunE:      runWorker,
}

func init() {
	RootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	component := args[0]

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	settings.ComponentName = component
	log := common.ComponentLogger(component)

	catalog := workflow.NewCatalog(settings.WorkflowsDir)
	env := &stages.Env{Catalog: catalog, Settings: settings}
	stage, err := stages.New(component, env)
	if err != nil {
		return err
	}

	gdb, err := db.Connect(settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	service, err := queue.NewService(settings.RabbitMQURL)
	if err != nil {
		return err
	}
	defer service.Close()

	workflowNames, err := catalog.Names()
	if err != nil {
		return err
	}
	if err := queue.DeclareTopology(service.Channel(), catalog, workflowNames, settings.MessageTTLMS); err != nil {
		return err
	}

	worker := pipeline.NewWorker(stage, service.Channel(), service, pipeline.NewResolver(catalog), gdb, pipeline.WorkerConfig{
		PrefetchCount: settings.PrefetchCount,
		MaxRetries:    settings.MaxRetries,
	})

	ctx, stop := signalContext()
	defer stop()

	healthConfig := docprochttp.DefaultServerConfig(settings.HealthPort)
	e := docprochttp.NewEchoServer(healthConfig)
	docprochttp.RegisterHealthRoutes(e, component, worker.Ready)
	go func() {
		if err := docprochttp.Serve(ctx, e, healthConfig); err != nil {
			log.WithError(err).Error("health server failed")
		}
	}()

	return worker.Run(ctx)
}
