package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/backoffice"
	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	docprochttp "docproc.evalgo.org/http"
	"docproc.evalgo.org/queue"
	"docproc.evalgo.org/workflow"
)

var backofficeCmd = &cobra.Command{
	Use:   "backoffice",
	Short: "run the operator HTTP API",
	Long: `Run the human-review HTTP API.

Operators list pending tasks, claim them and submit their decision.
A submitted decision is applied at full confidence and re-enters the
pipeline at the fan-in stage that was waiting for it.`,
	RunE: runBackoffice,
}

func init() {
	RootCmd.AddCommand(backofficeCmd)
}

func runBackoffice(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := common.ComponentLogger("backoffice")

	gdb, err := db.Connect(settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	service, err := queue.NewService(settings.RabbitMQURL)
	if err != nil {
		return err
	}
	defer service.Close()

	catalog := workflow.NewCatalog(settings.WorkflowsDir)
	workflowNames, err := catalog.Names()
	if err != nil {
		return err
	}
	if err := queue.DeclareTopology(service.Channel(), catalog, workflowNames, settings.MessageTTLMS); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	serverConfig := docprochttp.DefaultServerConfig(settings.BackofficePort)
	e := docprochttp.NewEchoServer(serverConfig)
	docprochttp.RegisterHealthRoutes(e, "backoffice", nil)
	backoffice.NewServer(gdb, service, catalog).Register(e)

	log.WithField("port", settings.BackofficePort).Info("backoffice listening")
	return docprochttp.Serve(ctx, e, serverConfig)
}
