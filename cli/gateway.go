package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/gateway"
	docprochttp "docproc.evalgo.org/http"
	"docproc.evalgo.org/queue"
	"docproc.evalgo.org/workflow"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "run the ingress HTTP API",
	Long: `Run the client-facing HTTP API.

Clients submit documents with POST /api/v1/requests and poll
GET /api/v1/requests/:id for status and /result for the final payload.
Submission publishes request.new, which wakes the workflow router.`,
	RunE: runGateway,
}

func init() {
	RootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := common.ComponentLogger("gateway")

	gdb, err := db.Connect(settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	service, err := queue.NewService(settings.RabbitMQURL)
	if err != nil {
		return err
	}
	defer service.Close()

	// Declare the topology here too so a submit cannot race the router's
	// queue into existence.
	catalog := workflow.NewCatalog(settings.WorkflowsDir)
	workflowNames, err := catalog.Names()
	if err != nil {
		return err
	}
	if err := queue.DeclareTopology(service.Channel(), catalog, workflowNames, settings.MessageTTLMS); err != nil {
		return err
	}

	var cache *db.CacheRepository
	if settings.RedisURL != "" {
		cache, err = db.NewCacheRepository(settings.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer cache.Close()
	}

	ctx, stop := signalContext()
	defer stop()

	serverConfig := docprochttp.DefaultServerConfig(settings.GatewayPort)
	e := docprochttp.NewEchoServer(serverConfig)
	docprochttp.RegisterHealthRoutes(e, "gateway", nil)
	gateway.NewServer(gdb, service, cache, settings).Register(e)

	log.WithField("port", settings.GatewayPort).Info("gateway listening")
	return docprochttp.Serve(ctx, e, serverConfig)
}
