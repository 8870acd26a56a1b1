package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/sla"
)

var slaScanInterval time.Duration

var slaMonitorCmd = &cobra.Command{
	Use:   "sla-monitor",
	Short: "run the SLA deadline monitor",
	Long: `Run the periodic SLA scan.

Active requests past their deadline are marked sla_breached; requests
close to their deadline are logged as at risk. With Redis configured,
replicas elect a leader per scan so only one of them touches the
database.`,
	RunE: runSLAMonitor,
}

func init() {
	slaMonitorCmd.Flags().DurationVar(&slaScanInterval, "interval", sla.DefaultInterval,
		"time between scans")
	RootCmd.AddCommand(slaMonitorCmd)
}

func runSLAMonitor(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := common.ComponentLogger("sla_monitor")

	store, err := db.NewPostgresDB(settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	var locker sla.Locker
	if settings.RedisURL != "" {
		cache, err := db.NewCacheRepository(settings.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer cache.Close()
		locker = cache
	} else {
		log.Warn("no Redis configured, every replica will scan")
	}

	ctx, stop := signalContext()
	defer stop()

	return sla.NewMonitor(store, locker, slaScanInterval).Run(ctx)
}
