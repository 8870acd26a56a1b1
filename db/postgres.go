package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docproc.evalgo.org/common"
)

// Connect opens a GORM connection to PostgreSQL with pooling configured for
// a worker process. GORM's own SQL logging is silenced; the pipeline logs
// through logrus.
func Connect(pgURL string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// Migrate creates or updates the pipeline schema. AutoMigrate covers the
// tables; the partial indexes for the hot scans are raw DDL since GORM has
// no syntax for them.
func Migrate(gdb *gorm.DB) error {
	err := gdb.AutoMigrate(
		&Request{},
		&Page{},
		&Document{},
		&AggregationState{},
		&BackofficeTask{},
		&Operator{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	// The SLA monitor scans active requests with a deadline; the back office
	// lists pending tasks. Both want partial indexes.
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_requests_active_deadline
			ON requests (deadline_utc)
			WHERE status NOT IN ('completed', 'failed', 'sla_breached')`,
		`CREATE INDEX IF NOT EXISTS idx_backoffice_tasks_pending
			ON backoffice_tasks (task_type, priority)
			WHERE status = 'pending'`,
	}
	for _, stmt := range statements {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	common.Logger.Info("database schema migrated")
	return nil
}
