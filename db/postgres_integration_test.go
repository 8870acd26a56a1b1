//go:build integration

package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func setupMigratedDB(t *testing.T) (*gorm.DB, func()) {
	dsn, cleanup := setupPostgresContainer(t)

	gdb, err := Connect(dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))

	return gdb, cleanup
}

func createTestRequest(t *testing.T, gdb *gorm.DB) *Request {
	t.Helper()
	request := &Request{
		ID:           uuid.New(),
		WorkflowName: "default",
		Status:       StatusReceived,
		Channel:      "upload",
		Filename:     "scan.pdf",
		SLASeconds:   60,
	}
	require.NoError(t, gdb.Create(request).Error)
	return request
}

func TestIntegration_Migrate(t *testing.T) {
	gdb, cleanup := setupMigratedDB(t)
	defer cleanup()

	for _, table := range []string{"requests", "pages", "documents", "aggregation_states", "backoffice_tasks", "operators"} {
		var exists bool
		err := gdb.Raw(
			"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?)",
			table,
		).Scan(&exists).Error
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestIntegration_TransitionStatus(t *testing.T) {
	gdb, cleanup := setupMigratedDB(t)
	defer cleanup()

	request := createTestRequest(t, gdb)

	changed, err := TransitionStatus(gdb, request.ID, StatusRouting)
	require.NoError(t, err)
	assert.True(t, changed)

	// Backwards transitions are rejected.
	_, err = TransitionStatus(gdb, request.ID, StatusReceived)
	require.Error(t, err)

	// Breach overrides any active status...
	changed, err = TransitionStatus(gdb, request.ID, StatusSLABreached)
	require.NoError(t, err)
	assert.True(t, changed)

	// ...and from there every transition is a silent no-op.
	changed, err = TransitionStatus(gdb, request.ID, StatusCompleted)
	require.NoError(t, err)
	assert.False(t, changed)

	loaded, err := GetRequest(gdb, request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSLABreached, loaded.Status)
	assert.Nil(t, loaded.CompletedAt)
}

func TestIntegration_TransitionStatus_CompletedAt(t *testing.T) {
	gdb, cleanup := setupMigratedDB(t)
	defer cleanup()

	request := createTestRequest(t, gdb)
	request.Status = StatusConsolidating
	require.NoError(t, gdb.Save(request).Error)

	changed, err := TransitionStatus(gdb, request.ID, StatusCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	loaded, err := GetRequest(gdb, request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
	assert.WithinDuration(t, time.Now(), *loaded.CompletedAt, 10*time.Second)
}

func TestIntegration_IncrementAggregation(t *testing.T) {
	gdb, cleanup := setupMigratedDB(t)
	defer cleanup()

	request := createTestRequest(t, gdb)
	_, err := CreateAggregationState(gdb, request.ID, "classification", 3)
	require.NoError(t, err)

	// First two increments do not complete the round.
	for i := 1; i <= 2; i++ {
		result, err := IncrementAggregation(gdb, request.ID, "classification")
		require.NoError(t, err)
		assert.Equal(t, i, result.ReceivedCount)
		assert.Equal(t, 3, result.ExpectedCount)
		assert.False(t, result.JustCompleted)
		assert.False(t, result.IsComplete)
	}

	// The third completes it exactly once.
	result, err := IncrementAggregation(gdb, request.ID, "classification")
	require.NoError(t, err)
	assert.Equal(t, 3, result.ReceivedCount)
	assert.True(t, result.JustCompleted)
	assert.True(t, result.IsComplete)

	// A redelivered sibling is absorbed: clamped counter, no second fire,
	// but the completed state stays visible for publish recovery.
	result, err = IncrementAggregation(gdb, request.ID, "classification")
	require.NoError(t, err)
	assert.Equal(t, 3, result.ReceivedCount)
	assert.False(t, result.JustCompleted)
	assert.True(t, result.IsComplete)
}

func TestIntegration_IncrementAggregation_MissingRow(t *testing.T) {
	gdb, cleanup := setupMigratedDB(t)
	defer cleanup()

	_, err := IncrementAggregation(gdb, uuid.New(), "classification")
	assert.ErrorIs(t, err, ErrAggregationMissing)
}

func TestIntegration_IncrementAggregation_Concurrent(t *testing.T) {
	gdb, cleanup := setupMigratedDB(t)
	defer cleanup()

	const siblings = 8

	request := createTestRequest(t, gdb)
	_, err := CreateAggregationState(gdb, request.ID, "classification", siblings)
	require.NoError(t, err)

	var wg sync.WaitGroup
	completions := make(chan bool, siblings)
	for i := 0; i < siblings; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gdb.Transaction(func(tx *gorm.DB) error {
				result, err := IncrementAggregation(tx, request.ID, "classification")
				if err != nil {
					return err
				}
				if result.JustCompleted {
					completions <- true
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(completions)

	assert.Len(t, completions, 1, "finalization must fire exactly once")

	state, err := GetAggregationState(gdb, request.ID, "classification")
	require.NoError(t, err)
	assert.Equal(t, siblings, state.ReceivedCount)
	assert.True(t, state.IsComplete)
}

func TestIntegration_UniquePageIndex(t *testing.T) {
	gdb, cleanup := setupMigratedDB(t)
	defer cleanup()

	request := createTestRequest(t, gdb)

	page := &Page{ID: uuid.New(), RequestID: request.ID, PageIndex: 0, Status: "created"}
	require.NoError(t, gdb.Create(page).Error)

	duplicate := &Page{ID: uuid.New(), RequestID: request.ID, PageIndex: 0, Status: "created"}
	assert.Error(t, gdb.Create(duplicate).Error, "duplicate (request_id, page_index) must be rejected")
}

func TestIntegration_PgxQueries(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	gdb, err := Connect(dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))

	request := &Request{
		ID:           uuid.New(),
		WorkflowName: "default",
		Status:       StatusSplitting,
		SLASeconds:   60,
	}
	deadline := time.Now().UTC().Add(-time.Minute)
	request.DeadlineUTC = &deadline
	require.NoError(t, gdb.Create(request).Error)

	pgURL := fmt.Sprintf("postgresql://testuser:testpass@%s/testdb?sslmode=disable",
		dsnHostPort(t, dsn))
	pool, err := NewPostgresDB(pgURL)
	require.NoError(t, err)
	defer pool.Close()

	var count int
	err = pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM requests
		 WHERE status NOT IN ('completed', 'failed', 'sla_breached')
		   AND deadline_utc <= NOW()`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// dsnHostPort extracts host:port from the key=value DSN built by
// setupPostgresContainer.
func dsnHostPort(t *testing.T, dsn string) string {
	t.Helper()
	var host, port string
	_, err := fmt.Sscanf(dsn, "host=%s port=%s", &host, &port)
	require.NoError(t, err)
	return host + ":" + port
}
