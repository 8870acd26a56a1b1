//go:build integration

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"docproc.evalgo.org/config"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/queue"
)

func setupGateway(t *testing.T) (*Server, *gorm.DB, *recordingPublisher, func()) {
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
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())
	gdb, err := db.Connect(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	publisher := &recordingPublisher{}
	settings := &config.Settings{StoragePath: t.TempDir()}
	server := NewServer(gdb, publisher, nil, settings)

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return server, gdb, publisher, cleanup
}

func TestIntegration_SubmitCreatesRequestAndPublishes(t *testing.T) {
	server, gdb, publisher, cleanup := setupGateway(t)
	defer cleanup()

	body, contentType := multipartBody(t, map[string]string{
		"workflow":    "default",
		"channel":     "email",
		"priority":    "3",
		"external_id": "ticket-77",
	}, "statement.pdf")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", body)
	req.Header.Set(echo.HeaderContentType, contentType)

	rec := doRequest(t, server, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var response submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, db.StatusReceived, response.Status)

	requestID, err := uuid.Parse(response.RequestID)
	require.NoError(t, err)

	stored, err := db.GetRequest(gdb, requestID)
	require.NoError(t, err)
	assert.Equal(t, "email", stored.Channel)
	assert.Equal(t, 3, stored.Priority)
	assert.Equal(t, "ticket-77", stored.ExternalID)
	assert.Equal(t, "statement.pdf", stored.Filename)
	assert.NotEmpty(t, stored.StoragePath)

	require.Len(t, publisher.keys, 1)
	assert.Equal(t, queue.ExchangePipeline, publisher.exchanges[0])
	assert.Equal(t, queue.RoutingKeyNewRequest, publisher.keys[0])
	assert.Equal(t, requestID, publisher.messages[0].RequestID)
	assert.Equal(t, "default", publisher.messages[0].WorkflowName)
}

func TestIntegration_StatusAndResultLifecycle(t *testing.T) {
	server, gdb, _, cleanup := setupGateway(t)
	defer cleanup()

	request := &db.Request{
		ID:           uuid.New(),
		WorkflowName: "default",
		Status:       db.StatusExtracting,
		SLASeconds:   60,
		Filename:     "scan.pdf",
	}
	require.NoError(t, gdb.Create(request).Error)

	rec := doRequest(t, server, httptest.NewRequest(http.MethodGet,
		"/api/v1/requests/"+request.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, db.StatusExtracting, status.Status)

	// Result is gated until completion.
	rec = doRequest(t, server, httptest.NewRequest(http.MethodGet,
		"/api/v1/requests/"+request.ID.String()+"/result", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	err := gdb.Model(&db.Request{}).Where("id = ?", request.ID).Updates(map[string]interface{}{
		"status":         db.StatusCompleted,
		"completed_at":   time.Now().UTC(),
		"result_payload": db.JSONMap{"total_documents": 2},
	}).Error
	require.NoError(t, err)

	rec = doRequest(t, server, httptest.NewRequest(http.MethodGet,
		"/api/v1/requests/"+request.ID.String()+"/result", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_documents":2`)
}

func TestIntegration_StatusUnknownRequest(t *testing.T) {
	server, _, _, cleanup := setupGateway(t)
	defer cleanup()

	rec := doRequest(t, server, httptest.NewRequest(http.MethodGet,
		"/api/v1/requests/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntegration_SubmitPublishFailureReturns503(t *testing.T) {
	server, _, publisher, cleanup := setupGateway(t)
	defer cleanup()
	publisher.err = fmt.Errorf("broker down")

	body, contentType := multipartBody(t, nil, "scan.pdf")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", body)
	req.Header.Set(echo.HeaderContentType, contentType)

	rec := doRequest(t, server, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
