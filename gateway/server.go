// Package gateway is the ingress HTTP API: clients submit documents here
// and poll for status and results. Submission stores the upload, creates
// the request row and publishes the request.new message that wakes the
// workflow router.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/config"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/queue"
)

// statusCacheTTL bounds how stale a cached status response may be.
const statusCacheTTL = 2 * time.Second

// Server handles document submission and status queries.
type Server struct {
	gdb       *gorm.DB
	publisher queue.EnvelopePublisher
	cache     *db.CacheRepository // optional
	settings  *config.Settings
	log       *logrus.Entry
}

// NewServer creates the gateway. cache may be nil when Redis is not
// configured.
func NewServer(gdb *gorm.DB, publisher queue.EnvelopePublisher, cache *db.CacheRepository, settings *config.Settings) *Server {
	return &Server{
		gdb:       gdb,
		publisher: publisher,
		cache:     cache,
		settings:  settings,
		log:       common.ComponentLogger("gateway"),
	}
}

// Register mounts the gateway routes.
func (s *Server) Register(e *echo.Echo) {
	v1 := e.Group("/api/v1")
	v1.POST("/requests", s.submitRequest)
	v1.GET("/requests/:id", s.getStatus)
	v1.GET("/requests/:id/result", s.getResult)
}

// submitResponse is returned on successful submission.
type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// statusResponse is the polling payload.
type statusResponse struct {
	RequestID     string     `json:"request_id"`
	Status        string     `json:"status"`
	WorkflowName  string     `json:"workflow_name"`
	PageCount     *int       `json:"page_count,omitempty"`
	DocumentCount *int       `json:"document_count,omitempty"`
	DeadlineUTC   *time.Time `json:"deadline_utc,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) submitRequest(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}

	workflowName := c.FormValue("workflow")
	if workflowName == "" {
		workflowName = "default"
	}
	channel := c.FormValue("channel")
	if channel == "" {
		channel = "upload"
	}
	priority := 5
	if p := c.FormValue("priority"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil || parsed < 1 || parsed > 10 {
			return echo.NewHTTPError(http.StatusBadRequest, "priority must be an integer between 1 and 10")
		}
		priority = parsed
	}

	requestID := uuid.New()
	storagePath, err := s.storeUpload(requestID, file)
	if err != nil {
		s.log.WithError(err).Error("failed to store upload")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}

	request := &db.Request{
		ID:           requestID,
		ExternalID:   c.FormValue("external_id"),
		Channel:      channel,
		WorkflowName: workflowName,
		Status:       db.StatusReceived,
		Priority:     priority,
		Filename:     file.Filename,
		StoragePath:  storagePath,
	}
	if err := s.gdb.Create(request).Error; err != nil {
		s.log.WithError(err).Error("failed to create request")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create request")
	}

	msg := common.NewPipelineMessage(requestID, workflowName)
	msg.SourceComponent = "gateway"
	msg.Payload["file_path"] = storagePath
	msg.Payload["filename"] = file.Filename
	msg.Payload["channel"] = channel

	err = s.publisher.PublishEnvelope(queue.ExchangePipeline, queue.RoutingKeyNewRequest, msg, "gateway")
	if err != nil {
		// The row exists but the pipeline never starts; surface the failure
		// so the client retries instead of polling forever.
		s.log.WithError(err).Error("failed to publish request.new")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to enqueue request")
	}

	s.log.WithFields(logrus.Fields{
		"request_id": requestID.String(),
		"workflow":   workflowName,
		"filename":   file.Filename,
	}).Info("request accepted")

	return c.JSON(http.StatusAccepted, submitResponse{
		RequestID: requestID.String(),
		Status:    db.StatusReceived,
	})
}

// storeUpload copies the multipart file into the request's storage
// directory.
func (s *Server) storeUpload(requestID uuid.UUID, file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir := filepath.Join(s.settings.StoragePath, requestID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(file.Filename))

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Server) getStatus(c echo.Context) error {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request id")
	}

	if s.cache != nil {
		var cached statusResponse
		if err := s.cache.GetCache(c.Request().Context(), "status:"+requestID.String(), &cached); err == nil {
			return c.JSON(http.StatusOK, cached)
		}
	}

	request, err := db.GetRequest(s.gdb, requestID)
	if errors.Is(err, db.ErrRequestNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load request")
	}

	response := statusResponse{
		RequestID:     request.ID.String(),
		Status:        request.Status,
		WorkflowName:  request.WorkflowName,
		PageCount:     request.PageCount,
		DocumentCount: request.DocumentCount,
		DeadlineUTC:   request.DeadlineUTC,
		ErrorMessage:  request.ErrorMessage,
		CreatedAt:     request.CreatedAt,
		CompletedAt:   request.CompletedAt,
	}

	if s.cache != nil {
		_ = s.cache.SetCache(c.Request().Context(), "status:"+requestID.String(), response, statusCacheTTL)
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) getResult(c echo.Context) error {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request id")
	}

	request, err := db.GetRequest(s.gdb, requestID)
	if errors.Is(err, db.ErrRequestNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load request")
	}

	if request.Status != db.StatusCompleted {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("request is %s, result available once completed", request.Status))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"request_id":     request.ID.String(),
		"completed_at":   request.CompletedAt,
		"result_payload": map[string]interface{}(request.ResultPayload),
	})
}
