// Package backoffice is the operator HTTP API. Operators list and claim
// review tasks diverted by the classifier and the extractor, and submit
// their results. Submission applies the human result to the page or
// document, completes the task and re-enters the pipeline on the same
// routing key the automatic path would have used, with confidence 1.0 and
// provenance recorded.
package backoffice

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/queue"
	"docproc.evalgo.org/workflow"
)

// humanConfidence is stamped on operator-supplied results.
const humanConfidence = 1.0

// Server handles the operator task API.
type Server struct {
	gdb       *gorm.DB
	publisher queue.EnvelopePublisher
	catalog   *workflow.Catalog
	log       *logrus.Entry
}

// NewServer creates the back-office API server.
func NewServer(gdb *gorm.DB, publisher queue.EnvelopePublisher, catalog *workflow.Catalog) *Server {
	return &Server{
		gdb:       gdb,
		publisher: publisher,
		catalog:   catalog,
		log:       common.ComponentLogger("backoffice"),
	}
}

// Register mounts the operator routes.
func (s *Server) Register(e *echo.Echo) {
	v1 := e.Group("/api/v1")
	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/claim", s.claimTask)
	v1.POST("/tasks/:id/submit", s.submitTask)
}

func (s *Server) listTasks(c echo.Context) error {
	taskType := c.QueryParam("type")
	if taskType != "" && taskType != db.TaskTypeClassification && taskType != db.TaskTypeExtraction {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown task type")
	}

	tasks, err := db.PendingTasks(s.gdb, taskType, 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list tasks")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) getTask(c echo.Context) error {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}

	task, err := db.GetBackofficeTask(s.gdb, taskID)
	if errors.Is(err, db.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load task")
	}
	return c.JSON(http.StatusOK, task)
}

type claimBody struct {
	Assignee string `json:"assignee"`
}

func (s *Server) claimTask(c echo.Context) error {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	var body claimBody
	if err := c.Bind(&body); err != nil || body.Assignee == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "assignee is required")
	}

	var task *db.BackofficeTask
	err = s.gdb.Transaction(func(tx *gorm.DB) error {
		var claimErr error
		task, claimErr = db.ClaimTask(tx, taskID, body.Assignee)
		return claimErr
	})
	if errors.Is(err, db.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if errors.Is(err, db.ErrTaskNotClaimable) {
		return echo.NewHTTPError(http.StatusConflict, "task is not pending")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to claim task")
	}

	s.log.WithFields(logrus.Fields{
		"task_id":  taskID.String(),
		"assignee": body.Assignee,
	}).Info("task claimed")
	return c.JSON(http.StatusOK, task)
}

type submitClassificationBody struct {
	DocType string `json:"doc_type"`
}

type submitExtractionBody struct {
	ExtractedData map[string]interface{} `json:"extracted_data"`
}

func (s *Server) submitTask(c echo.Context) error {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}

	task, err := db.GetBackofficeTask(s.gdb, taskID)
	if errors.Is(err, db.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load task")
	}
	if task.Status == db.TaskStatusCompleted {
		return echo.NewHTTPError(http.StatusConflict, "task is already completed")
	}

	switch task.TaskType {
	case db.TaskTypeClassification:
		return s.submitClassification(c, task)
	case db.TaskTypeExtraction:
		return s.submitExtraction(c, task)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "unknown task type")
	}
}

// submitClassification applies the operator's doc type to the page,
// completes the task and re-enters the pipeline at the classification
// aggregator.
func (s *Server) submitClassification(c echo.Context, task *db.BackofficeTask) error {
	var body submitClassificationBody
	if err := c.Bind(&body); err != nil || body.DocType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "doc_type is required")
	}

	var page db.Page
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&page, "id = ?", task.ReferenceID).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"doc_type":                  body.DocType,
			"classification_confidence": humanConfidence,
			"status":                    "classified",
		}
		if err := tx.Model(&db.Page{}).Where("id = ?", page.ID).Updates(updates).Error; err != nil {
			return err
		}
		_, err := db.CompleteTask(tx, task.ID, db.JSONMap{
			"doc_type": body.DocType,
			"origin":   "backoffice",
		})
		return err
	})
	if err != nil {
		s.log.WithError(err).Error("classification submit failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit task")
	}

	msg, stage, err := s.reentryMessage(task, "page_count")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	msg.PageIndex = common.IntPtr(page.PageIndex)
	msg.Payload["page_id"] = page.ID.String()
	msg.Payload["doc_type"] = body.DocType

	if err := s.publisher.PublishEnvelope(queue.ExchangePipeline, stage.RoutingKey, msg, "backoffice"); err != nil {
		// Completion committed but re-entry did not: the aggregation round
		// stalls until the message is replayed. Surface loudly.
		s.log.WithError(err).Error("re-entry publish failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to re-enter pipeline")
	}

	s.log.WithFields(logrus.Fields{
		"task_id":  task.ID.String(),
		"doc_type": body.DocType,
	}).Info("classification task completed")
	return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
}

// submitExtraction applies the operator's field values to the document,
// completes the task and re-enters the pipeline at the extraction
// aggregator.
func (s *Server) submitExtraction(c echo.Context, task *db.BackofficeTask) error {
	var body submitExtractionBody
	if err := c.Bind(&body); err != nil || len(body.ExtractedData) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "extracted_data is required")
	}

	var document db.Document
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&document, "id = ?", task.ReferenceID).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"extracted_data":        db.JSONMap(body.ExtractedData),
			"extraction_confidence": humanConfidence,
			"status":                "extracted",
		}
		if err := tx.Model(&db.Document{}).Where("id = ?", document.ID).Updates(updates).Error; err != nil {
			return err
		}
		_, err := db.CompleteTask(tx, task.ID, db.JSONMap{
			"extracted_data": body.ExtractedData,
			"origin":         "backoffice",
		})
		return err
	})
	if err != nil {
		s.log.WithError(err).Error("extraction submit failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit task")
	}

	msg, stage, err := s.reentryMessage(task, "document_count")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	documentID := document.ID
	msg.DocumentID = &documentID
	msg.Payload["doc_type"] = document.DocType

	if err := s.publisher.PublishEnvelope(queue.ExchangePipeline, stage.RoutingKey, msg, "backoffice"); err != nil {
		s.log.WithError(err).Error("re-entry publish failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to re-enter pipeline")
	}

	s.log.WithField("task_id", task.ID.String()).Info("extraction task completed")
	return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
}

// reentryMessage builds the envelope that closes the loop: it targets the
// fan-in stage that was waiting for the diverted item, indistinguishable
// from the automatic hand-off except for its provenance fields.
func (s *Server) reentryMessage(task *db.BackofficeTask, expectCountFrom string) (common.PipelineMessage, *workflow.StageConfig, error) {
	wf, err := s.catalog.Load(task.WorkflowName)
	if err != nil {
		return common.PipelineMessage{}, nil, err
	}
	var stage *workflow.StageConfig
	for i := range wf.Stages {
		agg := wf.Stages[i].Aggregation
		if agg != nil && agg.Type == "fan_in" && agg.ExpectCountFrom == expectCountFrom {
			stage = &wf.Stages[i]
			break
		}
	}
	if stage == nil {
		return common.PipelineMessage{}, nil, fmt.Errorf(
			"workflow %q has no fan_in stage collecting %s", task.WorkflowName, expectCountFrom)
	}

	msg := common.NewPipelineMessage(task.RequestID, task.WorkflowName)
	msg.CurrentStage = stage.Name
	msg.DeadlineUTC = task.DeadlineUTC
	msg.SourceComponent = "backoffice"
	msg.Payload["origin"] = "backoffice"
	msg.Payload["confidence"] = humanConfidence
	msg.Payload["task_id"] = task.ID.String()
	return msg, stage, nil
}
