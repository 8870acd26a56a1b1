package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
)

// ComponentClassifier names the classifier worker.
const ComponentClassifier = "classifier"

// ClassifyText assigns a doc type and a confidence to OCR text. A keyword
// model stands in for a real classifier; unmatched text is typed unknown
// with low confidence so it lands in the back office.
func ClassifyText(text string) (string, float64) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "invoice"):
		return "invoice", 0.93
	case strings.Contains(lower, "payslip"), strings.Contains(lower, "salary"):
		return "payslip", 0.91
	case strings.Contains(lower, "identity card"), strings.Contains(lower, "passport"):
		return "id_card", 0.88
	default:
		return "unknown", 0.45
	}
}

// Classifier assigns a doc type to each page. Pages below the stage's
// confidence threshold are parked as back-office classification tasks
// instead of continuing to the aggregator; the human result re-enters on
// the same routing key the automatic path would have used.
type Classifier struct {
	env *Env
	log *logrus.Entry
}

// NewClassifier creates the classifier stage.
func NewClassifier(env *Env) *Classifier {
	return &Classifier{env: env, log: common.ComponentLogger(ComponentClassifier)}
}

// Component implements pipeline.Stage.
func (c *Classifier) Component() string { return ComponentClassifier }

// Process implements pipeline.Stage.
func (c *Classifier) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	if msg.PageIndex == nil {
		return nil, fmt.Errorf("classify message missing page_index")
	}

	var page db.Page
	err := tx.Where("request_id = ? AND page_index = ?", msg.RequestID, *msg.PageIndex).
		First(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("page %d of request %s not found", *msg.PageIndex, msg.RequestID)
	}
	if err != nil {
		return nil, err
	}

	if err := advanceStatus(tx, msg, db.StatusClassifying, c.log); err != nil {
		return nil, err
	}

	docType, confidence := ClassifyText(page.OCRText)

	stage, err := c.env.Catalog.Stage(msg.WorkflowName, msg.CurrentStage)
	if err != nil {
		return nil, err
	}
	threshold := c.env.stageThreshold(stage, c.env.Settings.ClassificationConfidenceThreshold)

	log := c.log.WithFields(logrus.Fields{
		"request_id": msg.RequestID.String(),
		"page_index": *msg.PageIndex,
		"doc_type":   docType,
		"confidence": confidence,
	})

	status := "classified"
	if confidence < threshold {
		status = "needs_review"
	}
	updates := map[string]interface{}{
		"doc_type":                  docType,
		"classification_confidence": confidence,
		"status":                    status,
	}
	if err := tx.Model(&db.Page{}).Where("id = ?", page.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to store classification: %w", err)
	}

	if confidence >= threshold {
		log.Debug("page classified")
		out := msg.Copy()
		out.SourceComponent = ComponentClassifier
		out.Payload["doc_type"] = docType
		out.Payload["confidence"] = confidence
		return []pipeline.Outgoing{{RoutingKey: pipeline.RouteNext, Message: out}}, nil
	}

	task, err := c.ensureTask(tx, msg, &page, docType, confidence)
	if err != nil {
		return nil, err
	}

	log.WithField("task_id", task.ID.String()).Info("page diverted to back office")

	out := msg.Copy()
	out.SourceComponent = ComponentClassifier
	out.Payload["task_id"] = task.ID.String()
	out.Payload["task_type"] = db.TaskTypeClassification
	return []pipeline.Outgoing{{RoutingKey: pipeline.RouteBackoffice, Message: out}}, nil
}

// ensureTask creates the classification review task, reusing an existing
// open task for the page on redelivery.
func (c *Classifier) ensureTask(tx *gorm.DB, msg *common.PipelineMessage, page *db.Page, docType string, confidence float64) (*db.BackofficeTask, error) {
	var existing db.BackofficeTask
	err := tx.Where("reference_id = ? AND task_type = ? AND status <> ?",
		page.ID, db.TaskTypeClassification, db.TaskStatusCompleted).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	task := &db.BackofficeTask{
		RequestID:      msg.RequestID,
		TaskType:       db.TaskTypeClassification,
		ReferenceID:    page.ID,
		RequiredSkills: db.StringSlice{"classification"},
		InputData: db.JSONMap{
			"page_index":          page.PageIndex,
			"ocr_text":            page.OCRText,
			"suggested_doc_type":  docType,
			"machine_confidence":  confidence,
			"ocr_confidence":      page.OCRConfidence,
			"storage_path":        page.StoragePath,
			"workflow_name":       msg.WorkflowName,
			"reentry_routing_key": pipeline.RouteNext,
		},
		SourceStage:  msg.CurrentStage,
		WorkflowName: msg.WorkflowName,
		DeadlineUTC:  msg.DeadlineUTC,
	}
	if err := db.CreateBackofficeTask(tx, task); err != nil {
		return nil, err
	}
	return task, nil
}
