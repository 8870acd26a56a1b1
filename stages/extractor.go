package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
	"docproc.evalgo.org/workflow"
)

// ComponentExtractor names the field extraction worker.
const ComponentExtractor = "extractor"

// ExtractFields derives structured fields for a document from its OCR text.
// The extraction model is stubbed: schema-driven placeholder values with a
// confidence that collapses for unknown doc types, which is what sends a
// document to the back office.
func ExtractFields(docType, text string, schema *workflow.ExtractionSchemaConfig) (db.JSONMap, float64) {
	if docType == "unknown" {
		return db.JSONMap{"raw_text_length": len(text)}, 0.40
	}

	data := db.JSONMap{}
	if schema != nil {
		for _, field := range schema.Fields {
			switch field.Type {
			case "number":
				data[field.Name] = 1250.00
			case "date":
				data[field.Name] = "2024-03-31"
			default:
				data[field.Name] = firstLine(text)
			}
		}
	} else {
		data["summary"] = firstLine(text)
	}
	return data, 0.90
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// Extractor populates a document's structured fields. Documents below the
// stage's confidence threshold become back-office extraction tasks and
// re-enter through the human surface.
type Extractor struct {
	env *Env
	log *logrus.Entry
}

// NewExtractor creates the extraction stage.
func NewExtractor(env *Env) *Extractor {
	return &Extractor{env: env, log: common.ComponentLogger(ComponentExtractor)}
}

// Component implements pipeline.Stage.
func (e *Extractor) Component() string { return ComponentExtractor }

// Process implements pipeline.Stage.
func (e *Extractor) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	if msg.DocumentID == nil {
		return nil, fmt.Errorf("extract message missing document_id")
	}

	var document db.Document
	err := tx.First(&document, "id = ?", *msg.DocumentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s not found", *msg.DocumentID)
	}
	if err != nil {
		return nil, err
	}

	schema, err := e.env.Catalog.ExtractionSchema(msg.WorkflowName, document.DocType)
	if err != nil {
		return nil, err
	}

	text := collectText(msg.Payload)
	extracted, confidence := ExtractFields(document.DocType, text, schema)

	stage, err := e.env.Catalog.Stage(msg.WorkflowName, msg.CurrentStage)
	if err != nil {
		return nil, err
	}
	threshold := e.env.stageThreshold(stage, e.env.Settings.ExtractionConfidenceThreshold)

	log := e.log.WithFields(logrus.Fields{
		"request_id":  msg.RequestID.String(),
		"document_id": document.ID.String(),
		"doc_type":    document.DocType,
		"confidence":  confidence,
	})

	status := "extracted"
	if confidence < threshold {
		status = "needs_review"
	}
	updates := map[string]interface{}{
		"extracted_data":        extracted,
		"extraction_confidence": confidence,
		"status":                status,
	}
	if err := tx.Model(&db.Document{}).Where("id = ?", document.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to store extraction: %w", err)
	}

	if confidence >= threshold {
		log.Debug("document extracted")
		out := msg.Copy()
		out.SourceComponent = ComponentExtractor
		out.Payload["doc_type"] = document.DocType
		out.Payload["confidence"] = confidence
		return []pipeline.Outgoing{{RoutingKey: pipeline.RouteNext, Message: out}}, nil
	}

	task, err := e.ensureTask(tx, msg, &document, extracted, confidence)
	if err != nil {
		return nil, err
	}

	log.WithField("task_id", task.ID.String()).Info("document diverted to back office")

	out := msg.Copy()
	out.SourceComponent = ComponentExtractor
	out.Payload["task_id"] = task.ID.String()
	out.Payload["task_type"] = db.TaskTypeExtraction
	return []pipeline.Outgoing{{RoutingKey: pipeline.RouteBackoffice, Message: out}}, nil
}

// collectText joins the per-page OCR texts carried in the fan-out payload,
// in page order. The join order feeds ExtractFields, so it must not depend
// on map iteration or replays of the same message would extract different
// values.
func collectText(payload map[string]interface{}) string {
	texts, ok := payload["ocr_texts"].(map[string]interface{})
	if !ok {
		return ""
	}
	keys := make([]string, 0, len(texts))
	for key := range texts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		if aErr != nil || bErr != nil {
			return keys[i] < keys[j]
		}
		return a < b
	})
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if s, ok := texts[key].(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// ensureTask creates the extraction review task, reusing an existing open
// task for the document on redelivery.
func (e *Extractor) ensureTask(tx *gorm.DB, msg *common.PipelineMessage, document *db.Document, extracted db.JSONMap, confidence float64) (*db.BackofficeTask, error) {
	var existing db.BackofficeTask
	err := tx.Where("reference_id = ? AND task_type = ? AND status <> ?",
		document.ID, db.TaskTypeExtraction, db.TaskStatusCompleted).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	task := &db.BackofficeTask{
		RequestID:      msg.RequestID,
		TaskType:       db.TaskTypeExtraction,
		ReferenceID:    document.ID,
		RequiredSkills: db.StringSlice{"extraction", document.DocType},
		InputData: db.JSONMap{
			"doc_type":           document.DocType,
			"page_indices":       indicesPayload(document.PageIndices),
			"machine_extraction": map[string]interface{}(extracted),
			"machine_confidence": confidence,
			"workflow_name":      msg.WorkflowName,
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
