package stages

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
)

// ComponentConsolidator names the terminal consolidation worker.
const ComponentConsolidator = "consolidator"

// Consolidator is the terminal stage: it assembles the request's result
// payload from its documents, marks everything completed and emits nothing.
type Consolidator struct {
	env *Env
	log *logrus.Entry
}

// NewConsolidator creates the consolidator stage.
func NewConsolidator(env *Env) *Consolidator {
	return &Consolidator{env: env, log: common.ComponentLogger(ComponentConsolidator)}
}

// Component implements pipeline.Stage.
func (c *Consolidator) Component() string { return ComponentConsolidator }

// Process implements pipeline.Stage.
func (c *Consolidator) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	request, err := db.GetRequestForUpdate(tx, msg.RequestID)
	if err != nil {
		return nil, err
	}

	documents, err := db.DocumentsByRequest(tx, request.ID)
	if err != nil {
		return nil, err
	}

	summaries := make([]interface{}, 0, len(documents))
	for _, document := range documents {
		summaries = append(summaries, map[string]interface{}{
			"document_id":           document.ID.String(),
			"doc_type":              document.DocType,
			"page_indices":          indicesPayload(document.PageIndices),
			"extracted_data":        map[string]interface{}(document.ExtractedData),
			"extraction_confidence": document.ExtractionConfidence,
		})
	}

	pageCount := 0
	if request.PageCount != nil {
		pageCount = *request.PageCount
	}
	result := db.JSONMap{
		"workflow_name":   request.WorkflowName,
		"total_pages":     pageCount,
		"total_documents": len(documents),
		"documents":       summaries,
	}

	err = tx.Model(&db.Document{}).Where("request_id = ?", request.ID).
		Update("status", "completed").Error
	if err != nil {
		return nil, fmt.Errorf("failed to complete documents: %w", err)
	}

	err = tx.Model(&db.Request{}).Where("id = ?", request.ID).
		Update("result_payload", result).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store result payload: %w", err)
	}
	if err := advanceStatus(tx, msg, db.StatusCompleted, c.log); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"request_id": request.ID.String(),
		"documents":  len(documents),
	}).Info("request consolidated")

	return nil, nil
}
