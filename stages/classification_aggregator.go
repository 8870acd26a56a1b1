package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
)

// ComponentClassificationAggregator names the classification fan-in worker.
const ComponentClassificationAggregator = "classification_aggregator"

// ClassificationAggregator collects one page.classified message per page of
// a request. When the last one arrives it groups the pages into documents,
// creates the extraction fan-in counter and fans out one message per
// document. Sibling messages may arrive concurrently; the atomic counter is
// the only synchronization.
type ClassificationAggregator struct {
	env *Env
	log *logrus.Entry
}

// NewClassificationAggregator creates the classification fan-in stage.
func NewClassificationAggregator(env *Env) *ClassificationAggregator {
	return &ClassificationAggregator{
		env: env,
		log: common.ComponentLogger(ComponentClassificationAggregator),
	}
}

// Component implements pipeline.Stage.
func (a *ClassificationAggregator) Component() string { return ComponentClassificationAggregator }

// Process implements pipeline.Stage.
func (a *ClassificationAggregator) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	log := a.log.WithField("request_id", msg.RequestID.String())

	result, err := db.IncrementAggregation(tx, msg.RequestID, msg.CurrentStage)
	if errors.Is(err, db.ErrAggregationMissing) {
		// No counter row means the splitter never ran for this request in
		// this database. Absorb rather than poison the queue.
		log.WithField("stage", msg.CurrentStage).Error("aggregation row missing, dropping message")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	log = log.WithFields(logrus.Fields{
		"received": result.ReceivedCount,
		"expected": result.ExpectedCount,
	})
	if !result.JustCompleted {
		if result.IsComplete && msg.Redelivered {
			// The finalizing delivery committed but its publishes may have
			// been lost before the ack. Rebuild the fan-out from persisted
			// state so the request does not stall in extracting.
			log.Info("fan-in already complete, re-emitting document fan-out")
			return a.reemit(tx, msg)
		}
		log.Debug("classification fan-in pending")
		return nil, nil
	}

	log.Info("classification fan-in complete")
	return a.finalize(tx, msg)
}

// finalize runs exactly once per request: group pages, materialize
// documents, seed the extraction counter and fan out.
func (a *ClassificationAggregator) finalize(tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	pages, err := db.PagesByRequest(tx, msg.RequestID)
	if err != nil {
		return nil, err
	}
	groups := GroupPages(pages)

	textByIndex := make(map[int]string, len(pages))
	for _, page := range pages {
		textByIndex[page.PageIndex] = page.OCRText
	}

	documents := make([]db.Document, 0, len(groups))
	for i, group := range groups {
		document := db.Document{
			ID:          uuid.New(),
			RequestID:   msg.RequestID,
			DocIndex:    i,
			DocType:     group.DocType,
			PageIndices: db.IntSlice(group.PageIndices),
			Status:      "created",
		}
		if err := tx.Create(&document).Error; err != nil {
			return nil, fmt.Errorf("failed to create document: %w", err)
		}
		for _, index := range group.PageIndices {
			err := tx.Model(&db.Page{}).
				Where("request_id = ? AND page_index = ?", msg.RequestID, index).
				Updates(map[string]interface{}{"document_id": document.ID, "status": "grouped"}).Error
			if err != nil {
				return nil, fmt.Errorf("failed to assign page %d to document: %w", index, err)
			}
		}
		documents = append(documents, document)
	}

	err = tx.Model(&db.Request{}).Where("id = ? AND document_count IS NULL", msg.RequestID).
		Update("document_count", len(documents)).Error
	if err != nil {
		return nil, fmt.Errorf("failed to set document count: %w", err)
	}
	if err := advanceStatus(tx, msg, db.StatusExtracting, a.log); err != nil {
		return nil, err
	}

	extractionAgg, err := a.env.aggregationStage(msg.WorkflowName, "document_count")
	if err != nil {
		return nil, err
	}
	state := &db.AggregationState{
		ID:            uuid.New(),
		RequestID:     msg.RequestID,
		Stage:         extractionAgg.Name,
		ExpectedCount: len(documents),
		IsComplete:    len(documents) == 0,
	}
	if err := tx.Create(state).Error; err != nil {
		return nil, fmt.Errorf("failed to create extraction aggregation state: %w", err)
	}

	// Zero documents short-circuits extraction entirely: hand the request
	// straight to the consolidator so it still reaches completed.
	if len(documents) == 0 {
		return a.consolidateHandOff(msg, extractionAgg.Name)
	}

	a.log.WithFields(logrus.Fields{
		"request_id": msg.RequestID.String(),
		"documents":  len(documents),
	}).Info("documents created")

	return a.fanOutDocuments(msg, documents, textByIndex)
}

// reemit rebuilds the finalization output from persisted state. Runs when a
// redelivered message finds the round already complete: the finalizer
// committed its documents but the fan-out may never have reached the broker.
func (a *ClassificationAggregator) reemit(tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	documents, err := db.DocumentsByRequest(tx, msg.RequestID)
	if err != nil {
		return nil, err
	}
	if len(documents) == 0 {
		extractionAgg, err := a.env.aggregationStage(msg.WorkflowName, "document_count")
		if err != nil {
			return nil, err
		}
		return a.consolidateHandOff(msg, extractionAgg.Name)
	}

	pages, err := db.PagesByRequest(tx, msg.RequestID)
	if err != nil {
		return nil, err
	}
	textByIndex := make(map[int]string, len(pages))
	for _, page := range pages {
		textByIndex[page.PageIndex] = page.OCRText
	}
	return a.fanOutDocuments(msg, documents, textByIndex)
}

// consolidateHandOff skips extraction for a request with zero documents and
// hands it to the stage after the extraction fan-in.
func (a *ClassificationAggregator) consolidateHandOff(msg *common.PipelineMessage, extractionAggStage string) ([]pipeline.Outgoing, error) {
	next, err := a.env.Catalog.NextStage(msg.WorkflowName, extractionAggStage)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("workflow %q has no stage after %s", msg.WorkflowName, extractionAggStage)
	}
	out := msg.Copy()
	out.CurrentStage = next.Name
	out.DocumentCount = common.IntPtr(0)
	out.PageIndex = nil
	out.SourceComponent = ComponentClassificationAggregator
	out.Payload = map[string]interface{}{}
	return []pipeline.Outgoing{{RoutingKey: next.RoutingKey, Message: out}}, nil
}

// fanOutDocuments builds one extract message per document, each addressed by
// the extractor's literal routing key and carrying the OCR text of its pages.
func (a *ClassificationAggregator) fanOutDocuments(msg *common.PipelineMessage, documents []db.Document, textByIndex map[int]string) ([]pipeline.Outgoing, error) {
	extractStage, err := a.env.Catalog.NextStage(msg.WorkflowName, msg.CurrentStage)
	if err != nil {
		return nil, err
	}
	if extractStage == nil {
		return nil, fmt.Errorf("workflow %q ends at %s, cannot fan out documents", msg.WorkflowName, msg.CurrentStage)
	}

	outgoing := make([]pipeline.Outgoing, 0, len(documents))
	for _, document := range documents {
		texts := make(map[string]interface{}, len(document.PageIndices))
		for _, index := range document.PageIndices {
			texts[fmt.Sprintf("%d", index)] = textByIndex[index]
		}

		documentID := document.ID
		out := msg.Copy()
		out.CurrentStage = extractStage.Name
		out.DocumentID = &documentID
		out.DocumentCount = common.IntPtr(len(documents))
		out.PageIndex = nil
		out.SourceComponent = ComponentClassificationAggregator
		out.Payload = map[string]interface{}{
			"doc_type":     document.DocType,
			"page_indices": indicesPayload(document.PageIndices),
			"ocr_texts":    texts,
		}
		outgoing = append(outgoing, pipeline.Outgoing{RoutingKey: extractStage.RoutingKey, Message: out})
	}
	return outgoing, nil
}

// indicesPayload converts page indices for JSON payload transport.
func indicesPayload(indices db.IntSlice) []interface{} {
	out := make([]interface{}, len(indices))
	for i, v := range indices {
		out[i] = v
	}
	return out
}
