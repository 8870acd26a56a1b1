// Package stages implements the business logic of every pipeline stage:
// routing, splitting, OCR, classification, the fan-in aggregators, field
// extraction and consolidation. Each stage satisfies pipeline.Stage and is
// wired into a worker process by the registry.
package stages

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/config"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/workflow"
)

// Env carries the shared dependencies of all stage implementations.
type Env struct {
	Catalog  *workflow.Catalog
	Settings *config.Settings
}

// stageThreshold returns a stage's confidence threshold, falling back to the
// configured default for its task type.
func (e *Env) stageThreshold(stage *workflow.StageConfig, fallback float64) float64 {
	if stage != nil && stage.ConfidenceThreshold != nil {
		return *stage.ConfidenceThreshold
	}
	return fallback
}

// aggregationStage finds the fan-in stage whose expected count comes from
// the named request column (page_count or document_count).
func (e *Env) aggregationStage(workflowName, expectCountFrom string) (*workflow.StageConfig, error) {
	wf, err := e.Catalog.Load(workflowName)
	if err != nil {
		return nil, err
	}
	for i := range wf.Stages {
		agg := wf.Stages[i].Aggregation
		if agg != nil && agg.Type == "fan_in" && agg.ExpectCountFrom == expectCountFrom {
			return &wf.Stages[i], nil
		}
	}
	return nil, fmt.Errorf("workflow %q has no fan_in stage collecting %s", workflowName, expectCountFrom)
}

// advanceStatus moves the request status forward. A terminal request stays
// put and a stage observing an already-advanced status does nothing.
func advanceStatus(tx *gorm.DB, msg *common.PipelineMessage, to string, log *logrus.Entry) error {
	_, err := db.TransitionStatus(tx, msg.RequestID, to)
	if errors.Is(err, db.ErrInvalidTransition) {
		log.WithField("target_status", to).Debug("status already advanced")
		return nil
	}
	return err
}
