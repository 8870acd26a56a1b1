package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
)

// ComponentExtractionAggregator names the extraction fan-in worker.
const ComponentExtractionAggregator = "extraction_aggregator"

// ExtractionAggregator collects one doc.extracted message per document of a
// request and, on the last one, hands the request to the consolidator.
type ExtractionAggregator struct {
	env *Env
	log *logrus.Entry
}

// NewExtractionAggregator creates the extraction fan-in stage.
func NewExtractionAggregator(env *Env) *ExtractionAggregator {
	return &ExtractionAggregator{
		env: env,
		log: common.ComponentLogger(ComponentExtractionAggregator),
	}
}

// Component implements pipeline.Stage.
func (a *ExtractionAggregator) Component() string { return ComponentExtractionAggregator }

// Process implements pipeline.Stage.
func (a *ExtractionAggregator) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	log := a.log.WithField("request_id", msg.RequestID.String())

	result, err := db.IncrementAggregation(tx, msg.RequestID, msg.CurrentStage)
	if errors.Is(err, db.ErrAggregationMissing) {
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
			// The finalizing delivery committed but the consolidate message
			// may never have reached the broker. Re-emit it so the request
			// does not stall in consolidating.
			log.Info("fan-in already complete, re-emitting consolidate hand-off")
			return a.handOff(msg)
		}
		log.Debug("extraction fan-in pending")
		return nil, nil
	}
	log.Info("extraction fan-in complete")

	if err := advanceStatus(tx, msg, db.StatusConsolidating, a.log); err != nil {
		return nil, err
	}
	return a.handOff(msg)
}

// handOff builds the single message that moves the request to the stage
// after the extraction fan-in.
func (a *ExtractionAggregator) handOff(msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	next, err := a.env.Catalog.NextStage(msg.WorkflowName, msg.CurrentStage)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("workflow %q has no stage after %s", msg.WorkflowName, msg.CurrentStage)
	}

	out := msg.Copy()
	out.CurrentStage = next.Name
	out.DocumentID = nil
	out.SourceComponent = ComponentExtractionAggregator
	out.Payload = map[string]interface{}{}
	return []pipeline.Outgoing{{RoutingKey: next.RoutingKey, Message: out}}, nil
}
