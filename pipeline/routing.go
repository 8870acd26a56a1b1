package pipeline

import (
	"fmt"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/queue"
	"docproc.evalgo.org/workflow"
)

// Destination is a fully resolved publish target.
type Destination struct {
	Exchange   string
	RoutingKey string
	Message    common.PipelineMessage
}

// Resolver translates the sentinel keys stages emit into concrete
// (exchange, routing key) destinations using the workflow catalog.
type Resolver struct {
	catalog *workflow.Catalog
}

// NewResolver creates a resolver over a workflow catalog.
func NewResolver(catalog *workflow.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// currentStage resolves the stage a message is at: the envelope's
// current_stage when set, otherwise the stage executed by the component.
func (r *Resolver) currentStage(msg *common.PipelineMessage, component string) (*workflow.StageConfig, error) {
	if msg.CurrentStage != "" {
		return r.catalog.Stage(msg.WorkflowName, msg.CurrentStage)
	}
	return r.catalog.StageByComponent(msg.WorkflowName, component)
}

// Resolve maps a proposed routing key to a destination. A nil destination
// with nil error means the workflow is terminal and nothing is published.
// The outgoing message is never mutated beyond current_stage.
func (r *Resolver) Resolve(proposedKey string, msg common.PipelineMessage, component string) (*Destination, error) {
	switch proposedKey {
	case RouteNext:
		stage, err := r.currentStage(&msg, component)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current stage: %w", err)
		}
		next, err := r.catalog.NextStage(msg.WorkflowName, stage.Name)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		msg.CurrentStage = next.Name
		return &Destination{
			Exchange:   queue.ExchangePipeline,
			RoutingKey: next.RoutingKey,
			Message:    msg,
		}, nil

	case RouteBackoffice:
		stage, err := r.currentStage(&msg, component)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current stage: %w", err)
		}
		if stage.BackofficeQueue == "" {
			return nil, fmt.Errorf("stage %q has no backoffice_queue configured", stage.Name)
		}
		return &Destination{
			Exchange:   queue.ExchangeBackoffice,
			RoutingKey: stage.BackofficeQueue,
			Message:    msg,
		}, nil

	default:
		// Literal keys pass through unchanged on the pipeline exchange.
		return &Destination{
			Exchange:   queue.ExchangePipeline,
			RoutingKey: proposedKey,
			Message:    msg,
		}, nil
	}
}
