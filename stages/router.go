package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
)

// ComponentWorkflowRouter names the ingress router worker.
const ComponentWorkflowRouter = "workflow_router"

// Router is the pipeline entry point. It stamps the SLA deadline on the
// request and hands the message to the first stage of its workflow. The
// router is not itself a workflow stage; its queue is bound statically to
// request.new.
type Router struct {
	env *Env
	log *logrus.Entry
}

// NewRouter creates the router stage.
func NewRouter(env *Env) *Router {
	return &Router{env: env, log: common.ComponentLogger(ComponentWorkflowRouter)}
}

// Component implements pipeline.Stage.
func (r *Router) Component() string { return ComponentWorkflowRouter }

// Process implements pipeline.Stage.
func (r *Router) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	request, err := db.GetRequestForUpdate(tx, msg.RequestID)
	if err != nil {
		return nil, err
	}

	wf, err := r.env.Catalog.Load(msg.WorkflowName)
	if err != nil {
		return nil, err
	}

	slaSeconds := request.SLASeconds
	if slaSeconds <= 0 {
		slaSeconds = wf.SLA.DeadlineSeconds
	}
	if slaSeconds <= 0 {
		slaSeconds = r.env.Settings.DefaultSLASeconds
	}

	// The deadline is derived from submission time, not routing time, so a
	// backlog on request.new eats into the budget instead of extending it.
	deadline := request.CreatedAt.Add(time.Duration(slaSeconds) * time.Second).UTC()

	updates := map[string]interface{}{
		"sla_seconds":  slaSeconds,
		"deadline_utc": deadline,
	}
	if err := tx.Model(&db.Request{}).Where("id = ?", request.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to stamp SLA deadline: %w", err)
	}
	if err := advanceStatus(tx, msg, db.StatusRouting, r.log); err != nil {
		return nil, err
	}

	first, err := r.env.Catalog.FirstStage(msg.WorkflowName)
	if err != nil {
		return nil, err
	}

	out := msg.Copy()
	out.CurrentStage = first.Name
	out.DeadlineUTC = &deadline
	out.SourceComponent = ComponentWorkflowRouter

	r.log.WithFields(logrus.Fields{
		"request_id": request.ID.String(),
		"workflow":   msg.WorkflowName,
		"deadline":   deadline.Format(time.RFC3339),
	}).Info("request routed")

	return []pipeline.Outgoing{{RoutingKey: first.RoutingKey, Message: out}}, nil
}
