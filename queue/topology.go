// Package queue provides the RabbitMQ plumbing shared by every pipeline
// service: connection management, envelope publishing, and idempotent
// declaration of the exchange/queue topology.
//
// Three exchanges carry all traffic:
//   - doc.direct (direct): intra-pipeline stage routing
//   - doc.backoffice (direct): human review work
//   - doc.dlx (fanout): dead letters
//
// Every stage consumes from one durable queue named q.<component>; back
// office queues are q.backoffice.<task_type>. All non-DLQ queues dead-letter
// into doc.dlx and carry a per-message TTL.
package queue

import (
	"fmt"

	"github.com/streadway/amqp"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/workflow"
)

// Exchange names.
const (
	ExchangePipeline   = "doc.direct"
	ExchangeBackoffice = "doc.backoffice"
	ExchangeDLX        = "doc.dlx"
)

// Well-known queues and routing keys outside the workflow catalog.
const (
	QueueWorkflowRouter = "q.workflow_router"
	QueueDeadLetters    = "q.dead_letters"

	RoutingKeyNewRequest = "request.new"

	TaskQueueClassification = "q.backoffice.classification"
	TaskQueueExtraction     = "q.backoffice.extraction"

	TaskKeyClassification = "task.classification"
	TaskKeyExtraction     = "task.extraction"
)

// exchangeKinds maps each exchange to its AMQP type.
var exchangeKinds = map[string]string{
	ExchangePipeline:   "direct",
	ExchangeBackoffice: "direct",
	ExchangeDLX:        "fanout",
}

// staticBindings are the queue bindings that do not come from a workflow
// definition: the router entry point, the back-office task queues and the
// dead-letter sink.
var staticBindings = map[string]struct {
	Exchange   string
	RoutingKey string
}{
	QueueWorkflowRouter:     {ExchangePipeline, RoutingKeyNewRequest},
	TaskQueueClassification: {ExchangeBackoffice, TaskKeyClassification},
	TaskQueueExtraction:     {ExchangeBackoffice, TaskKeyExtraction},
	QueueDeadLetters:        {ExchangeDLX, ""},
}

// QueueNameForComponent derives the consume queue for a stage component.
func QueueNameForComponent(component string) string {
	return "q." + component
}

// DeclareTopology declares all exchanges, queues and bindings for the given
// workflows, idempotently. It must run before any consumer starts so that
// publishes never race queue existence.
func DeclareTopology(ch AMQPChannel, catalog *workflow.Catalog, workflowNames []string, messageTTLMS int) error {
	for name, kind := range exchangeKinds {
		if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}

	queueArgs := amqp.Table{
		"x-dead-letter-exchange": ExchangeDLX,
		"x-message-ttl":          int32(messageTTLMS),
	}

	declareAndBind := func(queueName, exchange, routingKey string, args amqp.Table) error {
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
		}
		if err := ch.QueueBind(queueName, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s/%s: %w", queueName, exchange, routingKey, err)
		}
		common.Logger.WithField("queue", queueName).
			WithField("exchange", exchange).
			WithField("routing_key", routingKey).
			Debug("queue_declared")
		return nil
	}

	for queueName, binding := range staticBindings {
		// The dead-letter queue must not dead-letter into itself.
		args := queueArgs
		if queueName == QueueDeadLetters {
			args = nil
		}
		if err := declareAndBind(queueName, binding.Exchange, binding.RoutingKey, args); err != nil {
			return err
		}
	}

	for _, workflowName := range workflowNames {
		wf, err := catalog.Load(workflowName)
		if err != nil {
			return fmt.Errorf("failed to load workflow for topology: %w", err)
		}
		for _, stage := range wf.Stages {
			queueName := QueueNameForComponent(stage.Component)
			if err := declareAndBind(queueName, ExchangePipeline, stage.RoutingKey, queueArgs); err != nil {
				return err
			}
		}
	}

	return nil
}
