package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/queue"
)

// TxRunner runs a function inside a database transaction, committing on nil
// and rolling back on error. *gorm.DB satisfies it.
type TxRunner interface {
	Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// RetryCountHeader counts how often a delivery has been retried through the
// worker's republish path. Deliveries exceeding the configured maximum are
// rejected to the DLQ instead of being retried again.
const RetryCountHeader = "x-docproc-retries"

// WorkerConfig tunes one worker process.
type WorkerConfig struct {
	// PrefetchCount bounds the number of un-acked deliveries held at once;
	// handlers run concurrently up to this limit.
	PrefetchCount int

	// MaxRetries bounds redeliveries of a failing message before it is
	// rejected to the DLQ.
	MaxRetries int
}

// Worker runs one stage's consume loop. Per message it decodes the envelope,
// runs the stage logic in a single transaction, commits, then resolves and
// publishes the outgoing messages, and only then acks the delivery. Failures
// before ack lead to redelivery, so the overall contract is at-least-once
// with commit-before-publish ordering.
type Worker struct {
	stage     Stage
	channel   queue.AMQPChannel
	publisher queue.EnvelopePublisher
	resolver  *Resolver
	db        TxRunner
	config    WorkerConfig
	log       *logrus.Entry

	ready atomic.Bool
}

// NewWorker wires a stage into the runtime.
func NewWorker(stage Stage, channel queue.AMQPChannel, publisher queue.EnvelopePublisher, resolver *Resolver, db TxRunner, config WorkerConfig) *Worker {
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = 1
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &Worker{
		stage:     stage,
		channel:   channel,
		publisher: publisher,
		resolver:  resolver,
		db:        db,
		config:    config,
		log:       common.ComponentLogger(stage.Component()),
	}
}

// Ready reports whether the worker is consuming. Used by the health server's
// readiness endpoint.
func (w *Worker) Ready() bool {
	return w.ready.Load()
}

// Run consumes until the context is cancelled or the broker closes the
// delivery channel. In-flight handlers are drained before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.channel.Qos(w.config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	queueName := queue.QueueNameForComponent(w.stage.Component())
	deliveries, err := w.channel.Consume(queueName, w.stage.Component(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
	}

	w.log.WithField("queue", queueName).Info("worker consuming")
	w.ready.Store(true)
	defer w.ready.Store(false)

	var wg sync.WaitGroup
	slots := make(chan struct{}, w.config.PrefetchCount)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.log.Info("worker stopped")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return fmt.Errorf("delivery channel closed for %s", queueName)
			}
			slots <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-slots }()
				w.handleDelivery(ctx, d)
			}(delivery)
		}
	}
}

// handleDelivery runs the per-message contract: decode, transact, commit,
// publish, ack.
func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	msg, err := common.DecodeMessage(d.Body)
	if err != nil {
		// Undecodable messages are poison; send them straight to the DLQ.
		w.log.WithError(err).Error("rejecting undecodable message")
		if nackErr := d.Nack(false, false); nackErr != nil {
			w.log.WithError(nackErr).Error("failed to nack message")
		}
		return
	}

	log := w.log.WithField("request_id", msg.RequestID.String())

	msg.Redelivered = d.Redelivered || retryCount(d.Headers) > 0

	// Stale current_stage happens when a producer routed here by literal
	// key. Stage logic and NEXT resolution both depend on current_stage
	// naming the stage that is executing, so normalize it on entry. The
	// router is not a catalog stage and keeps the envelope as received.
	if stage, lookupErr := w.resolver.catalog.StageByComponent(msg.WorkflowName, w.stage.Component()); lookupErr == nil {
		msg.CurrentStage = stage.Name
	}

	var outgoing []Outgoing
	txErr := w.db.Transaction(func(tx *gorm.DB) error {
		var processErr error
		outgoing, processErr = w.stage.Process(ctx, tx, msg)
		return processErr
	})
	if txErr != nil {
		log.WithError(txErr).Error("stage processing failed")
		w.retryOrReject(d, msg)
		return
	}

	for _, out := range outgoing {
		destination, resolveErr := w.resolver.Resolve(out.RoutingKey, out.Message, w.stage.Component())
		if resolveErr != nil {
			// Misconfigured routing cannot succeed on retry; park the
			// message in the DLQ for inspection.
			log.WithError(resolveErr).Error("routing resolution failed")
			if nackErr := d.Nack(false, false); nackErr != nil {
				log.WithError(nackErr).Error("failed to nack message")
			}
			return
		}
		if destination == nil {
			log.WithField("stage", out.Message.CurrentStage).Debug("workflow terminal, not publishing")
			continue
		}
		if pubErr := w.publisher.PublishEnvelope(destination.Exchange, destination.RoutingKey, destination.Message, w.stage.Component()); pubErr != nil {
			// The transaction already committed; redelivery is safe because
			// stage writes are idempotent.
			log.WithError(pubErr).Error("publish failed after commit")
			w.retryOrReject(d, msg)
			return
		}
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("failed to ack message")
	}
}

// retryOrReject re-enqueues a failed delivery with an incremented retry
// header, or rejects it to the DLQ once the retry budget is spent.
func (w *Worker) retryOrReject(d amqp.Delivery, msg *common.PipelineMessage) {
	retries := retryCount(d.Headers)
	log := w.log.WithField("request_id", msg.RequestID.String()).WithField("retries", retries)

	if retries >= w.config.MaxRetries {
		log.Warn("retry budget exhausted, rejecting to DLQ")
		if err := d.Nack(false, false); err != nil {
			log.WithError(err).Error("failed to nack message")
		}
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int32(retries + 1)

	// Republish through the default exchange directly to our own queue so
	// the incremented header survives, then ack the original.
	queueName := queue.QueueNameForComponent(w.stage.Component())
	err := w.channel.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		MessageId:    d.MessageId,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Headers:      headers,
	})
	if err != nil {
		log.WithError(err).Error("failed to republish for retry, requeueing")
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.WithError(nackErr).Error("failed to nack message")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("failed to ack message after retry republish")
	}
}

// retryCount reads the retry header from delivery headers; absent or
// malformed values count as zero.
func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[RetryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
