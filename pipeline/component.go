// Package pipeline contains the stage execution runtime shared by every
// worker process: the stage contract, the sentinel routing resolver and the
// consume/transact/publish loop with its at-least-once guarantees.
package pipeline

import (
	"context"

	"gorm.io/gorm"

	"docproc.evalgo.org/common"
)

// Sentinel routing keys a stage may return instead of a literal broker key.
const (
	// RouteNext asks the resolver to forward to the following stage of the
	// workflow, or to drop the message when the current stage is terminal.
	RouteNext = "__next__"

	// RouteBackoffice diverts the message to the current stage's configured
	// back-office queue. Emitting this from a stage without a
	// backoffice_queue is a programmer error.
	RouteBackoffice = "__backoffice__"
)

// Outgoing pairs a proposed routing key with an outgoing message. The key is
// either a sentinel or a literal key on the pipeline exchange.
type Outgoing struct {
	RoutingKey string
	Message    common.PipelineMessage
}

// Stage is the business logic of one pipeline stage. Process runs inside a
// single transaction per message; returned messages are published only after
// that transaction commits. Process must be idempotent under redelivery:
// conditional writes and the aggregation counter guard against duplicates.
type Stage interface {
	// Component is the worker type name, matching the workflow catalog's
	// stage component and the q.<component> queue naming.
	Component() string

	// Process handles one message and returns zero or more outgoing pairs.
	Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]Outgoing, error)
}
