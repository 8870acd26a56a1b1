package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrAggregationMissing is returned when a fan-in increment arrives for a
// (request, stage) pair without a counter row. The producer contract creates
// the row before any sibling message is published, so this indicates either
// a replayed message for a cleaned-up request or a producer bug.
var ErrAggregationMissing = errors.New("aggregation state row not found")

// IncrementResult is the outcome of one atomic fan-in increment.
type IncrementResult struct {
	ReceivedCount int
	ExpectedCount int
	// JustCompleted is true for exactly one increment per (request, stage):
	// the one that observed received_count reach expected_count and flipped
	// is_complete. Finalization must run iff this is set.
	JustCompleted bool

	// IsComplete reports whether the round has been finalized, by this
	// increment or an earlier one. A redelivery of the finalizing message
	// sees IsComplete without JustCompleted and can recover a lost
	// post-commit publish from persisted state.
	IsComplete bool
}

// CreateAggregationState inserts the counter row for one fan-in round. Must
// run in the same transaction as the sibling-row inserts so the counter is
// visible before the first fan-out message is published.
func CreateAggregationState(tx *gorm.DB, requestID uuid.UUID, stage string, expectedCount int) (*AggregationState, error) {
	state := &AggregationState{
		ID:            uuid.New(),
		RequestID:     requestID,
		Stage:         stage,
		ExpectedCount: expectedCount,
	}
	if err := tx.Create(state).Error; err != nil {
		return nil, fmt.Errorf("failed to create aggregation state for %s/%s: %w", requestID, stage, err)
	}
	return state, nil
}

// IncrementAggregation performs the atomic fan-in increment for one sibling
// message. A single UPDATE takes the row lock, bumps the counter and reads
// back both counts; concurrent siblings serialize on that lock. Redeliveries
// after completion are absorbed: the counter is clamped at expected_count
// and the is_complete flip is guarded, so finalization fires at most once.
func IncrementAggregation(tx *gorm.DB, requestID uuid.UUID, stage string) (IncrementResult, error) {
	var row struct {
		ReceivedCount int
		ExpectedCount int
		IsComplete    bool
	}

	result := tx.Raw(`
		UPDATE aggregation_states
		SET received_count = LEAST(received_count + 1, expected_count),
		    updated_at = ?
		WHERE request_id = ? AND stage = ?
		RETURNING received_count, expected_count, is_complete`,
		time.Now().UTC(), requestID, stage,
	).Scan(&row)
	if result.Error != nil {
		return IncrementResult{}, fmt.Errorf("failed to increment aggregation counter: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return IncrementResult{}, ErrAggregationMissing
	}

	out := IncrementResult{
		ReceivedCount: row.ReceivedCount,
		ExpectedCount: row.ExpectedCount,
	}
	if row.IsComplete {
		out.IsComplete = true
		return out, nil
	}
	if row.ReceivedCount < row.ExpectedCount {
		return out, nil
	}

	// The guard makes the flip idempotent even if a redelivered sibling
	// reaches this point concurrently.
	flip := tx.Model(&AggregationState{}).
		Where("request_id = ? AND stage = ? AND NOT is_complete", requestID, stage).
		Update("is_complete", true)
	if flip.Error != nil {
		return IncrementResult{}, fmt.Errorf("failed to mark aggregation complete: %w", flip.Error)
	}
	out.IsComplete = true
	out.JustCompleted = flip.RowsAffected == 1
	return out, nil
}

// GetAggregationState loads the counter row for one fan-in round.
func GetAggregationState(tx *gorm.DB, requestID uuid.UUID, stage string) (*AggregationState, error) {
	var state AggregationState
	err := tx.Where("request_id = ? AND stage = ?", requestID, stage).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAggregationMissing
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}
