package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRequestNotFound is returned when a request id resolves to no row.
var ErrRequestNotFound = errors.New("request not found")

// ErrInvalidTransition is returned for a status move the lifecycle forbids,
// e.g. backwards along the pipeline. Terminal sources are not an error;
// TransitionStatus reports them as an unchanged no-op.
var ErrInvalidTransition = errors.New("invalid status transition")

// GetRequest loads a request by id.
func GetRequest(tx *gorm.DB, requestID uuid.UUID) (*Request, error) {
	var request Request
	err := tx.First(&request, "id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// GetRequestForUpdate loads a request by id holding a row lock for the
// duration of the transaction.
func GetRequestForUpdate(tx *gorm.DB, requestID uuid.UUID) (*Request, error) {
	var request Request
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&request, "id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// TransitionStatus moves a request to a new status if the lifecycle allows
// it. Returns false without error when the request is already terminal, so
// stages touching a breached request are no-ops on status. completed_at is
// maintained alongside the completed status.
func TransitionStatus(tx *gorm.DB, requestID uuid.UUID, to string) (bool, error) {
	request, err := GetRequestForUpdate(tx, requestID)
	if err != nil {
		return false, err
	}
	if request.Status == to {
		return false, nil
	}
	if !CanTransition(request.Status, to) {
		if IsTerminalStatus(request.Status) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s for request %s",
			ErrInvalidTransition, request.Status, to, requestID)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if to == StatusCompleted {
		updates["completed_at"] = time.Now().UTC()
	}
	if err := tx.Model(&Request{}).Where("id = ?", requestID).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("failed to update request status: %w", err)
	}
	return true, nil
}

// FailRequest marks a request failed with an error message, unless it is
// already terminal.
func FailRequest(tx *gorm.DB, requestID uuid.UUID, message string) (bool, error) {
	changed, err := TransitionStatus(tx, requestID, StatusFailed)
	if err != nil || !changed {
		return changed, err
	}
	err = tx.Model(&Request{}).Where("id = ?", requestID).
		Update("error_message", message).Error
	if err != nil {
		return false, fmt.Errorf("failed to record error message: %w", err)
	}
	return true, nil
}

// PagesByRequest loads all pages of a request ordered by page index.
func PagesByRequest(tx *gorm.DB, requestID uuid.UUID) ([]Page, error) {
	var pages []Page
	err := tx.Where("request_id = ?", requestID).
		Order("page_index ASC").
		Find(&pages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pages for request %s: %w", requestID, err)
	}
	return pages, nil
}

// DocumentsByRequest loads all documents of a request in grouping order.
func DocumentsByRequest(tx *gorm.DB, requestID uuid.UUID) ([]Document, error) {
	var documents []Document
	err := tx.Where("request_id = ?", requestID).
		Order("doc_index ASC").
		Find(&documents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load documents for request %s: %w", requestID, err)
	}
	return documents, nil
}
