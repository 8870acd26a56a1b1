package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTaskNotFound is returned when a task id resolves to no row.
var ErrTaskNotFound = errors.New("backoffice task not found")

// ErrTaskNotClaimable is returned when a claim races another operator or
// targets a task that is no longer pending.
var ErrTaskNotClaimable = errors.New("backoffice task is not pending")

// CreateBackofficeTask inserts a human work item. Runs in the diverting
// stage's transaction so the task and the page/document state commit
// together.
func CreateBackofficeTask(tx *gorm.DB, task *BackofficeTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if err := tx.Create(task).Error; err != nil {
		return fmt.Errorf("failed to create backoffice task: %w", err)
	}
	return nil
}

// GetBackofficeTask loads a task by id.
func GetBackofficeTask(tx *gorm.DB, taskID uuid.UUID) (*BackofficeTask, error) {
	var task BackofficeTask
	err := tx.First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// PendingTasks lists pending tasks of one type, highest priority first then
// oldest first. taskType may be empty to list across types.
func PendingTasks(tx *gorm.DB, taskType string, limit int) ([]BackofficeTask, error) {
	query := tx.Where("status = ?", TaskStatusPending)
	if taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tasks []BackofficeTask
	err := query.Order("priority ASC, created_at ASC").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask assigns a pending task to an operator. The row lock plus the
// pending-status condition make concurrent claims lose cleanly.
func ClaimTask(tx *gorm.DB, taskID uuid.UUID, assignee string) (*BackofficeTask, error) {
	var task BackofficeTask
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusPending {
		return nil, ErrTaskNotClaimable
	}

	task.Status = TaskStatusAssigned
	task.Assignee = assignee
	if err := tx.Save(&task).Error; err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return &task, nil
}

// CompleteTask records operator output and marks the task completed.
// Completion is terminal.
func CompleteTask(tx *gorm.DB, taskID uuid.UUID, output JSONMap) (*BackofficeTask, error) {
	var task BackofficeTask
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.Status == TaskStatusCompleted {
		return nil, fmt.Errorf("task %s is already completed", taskID)
	}

	now := time.Now().UTC()
	task.Status = TaskStatusCompleted
	task.OutputData = output
	task.CompletedAt = &now
	if err := tx.Save(&task).Error; err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}
	return &task, nil
}
