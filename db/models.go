// Package db is the relational persistence layer of the document pipeline.
// All durable state lives here: requests, their pages and documents, the
// fan-in aggregation counters and the back-office work items. GORM handles
// the ORM surface; the SLA monitor uses a direct pgx pool for its scans.
package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request status lifecycle. Transitions are monotonic along the pipeline;
// failed and sla_breached are terminal, and the SLA monitor may override any
// non-terminal status to sla_breached.
const (
	StatusReceived      = "received"
	StatusRouting       = "routing"
	StatusSplitting     = "splitting"
	StatusClassifying   = "classifying"
	StatusExtracting    = "extracting"
	StatusConsolidating = "consolidating"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusSLABreached   = "sla_breached"
)

// statusRank orders the forward pipeline statuses. Terminal statuses are not
// ranked; they are handled explicitly by CanTransition.
var statusRank = map[string]int{
	StatusReceived:      0,
	StatusRouting:       1,
	StatusSplitting:     2,
	StatusClassifying:   3,
	StatusExtracting:    4,
	StatusConsolidating: 5,
	StatusCompleted:     6,
}

// IsTerminalStatus reports whether a request status accepts no further
// transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusSLABreached
}

// CanTransition reports whether a request may move from one status to
// another. Forward moves along the pipeline are allowed, skipping stages is
// allowed (a breached-then-retried request may jump), moving backwards is
// not. failed is reachable from any non-terminal status; sla_breached
// overrides any non-terminal status.
func CanTransition(from, to string) bool {
	if IsTerminalStatus(from) {
		return false
	}
	if to == StatusFailed || to == StatusSLABreached {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Back-office task states.
const (
	TaskStatusPending   = "pending"
	TaskStatusAssigned  = "assigned"
	TaskStatusCompleted = "completed"
)

// Back-office task types.
const (
	TaskTypeClassification = "classification"
	TaskTypeExtraction     = "extraction"
)

// JSONMap stores an opaque structured record as a jsonb column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(data, m)
}

// IntSlice stores an ordered list of integers as a jsonb column. Used for a
// document's page indices.
type IntSlice []int

// Value implements driver.Valuer.
func (s IntSlice) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]int{})
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *IntSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(data, s)
}

// StringSlice stores an ordered list of tags as a jsonb column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(data, s)
}

// Request is one client submission moving through the pipeline.
type Request struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalID    string     `gorm:"index" json:"external_id,omitempty"`
	Channel       string     `json:"channel"`
	WorkflowName  string     `gorm:"not null" json:"workflow_name"`
	Status        string     `gorm:"not null;default:received;index" json:"status"`
	Priority      int        `gorm:"default:5" json:"priority"`
	DeadlineUTC   *time.Time `gorm:"index" json:"deadline_utc,omitempty"`
	SLASeconds    int        `json:"sla_seconds"`
	Filename      string     `json:"filename"`
	StoragePath   string     `json:"storage_path"`
	PageCount     *int       `json:"page_count,omitempty"`
	DocumentCount *int       `json:"document_count,omitempty"`
	ResultPayload JSONMap    `gorm:"type:jsonb" json:"result_payload,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Metadata      JSONMap    `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Pages             []Page             `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Documents         []Document         `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	BackofficeTasks   []BackofficeTask   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	AggregationStates []AggregationState `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Page is one page extracted by the splitter.
type Page struct {
	ID                       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID                uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_pages_request_page" json:"request_id"`
	PageIndex                int        `gorm:"not null;uniqueIndex:idx_pages_request_page" json:"page_index"`
	Status                   string     `gorm:"not null;default:created" json:"status"`
	StoragePath              string     `json:"storage_path"`
	OCRText                  string     `json:"ocr_text,omitempty"`
	OCRConfidence            *float64   `json:"ocr_confidence,omitempty"`
	DocType                  *string    `json:"doc_type,omitempty"`
	ClassificationConfidence *float64   `json:"classification_confidence,omitempty"`
	DocumentID               *uuid.UUID `gorm:"type:uuid" json:"document_id,omitempty"`
	Metadata                 JSONMap    `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Document is one logical document produced by classification grouping.
type Document struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID uuid.UUID `gorm:"type:uuid;not null;index" json:"request_id"`
	// DocIndex is the document's position in grouping order. Reads that
	// need that order sort by it, not by created_at.
	DocIndex             int       `gorm:"not null;default:0" json:"doc_index"`
	DocType              string    `gorm:"not null" json:"doc_type"`
	PageIndices          IntSlice  `gorm:"type:jsonb" json:"page_indices"`
	Status               string    `gorm:"not null;default:created" json:"status"`
	ExtractedData        JSONMap   `gorm:"type:jsonb" json:"extracted_data,omitempty"`
	ExtractionConfidence *float64  `json:"extraction_confidence,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AggregationState is the fan-in counter for one (request, stage) round.
// received_count never exceeds expected_count; once is_complete is set no
// further increments are accepted.
type AggregationState struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_aggregation_request_stage" json:"request_id"`
	Stage         string    `gorm:"not null;uniqueIndex:idx_aggregation_request_stage" json:"stage"`
	ExpectedCount int       `gorm:"not null" json:"expected_count"`
	ReceivedCount int       `gorm:"not null;default:0" json:"received_count"`
	IsComplete    bool      `gorm:"not null;default:false" json:"is_complete"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BackofficeTask is one human work item diverted out of the pipeline.
type BackofficeTask struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID      uuid.UUID   `gorm:"type:uuid;not null;index" json:"request_id"`
	TaskType       string      `gorm:"not null;index" json:"task_type"`
	ReferenceID    uuid.UUID   `gorm:"type:uuid;not null" json:"reference_id"`
	Status         string      `gorm:"not null;default:pending;index" json:"status"`
	Priority       int         `gorm:"default:5" json:"priority"`
	Assignee       string      `json:"assignee,omitempty"`
	RequiredSkills StringSlice `gorm:"type:jsonb" json:"required_skills,omitempty"`
	InputData      JSONMap     `gorm:"type:jsonb" json:"input_data,omitempty"`
	OutputData     JSONMap     `gorm:"type:jsonb" json:"output_data,omitempty"`
	SourceStage    string      `json:"source_stage"`
	WorkflowName   string      `json:"workflow_name"`
	DeadlineUTC    *time.Time  `json:"deadline_utc,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Operator is a back-office user. Kept minimal: the pipeline only records an
// opaque username on claimed tasks.
type Operator struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string      `gorm:"uniqueIndex;not null" json:"username"`
	Skills    StringSlice `gorm:"type:jsonb" json:"skills,omitempty"`
	Active    bool        `gorm:"default:true" json:"active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
