package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PipelineMessage is the envelope carried through every queue in the
// pipeline. It identifies the request, the workflow being executed and the
// stage context, and carries a stage-scoped payload.
//
// Unknown fields received on the wire are preserved and forwarded on
// re-serialization so that newer producers can add fields without breaking
// older consumers.
type PipelineMessage struct {
	// Identity
	RequestID uuid.UUID `json:"request_id"`
	TraceID   uuid.UUID `json:"trace_id"`

	// Workflow context
	WorkflowName string     `json:"workflow_name"`
	CurrentStage string     `json:"current_stage,omitempty"`
	DeadlineUTC  *time.Time `json:"deadline_utc,omitempty"`

	// Page-level context (set by the splitter, carried through page stages)
	PageIndex *int `json:"page_index,omitempty"`
	PageCount *int `json:"page_count,omitempty"`
	FileIndex *int `json:"file_index,omitempty"`

	// Document-level context (set by the classification aggregator)
	DocumentID    *uuid.UUID `json:"document_id,omitempty"`
	DocumentCount *int       `json:"document_count,omitempty"`

	// Stage-scoped payload
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Tracing
	SourceComponent string    `json:"source_component,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	// Redelivered is set by the worker runtime when the broker redelivers
	// the message or a retry header is present. Never on the wire; fan-in
	// stages use it to recover a finalization whose post-commit publish
	// was lost.
	Redelivered bool `json:"-"`

	// Fields received on the wire that this version does not know about.
	extra map[string]json.RawMessage
}

// knownEnvelopeFields are the wire names owned by PipelineMessage itself.
// Anything else lands in extra and is carried forward verbatim.
var knownEnvelopeFields = map[string]struct{}{
	"request_id":       {},
	"trace_id":         {},
	"workflow_name":    {},
	"current_stage":    {},
	"deadline_utc":     {},
	"page_index":       {},
	"page_count":       {},
	"file_index":       {},
	"document_id":      {},
	"document_count":   {},
	"payload":          {},
	"source_component": {},
	"created_at":       {},
}

// NewPipelineMessage creates an envelope for a fresh request with a generated
// trace id. WorkflowName defaults to "default" when empty.
func NewPipelineMessage(requestID uuid.UUID, workflowName string) PipelineMessage {
	if workflowName == "" {
		workflowName = "default"
	}
	return PipelineMessage{
		RequestID:    requestID,
		TraceID:      uuid.New(),
		WorkflowName: workflowName,
		Payload:      map[string]interface{}{},
		CreatedAt:    time.Now().UTC(),
	}
}

type pipelineMessageAlias PipelineMessage

// UnmarshalJSON decodes the known envelope fields and stashes everything
// else so MarshalJSON can forward it unchanged.
func (m *PipelineMessage) UnmarshalJSON(data []byte) error {
	var alias pipelineMessageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range knownEnvelopeFields {
		delete(raw, key)
	}
	if len(raw) > 0 {
		alias.extra = raw
	}

	*m = PipelineMessage(alias)
	return nil
}

// MarshalJSON re-serializes the envelope including any unknown fields that
// arrived with it. Known fields always win over preserved ones.
func (m PipelineMessage) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(pipelineMessageAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.extra {
		if _, known := merged[key]; !known {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Validate checks the fields every consumer requires. Messages failing
// validation are rejected without requeue.
func (m *PipelineMessage) Validate() error {
	if m.RequestID == uuid.Nil {
		return fmt.Errorf("envelope missing request_id")
	}
	if m.WorkflowName == "" {
		return fmt.Errorf("envelope missing workflow_name")
	}
	return nil
}

// DecodeMessage deserializes and validates an envelope from a queue body.
func DecodeMessage(body []byte) (*PipelineMessage, error) {
	var msg PipelineMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Copy returns an independent copy of the message. The payload map and
// preserved unknown fields are duplicated so the copy can be mutated and
// published without aliasing the original.
func (m PipelineMessage) Copy() PipelineMessage {
	out := m
	if m.Payload != nil {
		out.Payload = make(map[string]interface{}, len(m.Payload))
		for k, v := range m.Payload {
			out.Payload[k] = v
		}
	}
	if m.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(m.extra))
		for k, v := range m.extra {
			out.extra[k] = v
		}
	}
	return out
}

// IntPtr is a small helper for the optional numeric envelope fields.
func IntPtr(v int) *int { return &v }
